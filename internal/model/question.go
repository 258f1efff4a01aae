package model

import (
	"time"

	"github.com/google/uuid"
)

// Difficulty buckets questions for per-difficulty selection.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists the buckets in selection order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// Valid reports whether d is a known bucket.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Question is a QuestionBank record.
type Question struct {
	ID           uuid.UUID  `json:"id"`
	Text         string     `json:"text"`
	Options      []string   `json:"options"`
	CorrectIndex int        `json:"correct_index"`
	Category     string     `json:"category"`
	Difficulty   Difficulty `json:"difficulty"`
	IsActive     bool       `json:"is_active"`
	TimesShown   int        `json:"times_shown"`
	TimesCorrect int        `json:"times_correct"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Snapshot freezes the question for an attempt.
func (q Question) Snapshot() QuestionSnapshot {
	return QuestionSnapshot{
		ID:           q.ID,
		Text:         q.Text,
		Options:      append([]string(nil), q.Options...),
		CorrectIndex: q.CorrectIndex,
		Category:     q.Category,
		Difficulty:   q.Difficulty,
	}
}

// ImportQuestion is one row of a question import file.
type ImportQuestion struct {
	Text         string     `json:"text" binding:"required,min=1,max=2000"`
	Options      []string   `json:"options" binding:"required,min=2,max=6,dive,required,max=500"`
	CorrectIndex int        `json:"correct_index" binding:"min=0"`
	Category     string     `json:"category" binding:"max=100"`
	Difficulty   Difficulty `json:"difficulty" binding:"required,oneof=easy medium hard"`
}

// QuestionStat is one usage counter update produced at finalization.
type QuestionStat struct {
	QuestionID uuid.UUID `json:"question_id"`
	Correct    bool      `json:"correct"`
}
