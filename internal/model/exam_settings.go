package model

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/escalation"
)

// DifficultyCounts is how many questions each attempt draws per bucket.
type DifficultyCounts struct {
	Easy   int `json:"easy"`
	Medium int `json:"medium"`
	Hard   int `json:"hard"`
}

// Of returns the count for one bucket.
func (c DifficultyCounts) Of(d Difficulty) int {
	switch d {
	case DifficultyEasy:
		return c.Easy
	case DifficultyMedium:
		return c.Medium
	case DifficultyHard:
		return c.Hard
	}
	return 0
}

// Sum adds up all buckets.
func (c DifficultyCounts) Sum() int { return c.Easy + c.Medium + c.Hard }

// ExamSettings is the configuration read when an attempt starts.
type ExamSettings struct {
	DurationMinutes      int               `json:"duration_minutes"`
	TotalQuestions       int               `json:"total_questions"`
	PerDifficultyCounts  DifficultyCounts  `json:"per_difficulty_counts"`
	Randomize            bool              `json:"randomize"`
	RandomizeOptions     bool              `json:"randomize_options"`
	PassThreshold        float64           `json:"pass_threshold"`
	ShowScoreImmediately bool              `json:"show_score_immediately"`
	OpenAt               *time.Time        `json:"open_at,omitempty"`
	CloseAt              *time.Time        `json:"close_at,omitempty"`
	Escalation           escalation.Policy `json:"escalation"`
}

// Duration is the attempt length.
func (s ExamSettings) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// IsOpen reports whether now falls inside the availability window.
func (s ExamSettings) IsOpen(now time.Time) bool {
	if s.OpenAt != nil && now.Before(*s.OpenAt) {
		return false
	}
	if s.CloseAt != nil && !now.Before(*s.CloseAt) {
		return false
	}
	return true
}

// Setting keys stored in app_settings.
const (
	SettingExamDurationMinutes      = "exam.duration_minutes"
	SettingExamTotalQuestions       = "exam.total_questions"
	SettingExamEasyCount            = "exam.easy_count"
	SettingExamMediumCount          = "exam.medium_count"
	SettingExamHardCount            = "exam.hard_count"
	SettingExamRandomizeQuestions   = "exam.randomize_questions"
	SettingExamRandomizeOptions     = "exam.randomize_options"
	SettingExamPassThreshold        = "exam.pass_threshold"
	SettingExamShowScoreImmediately = "exam.show_score_immediately"
	SettingExamOpenAt               = "exam.open_at"
	SettingExamCloseAt              = "exam.close_at"
)

// ExamSettingKeys lists every editable key.
var ExamSettingKeys = []string{
	SettingExamDurationMinutes,
	SettingExamTotalQuestions,
	SettingExamEasyCount,
	SettingExamMediumCount,
	SettingExamHardCount,
	SettingExamRandomizeQuestions,
	SettingExamRandomizeOptions,
	SettingExamPassThreshold,
	SettingExamShowScoreImmediately,
	SettingExamOpenAt,
	SettingExamCloseAt,
}

// PublicExamSettings is what candidates see before starting.
type PublicExamSettings struct {
	DurationMinutes      int               `json:"duration_minutes"`
	TotalQuestions       int               `json:"total_questions"`
	PerDifficultyCounts  DifficultyCounts  `json:"per_difficulty_counts"`
	Randomize            bool              `json:"randomize"`
	PassThreshold        float64           `json:"pass_threshold"`
	ShowScoreImmediately bool              `json:"show_score_immediately"`
	OpenAt               *time.Time        `json:"open_at,omitempty"`
	CloseAt              *time.Time        `json:"close_at,omitempty"`
	IsOpen               bool              `json:"is_open"`
	Escalation           escalation.Policy `json:"escalation"`
}

// Public returns the candidate-facing subset of s.
func (s ExamSettings) Public(now time.Time) PublicExamSettings {
	return PublicExamSettings{
		DurationMinutes:      s.DurationMinutes,
		TotalQuestions:       s.TotalQuestions,
		PerDifficultyCounts:  s.PerDifficultyCounts,
		Randomize:            s.Randomize,
		PassThreshold:        s.PassThreshold,
		ShowScoreImmediately: s.ShowScoreImmediately,
		OpenAt:               s.OpenAt,
		CloseAt:              s.CloseAt,
		IsOpen:               s.IsOpen(now),
		Escalation:           s.Escalation,
	}
}
