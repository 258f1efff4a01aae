package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionSource lists the active questions of one difficulty bucket.
type QuestionSource interface {
	ListActiveByDifficulty(ctx context.Context, d model.Difficulty) ([]model.Question, error)
}

// QuestionSelector draws the frozen question set of a new attempt.
type QuestionSelector struct {
	questions QuestionSource

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewQuestionSelector creates a selector. A nil rnd uses a randomly seeded source.
func NewQuestionSelector(questions QuestionSource, rnd *rand.Rand) *QuestionSelector {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &QuestionSelector{questions: questions, rnd: rnd}
}

// Select returns the snapshot for a new attempt. With per-difficulty counts it
// draws that many from each bucket, otherwise TotalQuestions from all buckets.
func (s *QuestionSelector) Select(ctx context.Context, settings model.ExamSettings) ([]model.QuestionSnapshot, error) {
	var picked []model.Question

	if settings.PerDifficultyCounts.Sum() > 0 {
		for _, d := range model.Difficulties {
			want := settings.PerDifficultyCounts.Of(d)
			if want == 0 {
				continue
			}
			pool, err := s.questions.ListActiveByDifficulty(ctx, d)
			if err != nil {
				return nil, fmt.Errorf("list %s questions: %w", d, err)
			}
			if len(pool) < want {
				return nil, fmt.Errorf("%w: %s needs %d, bank has %d", model.ErrInsufficientQuestions, d, want, len(pool))
			}
			picked = append(picked, s.take(pool, want, settings.Randomize)...)
		}
	} else {
		var pool []model.Question
		for _, d := range model.Difficulties {
			qs, err := s.questions.ListActiveByDifficulty(ctx, d)
			if err != nil {
				return nil, fmt.Errorf("list %s questions: %w", d, err)
			}
			pool = append(pool, qs...)
		}
		if settings.TotalQuestions <= 0 || len(pool) < settings.TotalQuestions {
			return nil, fmt.Errorf("%w: need %d, bank has %d", model.ErrInsufficientQuestions, settings.TotalQuestions, len(pool))
		}
		picked = s.take(pool, settings.TotalQuestions, settings.Randomize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.Randomize {
		s.rnd.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	}

	snapshot := make([]model.QuestionSnapshot, len(picked))
	for i, q := range picked {
		snap := q.Snapshot()
		if settings.RandomizeOptions {
			s.shuffleOptions(&snap)
		}
		snapshot[i] = snap
	}
	return snapshot, nil
}

// take returns n questions from pool, a random subset when randomize is set.
func (s *QuestionSelector) take(pool []model.Question, n int, randomize bool) []model.Question {
	out := append([]model.Question(nil), pool...)
	if randomize {
		s.mu.Lock()
		s.rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		s.mu.Unlock()
	}
	return out[:n]
}

// shuffleOptions permutes the options and remaps the correct index. Callers hold mu.
func (s *QuestionSelector) shuffleOptions(q *model.QuestionSnapshot) {
	perm := s.rnd.Perm(len(q.Options))
	options := make([]string, len(q.Options))
	correct := q.CorrectIndex
	for newPos, oldPos := range perm {
		options[newPos] = q.Options[oldPos]
		if oldPos == q.CorrectIndex {
			correct = newPos
		}
	}
	q.Options = options
	q.CorrectIndex = correct
}
