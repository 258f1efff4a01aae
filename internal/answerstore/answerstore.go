// Package answerstore keeps the client's local copy of the answer sheet. It
// is rebuilt from the server on start and resume and is never used for
// scoring.
package answerstore

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Store is a position-indexed answer map, safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	answers []int
}

// New returns an empty sheet of total positions.
func New(total int) *Store {
	return &Store{answers: model.NewAnswerSheet(total)}
}

// FromServer rebuilds the sheet from the answers reported by start or resume.
func FromServer(answers []int) *Store {
	s := &Store{answers: make([]int, len(answers))}
	copy(s.answers, answers)
	return s
}

// Set records an optimistic selection. It returns false for a position
// outside the sheet.
func (s *Store) Set(position, option int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < 0 || position >= len(s.answers) || option < 0 {
		return false
	}
	s.answers[position] = option
	return true
}

// Get returns the selected option at position.
func (s *Store) Get(position int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if position < 0 || position >= len(s.answers) || s.answers[position] == model.Unanswered {
		return model.Unanswered, false
	}
	return s.answers[position], true
}

// Answered counts positions with a selection.
func (s *Store) Answered() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.answers {
		if a != model.Unanswered {
			n++
		}
	}
	return n
}

// Total is the number of positions.
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.answers)
}

// Snapshot returns a copy for rendering. Unanswered positions hold model.Unanswered.
func (s *Store) Snapshot() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.answers))
	copy(out, s.answers)
	return out
}
