package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MemoryAttemptRepository keeps attempts in process memory. It honours the
// same invariants as AttemptRepository and backs the service tests and the
// local terminal runner.
type MemoryAttemptRepository struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.Attempt
}

// NewMemoryAttemptRepository creates an empty in-memory attempt store.
func NewMemoryAttemptRepository() *MemoryAttemptRepository {
	return &MemoryAttemptRepository{attempts: make(map[uuid.UUID]*model.Attempt)}
}

func (r *MemoryAttemptRepository) activeLocked(candidateID int) *model.Attempt {
	for _, a := range r.attempts {
		if a.CandidateID == candidateID && a.Status == model.AttemptStatusInProgress {
			return a
		}
	}
	return nil
}

// Create inserts a when the candidate has no in_progress attempt.
func (r *MemoryAttemptRepository) Create(_ context.Context, a *model.Attempt) (*model.Attempt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.activeLocked(a.CandidateID); existing != nil {
		return existing.Clone(), false, nil
	}
	stored := a.Clone()
	stored.Status = model.AttemptStatusInProgress
	stored.UpdatedAt = time.Now()
	r.attempts[stored.ID] = stored
	return stored.Clone(), true, nil
}

// Get retrieves an attempt by ID.
func (r *MemoryAttemptRepository) Get(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return a.Clone(), nil
}

// GetLatestByCandidate returns the candidate's most recent attempt.
func (r *MemoryAttemptRepository) GetLatestByCandidate(_ context.Context, candidateID int) (*model.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *model.Attempt
	for _, a := range r.attempts {
		if a.CandidateID != candidateID {
			continue
		}
		if latest == nil || a.StartedAt.After(latest.StartedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, model.ErrNotFound
	}
	return latest.Clone(), nil
}

// Mutate applies fn under the store lock.
func (r *MemoryAttemptRepository) Mutate(_ context.Context, id uuid.UUID, fn MutateFunc) (*model.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.attempts[id]
	if !ok {
		return nil, model.ErrNotFound
	}

	work := stored.Clone()
	if err := fn(work); err != nil {
		return work, err
	}

	// Columns the SQL update never touches.
	work.ID = stored.ID
	work.CandidateID = stored.CandidateID
	work.Snapshot = stored.Clone().Snapshot
	work.StartedAt = stored.StartedAt
	work.Deadline = stored.Deadline
	work.DurationMinutes = stored.DurationMinutes
	work.PassThreshold = stored.PassThreshold
	work.ShowDetails = stored.ShowDetails
	work.IsFlagged = stored.IsFlagged || work.IsFlagged
	work.UpdatedAt = time.Now()

	r.attempts[id] = work
	return work.Clone(), nil
}

// ListOverdue returns in_progress attempts whose deadline is at or before now.
func (r *MemoryAttemptRepository) ListOverdue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var overdue []*model.Attempt
	for _, a := range r.attempts {
		if a.IsOverdue(now) {
			overdue = append(overdue, a)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].Deadline.Before(overdue[j].Deadline) })

	ids := make([]uuid.UUID, 0, len(overdue))
	for _, a := range overdue {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// List returns attempt summaries, newest first. Candidate name and email are
// not known to this store and stay empty.
func (r *MemoryAttemptRepository) List(_ context.Context, f AttemptFilter) ([]model.AttemptSummary, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*model.Attempt
	for _, a := range r.attempts {
		if f.FlaggedOnly && !a.IsFlagged {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })

	total := int64(len(matched))
	if f.PerPage > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * f.PerPage
		if start > len(matched) {
			start = len(matched)
		}
		end := start + f.PerPage
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}

	out := make([]model.AttemptSummary, 0, len(matched))
	for _, a := range matched {
		c := a.Clone()
		out = append(out, model.AttemptSummary{
			ID:                  c.ID,
			CandidateID:         c.CandidateID,
			Status:              c.Status,
			StartedAt:           c.StartedAt,
			Deadline:            c.Deadline,
			SubmittedAt:         c.SubmittedAt,
			SubmitReason:        c.SubmitReason,
			Score:               c.Score,
			TotalQuestions:      len(c.Snapshot),
			AnsweredCount:       c.AnsweredCount(),
			TabSwitchCount:      c.TabSwitchCount,
			FullscreenExitCount: c.FullscreenExitCount,
			IsFlagged:           c.IsFlagged,
		})
	}
	return out, total, nil
}
