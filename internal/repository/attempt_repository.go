package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptFilter narrows admin attempt listings. PerPage <= 0 returns every row.
type AttemptFilter struct {
	Page        int
	PerPage     int
	FlaggedOnly bool
	Status      model.AttemptStatus
}

// MutateFunc edits a locked attempt. Returning an error discards the edit.
type MutateFunc func(a *model.Attempt) error

const attemptColumns = `id, candidate_id, status, question_snapshot, answers, started_at, deadline,
	duration_minutes, pass_threshold, show_details, tab_switch_count, fullscreen_exit_count, is_flagged,
	score, correct_count, submitted_at, submit_reason, result, updated_at`

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(
		&a.ID, &a.CandidateID, &a.Status, &a.Snapshot, &a.Answers, &a.StartedAt, &a.Deadline,
		&a.DurationMinutes, &a.PassThreshold, &a.ShowDetails, &a.TabSwitchCount, &a.FullscreenExitCount, &a.IsFlagged,
		&a.Score, &a.CorrectCount, &a.SubmittedAt, &a.SubmitReason, &a.Result, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts a new in_progress attempt. When the candidate already has an
// in_progress attempt the insert is skipped and that attempt is returned with
// created=false.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) (*model.Attempt, bool, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO attempts (id, candidate_id, status, question_snapshot, answers, started_at, deadline,
		                       duration_minutes, pass_threshold, show_details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (candidate_id) WHERE status = 'in_progress' DO NOTHING
		 RETURNING updated_at`,
		a.ID, a.CandidateID, model.AttemptStatusInProgress, a.Snapshot, a.Answers, a.StartedAt, a.Deadline,
		a.DurationMinutes, a.PassThreshold, a.ShowDetails,
	).Scan(&a.UpdatedAt)
	if err == nil {
		a.Status = model.AttemptStatusInProgress
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert attempt: %w", err)
	}

	existing, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE candidate_id = $1 AND status = 'in_progress'`, a.CandidateID))
	if err != nil {
		return nil, false, fmt.Errorf("load active attempt: %w", err)
	}
	return existing, false, nil
}

// Get retrieves an attempt by ID.
func (r *AttemptRepository) Get(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetLatestByCandidate returns the candidate's most recent attempt.
func (r *AttemptRepository) GetLatestByCandidate(ctx context.Context, candidateID int) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE candidate_id = $1
		 ORDER BY started_at DESC
		 LIMIT 1`, candidateID))
}

// Mutate locks the attempt row, applies fn and writes the result back in one
// transaction. The deadline, snapshot, start time and result visibility are
// never written and is_flagged can only move from false to true.
func (r *AttemptRepository) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*model.Attempt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(a); err != nil {
		return a, err
	}

	err = tx.QueryRow(ctx,
		`UPDATE attempts
		 SET status = $2,
		     answers = $3,
		     tab_switch_count = $4,
		     fullscreen_exit_count = $5,
		     is_flagged = is_flagged OR $6,
		     score = $7,
		     correct_count = $8,
		     submitted_at = $9,
		     submit_reason = $10,
		     result = $11,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING is_flagged, updated_at`,
		a.ID, a.Status, a.Answers, a.TabSwitchCount, a.FullscreenExitCount, a.IsFlagged,
		a.Score, a.CorrectCount, a.SubmittedAt, a.SubmitReason, a.Result,
	).Scan(&a.IsFlagged, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit attempt: %w", err)
	}
	return a, nil
}

// ListOverdue returns in_progress attempts whose deadline is at or before now.
func (r *AttemptRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM attempts
		 WHERE status = 'in_progress' AND deadline <= $1
		 ORDER BY deadline ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns attempt summaries joined with candidate identity, newest first.
func (r *AttemptRepository) List(ctx context.Context, f AttemptFilter) ([]model.AttemptSummary, int64, error) {
	baseQuery := `
		FROM attempts a
		JOIN candidates c ON c.id = a.candidate_id
		WHERE 1 = 1
	`
	var args []any
	if f.FlaggedOnly {
		baseQuery += " AND a.is_flagged"
	}
	if f.Status != "" {
		args = append(args, f.Status)
		baseQuery += fmt.Sprintf(" AND a.status = $%d", len(args))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT a.id, a.candidate_id, c.name, c.email, a.status, a.started_at, a.deadline,
		       a.submitted_at, a.submit_reason, a.score,
		       jsonb_array_length(a.question_snapshot),
		       (SELECT COUNT(*) FROM unnest(a.answers) AS ans WHERE ans >= 0),
		       a.tab_switch_count, a.fullscreen_exit_count, a.is_flagged
		` + baseQuery + `
		ORDER BY a.started_at DESC`
	if f.PerPage > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		args = append(args, f.PerPage, (page-1)*f.PerPage)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.AttemptSummary
	for rows.Next() {
		var s model.AttemptSummary
		if err := rows.Scan(
			&s.ID, &s.CandidateID, &s.CandidateName, &s.CandidateEmail, &s.Status, &s.StartedAt, &s.Deadline,
			&s.SubmittedAt, &s.SubmitReason, &s.Score,
			&s.TotalQuestions, &s.AnsweredCount,
			&s.TabSwitchCount, &s.FullscreenExitCount, &s.IsFlagged,
		); err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
