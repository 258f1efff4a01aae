package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// LiveAttempt is one row of the live monitor board.
type LiveAttempt struct {
	AttemptID           uuid.UUID           `json:"attempt_id"`
	CandidateID         int                 `json:"candidate_id"`
	Name                string              `json:"name"`
	Status              model.AttemptStatus `json:"status"`
	StartedAt           time.Time           `json:"started_at"`
	Deadline            time.Time           `json:"deadline"`
	AnsweredCount       int                 `json:"answered_count"`
	TotalQuestions      int                 `json:"total_questions"`
	TabSwitchCount      int                 `json:"tab_switch_count"`
	FullscreenExitCount int                 `json:"fullscreen_exit_count"`
	IsFlagged           bool                `json:"is_flagged"`
	Score               *float64            `json:"score,omitempty"`
}

// MonitorRepository provides data access for the live monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListSince returns attempts started at or after since, newest first.
func (r *MonitorRepository) ListSince(ctx context.Context, since time.Time) ([]LiveAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.candidate_id, c.name, a.status, a.started_at, a.deadline,
		        (SELECT COUNT(*) FROM unnest(a.answers) AS ans WHERE ans >= 0),
		        jsonb_array_length(a.question_snapshot),
		        a.tab_switch_count, a.fullscreen_exit_count, a.is_flagged, a.score
		 FROM attempts a
		 JOIN candidates c ON c.id = a.candidate_id
		 WHERE a.started_at >= $1
		 ORDER BY a.started_at DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	live := make([]LiveAttempt, 0)
	for rows.Next() {
		var l LiveAttempt
		if err := rows.Scan(&l.AttemptID, &l.CandidateID, &l.Name, &l.Status, &l.StartedAt, &l.Deadline,
			&l.AnsweredCount, &l.TotalQuestions,
			&l.TabSwitchCount, &l.FullscreenExitCount, &l.IsFlagged, &l.Score); err != nil {
			return nil, err
		}
		live = append(live, l)
	}
	return live, rows.Err()
}

// GetEventCounts returns the persisted integrity event count per attempt,
// log-only events included.
func (r *MonitorRepository) GetEventCounts(ctx context.Context, since time.Time) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, COUNT(*)
		 FROM integrity_events
		 WHERE recorded_at >= $1
		 GROUP BY attempt_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
