package worker

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// IntegrityWorker persists queued integrity events into integrity_events.
type IntegrityWorker struct {
	pool *pgxpool.Pool
	loop *BatchLoop[model.IntegrityEvent]
	log  zerolog.Logger
}

func NewIntegrityWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *IntegrityWorker {
	w := &IntegrityWorker{
		pool: pool,
		log:  log.With().Str("component", "integrity_worker").Logger(),
	}
	w.loop = NewBatchLoop[model.IntegrityEvent](rdb, config.WorkerKey.PersistIntegrityEventsQueue, w, w.log)
	return w
}

func (w *IntegrityWorker) Start(ctx context.Context) {
	w.log.Info().Msg("IntegrityWorker started")
	w.loop.Run(ctx)
}

func (w *IntegrityWorker) Bulk(ctx context.Context, batch []model.IntegrityEvent) error {
	rows := make([][]any, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []any{e.AttemptID, e.CandidateID, string(e.EventType), e.ClientTS, e.RecordedAt})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"integrity_events"},
		[]string{"attempt_id", "candidate_id", "event_type", "client_ts", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *IntegrityWorker) One(ctx context.Context, e model.IntegrityEvent) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO integrity_events (attempt_id, candidate_id, event_type, client_ts, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.AttemptID, e.CandidateID, string(e.EventType), e.ClientTS, e.RecordedAt,
	)
	return err
}
