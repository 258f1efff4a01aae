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

// AuditWorker persists attempt lifecycle entries into audit_logs.
type AuditWorker struct {
	pool *pgxpool.Pool
	loop *BatchLoop[model.AuditEntry]
	log  zerolog.Logger
}

func NewAuditWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AuditWorker {
	w := &AuditWorker{
		pool: pool,
		log:  log.With().Str("component", "audit_worker").Logger(),
	}
	w.loop = NewBatchLoop[model.AuditEntry](rdb, config.WorkerKey.PersistAuditQueue, w, w.log)
	return w
}

func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AuditWorker started")
	w.loop.Run(ctx)
}

func (w *AuditWorker) Bulk(ctx context.Context, batch []model.AuditEntry) error {
	rows := make([][]any, 0, len(batch))
	for _, a := range batch {
		rows = append(rows, []any{a.CandidateID, a.AttemptID, string(a.Action), details(a), a.CreatedAt})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"audit_logs"},
		[]string{"candidate_id", "attempt_id", "action", "details", "created_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *AuditWorker) One(ctx context.Context, a model.AuditEntry) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO audit_logs (candidate_id, attempt_id, action, details, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.CandidateID, a.AttemptID, string(a.Action), details(a), a.CreatedAt,
	)
	return err
}

func details(a model.AuditEntry) map[string]any {
	if a.Details == nil {
		return map[string]any{}
	}
	return a.Details
}
