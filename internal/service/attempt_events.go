package service

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// sideEffects collects what a committed attempt change must announce.
type sideEffects struct {
	audits  []model.AuditEntry
	stats   []model.QuestionStat
	events  []model.IntegrityEvent
	monitor []model.MonitorEvent
}

func (fx *sideEffects) empty() bool {
	return len(fx.audits) == 0 && len(fx.stats) == 0 && len(fx.events) == 0 && len(fx.monitor) == 0
}

// AttemptEvents pushes committed attempt changes to the worker queues and the
// live monitor channel. Attempt state never depends on it succeeding.
type AttemptEvents struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewAttemptEvents creates an AttemptEvents. A nil client disables publishing.
func NewAttemptEvents(rdb *redis.Client, log zerolog.Logger) *AttemptEvents {
	return &AttemptEvents{
		rdb: rdb,
		log: log.With().Str("component", "attempt_events").Logger(),
	}
}

func (e *AttemptEvents) publish(ctx context.Context, fx *sideEffects) {
	if e == nil || e.rdb == nil || fx.empty() {
		return
	}

	pipe := e.rdb.Pipeline()
	push := func(queue string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			e.log.Error().Err(err).Str("queue", queue).Msg("Failed to encode queue payload")
			return
		}
		pipe.RPush(ctx, queue, data)
	}

	for _, a := range fx.audits {
		push(config.WorkerKey.PersistAuditQueue, a)
	}
	for _, s := range fx.stats {
		push(config.WorkerKey.PersistQuestionStatsQueue, s)
	}
	for _, ev := range fx.events {
		push(config.WorkerKey.PersistIntegrityEventsQueue, ev)
	}
	for _, m := range fx.monitor {
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(), data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		e.log.Error().Err(err).
			Int("audits", len(fx.audits)).
			Int("stats", len(fx.stats)).
			Int("events", len(fx.events)).
			Msg("Failed to publish attempt side effects")
	}
}
