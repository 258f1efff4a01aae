package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize      = 50
	BatchTimeout   = 2 * time.Second
	PollTimeout    = 1 * time.Second // Must be >= 1s to satisfy Redis
	RequeueBackoff = 2 * time.Second
	ShutdownFlush  = 5 * time.Second
)

// Sink persists queue items. Bulk is the fast path for a whole batch; One is
// the row-by-row recovery path used when Bulk fails.
type Sink[T any] interface {
	Bulk(ctx context.Context, batch []T) error
	One(ctx context.Context, item T) error
}

// BatchLoop drains a Redis list into a Sink: items are buffered until
// BatchSize or BatchTimeout, flushed in bulk, retried one by one, and pushed
// back to the list when even that fails.
type BatchLoop[T any] struct {
	rdb   *redis.Client
	queue string
	sink  Sink[T]
	log   zerolog.Logger

	BatchSize      int
	BatchTimeout   time.Duration
	PollTimeout    time.Duration
	RequeueBackoff time.Duration
}

// NewBatchLoop creates a loop with the default batching parameters.
func NewBatchLoop[T any](rdb *redis.Client, queue string, sink Sink[T], log zerolog.Logger) *BatchLoop[T] {
	return &BatchLoop[T]{
		rdb:            rdb,
		queue:          queue,
		sink:           sink,
		log:            log,
		BatchSize:      BatchSize,
		BatchTimeout:   BatchTimeout,
		PollTimeout:    PollTimeout,
		RequeueBackoff: RequeueBackoff,
	}
}

// Run blocks until ctx is cancelled, then flushes what is buffered.
func (l *BatchLoop[T]) Run(ctx context.Context) {
	buffer := make([]T, 0, l.BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 && (len(buffer) >= l.BatchSize || time.Since(lastFlushTime) >= l.BatchTimeout) {
			l.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			l.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis. BLPop returns immediately if data exists.
		result, err := l.rdb.BLPop(ctx, l.PollTimeout, l.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Queue empty, loop back to check the flush timer
			}
			if ctx.Err() != nil {
				continue
			}
			l.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		// 4. Decode. Malformed JSON can never succeed, so it is dropped.
		var item T
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			l.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue.
func (l *BatchLoop[T]) flushSafe(ctx context.Context, batch []T) {
	err := l.sink.Bulk(ctx, batch)
	if err == nil {
		l.log.Debug().Int("count", len(batch)).Msg("Batch persisted")
		return
	}
	l.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")

	var failed []T
	for _, item := range batch {
		if err := l.sink.One(ctx, item); err != nil {
			l.log.Error().Err(err).Msg("Row write failed, requeueing")
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		l.requeue(ctx, failed)
	}
}

func (l *BatchLoop[T]) requeue(ctx context.Context, items []T) {
	pipe := l.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, l.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	l.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Back off so a database outage does not turn into a hot loop.
	sleepCtx(ctx, l.RequeueBackoff)
}

func (l *BatchLoop[T]) shutdown(buffer []T) {
	l.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer...")
	if len(buffer) == 0 {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownFlush)
	defer cancel()
	l.flushSafe(shutdownCtx, buffer)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
