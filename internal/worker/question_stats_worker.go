package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionStatsWorker folds graded answers into questions.times_shown and
// questions.times_correct.
type QuestionStatsWorker struct {
	pool *pgxpool.Pool
	loop *BatchLoop[model.QuestionStat]
	log  zerolog.Logger
}

func NewQuestionStatsWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *QuestionStatsWorker {
	w := &QuestionStatsWorker{
		pool: pool,
		log:  log.With().Str("component", "question_stats_worker").Logger(),
	}
	w.loop = NewBatchLoop[model.QuestionStat](rdb, config.WorkerKey.PersistQuestionStatsQueue, w, w.log)
	// A finished attempt pushes one stat per question.
	w.loop.BatchSize = 200
	return w
}

func (w *QuestionStatsWorker) Start(ctx context.Context) {
	w.log.Info().Msg("QuestionStatsWorker started")
	w.loop.Run(ctx)
}

type questionTally struct {
	shown   int
	correct int
}

// aggregateStats collapses a batch into one tally per question, in first-seen order.
func aggregateStats(batch []model.QuestionStat) ([]uuid.UUID, []questionTally) {
	index := make(map[uuid.UUID]int, len(batch))
	var ids []uuid.UUID
	var tallies []questionTally
	for _, s := range batch {
		i, ok := index[s.QuestionID]
		if !ok {
			i = len(ids)
			index[s.QuestionID] = i
			ids = append(ids, s.QuestionID)
			tallies = append(tallies, questionTally{})
		}
		tallies[i].shown++
		if s.Correct {
			tallies[i].correct++
		}
	}
	return ids, tallies
}

func (w *QuestionStatsWorker) Bulk(ctx context.Context, batch []model.QuestionStat) error {
	ids, tallies := aggregateStats(batch)
	shown := make([]int32, len(tallies))
	correct := make([]int32, len(tallies))
	for i, t := range tallies {
		shown[i] = int32(t.shown)
		correct[i] = int32(t.correct)
	}

	_, err := w.pool.Exec(ctx,
		`UPDATE questions q
		 SET times_shown = q.times_shown + s.shown,
		     times_correct = q.times_correct + s.correct
		 FROM unnest($1::uuid[], $2::int[], $3::int[]) AS s(id, shown, correct)
		 WHERE q.id = s.id`,
		ids, shown, correct,
	)
	return err
}

func (w *QuestionStatsWorker) One(ctx context.Context, s model.QuestionStat) error {
	correct := 0
	if s.Correct {
		correct = 1
	}
	_, err := w.pool.Exec(ctx,
		`UPDATE questions SET times_shown = times_shown + 1, times_correct = times_correct + $2 WHERE id = $1`,
		s.QuestionID, correct,
	)
	return err
}
