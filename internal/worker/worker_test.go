package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	bulkErr error
	badIDs  map[int]bool
	bulk    [][]model.AuditEntry
	rows    []model.AuditEntry
}

func (s *recordingSink) Bulk(_ context.Context, batch []model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bulkErr != nil {
		return s.bulkErr
	}
	s.bulk = append(s.bulk, append([]model.AuditEntry(nil), batch...))
	return nil
}

func (s *recordingSink) One(_ context.Context, a model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.badIDs[a.CandidateID] {
		return errors.New("constraint violation")
	}
	s.rows = append(s.rows, a)
	return nil
}

func (s *recordingSink) bulkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bulk {
		n += len(b)
	}
	return n
}

func newLoop(t *testing.T, sink Sink[model.AuditEntry]) (*BatchLoop[model.AuditEntry], *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	loop := NewBatchLoop[model.AuditEntry](rdb, "test_queue", sink, zerolog.Nop())
	loop.RequeueBackoff = time.Millisecond
	return loop, mr, rdb
}

func push(t *testing.T, rdb *redis.Client, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := rdb.RPush(context.Background(), "test_queue", data).Err(); err != nil {
		t.Fatal(err)
	}
}

func TestBatchLoopFlushesOnSize(t *testing.T) {
	sink := &recordingSink{}
	loop, _, rdb := newLoop(t, sink)
	loop.BatchSize = 3
	loop.BatchTimeout = time.Hour

	for i := 1; i <= 3; i++ {
		push(t, rdb, model.AuditEntry{CandidateID: i, AttemptID: uuid.New(), Action: model.AuditAction("started")})
	}
	push(t, rdb, "not an audit entry")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for sink.bulkCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := sink.bulkCount(); got != 3 {
		t.Fatalf("persisted %d entries, want 3", got)
	}
}

func TestBatchLoopShutdownFlushesBuffer(t *testing.T) {
	sink := &recordingSink{}
	loop, mr, rdb := newLoop(t, sink)
	loop.BatchTimeout = time.Hour

	push(t, rdb, model.AuditEntry{CandidateID: 1})
	push(t, rdb, model.AuditEntry{CandidateID: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := mr.List("test_queue"); len(n) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if got := sink.bulkCount(); got != 2 {
		t.Fatalf("persisted %d entries at shutdown, want 2", got)
	}
}

func TestFlushSafeRequeuesFailedRows(t *testing.T) {
	sink := &recordingSink{
		bulkErr: errors.New("copy failed"),
		badIDs:  map[int]bool{2: true},
	}
	loop, mr, _ := newLoop(t, sink)

	batch := []model.AuditEntry{{CandidateID: 1}, {CandidateID: 2}, {CandidateID: 3}}
	loop.flushSafe(context.Background(), batch)

	if len(sink.rows) != 2 {
		t.Fatalf("recovered %d rows, want 2", len(sink.rows))
	}
	queued, err := mr.List("test_queue")
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Fatalf("requeued %d items, want 1", len(queued))
	}
	var back model.AuditEntry
	if err := json.Unmarshal([]byte(queued[0]), &back); err != nil {
		t.Fatal(err)
	}
	if back.CandidateID != 2 {
		t.Fatalf("requeued candidate %d, want 2", back.CandidateID)
	}
}

func TestAggregateStats(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	ids, tallies := aggregateStats([]model.QuestionStat{
		{QuestionID: a, Correct: true},
		{QuestionID: b, Correct: false},
		{QuestionID: a, Correct: false},
		{QuestionID: a, Correct: true},
	})

	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Fatalf("ids = %v", ids)
	}
	if tallies[0] != (questionTally{shown: 3, correct: 2}) {
		t.Errorf("tally a = %+v", tallies[0])
	}
	if tallies[1] != (questionTally{shown: 1, correct: 0}) {
		t.Errorf("tally b = %+v", tallies[1])
	}
}

type countingSweeper struct {
	calls int
	err   error
}

func (s *countingSweeper) SweepExpired(context.Context) (int, error) {
	s.calls++
	return 2, s.err
}

func TestExpirySweeperRunOnce(t *testing.T) {
	sw := &countingSweeper{}
	s := NewExpirySweeper(sw, "@every 1m", zerolog.Nop())

	if got := s.RunOnce(context.Background()); got != 2 {
		t.Fatalf("closed = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := s.RunOnce(ctx); got != 0 || sw.calls != 1 {
		t.Fatalf("cancelled sweep ran: closed=%d calls=%d", got, sw.calls)
	}
}

func TestExpirySweeperRejectsBadSchedule(t *testing.T) {
	s := NewExpirySweeper(&countingSweeper{}, "not a schedule", zerolog.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}
