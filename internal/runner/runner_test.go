package runner

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

type fakeAPI struct {
	mu        sync.Mutex
	status    model.StatusView
	start     *model.StartView
	startErr  error
	answerErr error
	eventOut  *model.EventOutcome
	// eventErrs fail the next ReportEvent calls in order.
	eventErrs []error
	onEvent   func(model.IntegrityEventType) *model.EventOutcome
	reported  []model.IntegrityEventType
	submitErr error
	result    model.AttemptResult

	answers     map[int]int
	eventCalls  int
	answerCalls atomic.Int32
	submitCalls atomic.Int32
	submitDelay time.Duration
}

func (f *fakeAPI) Start(context.Context) (*model.StartView, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	v := *f.start
	return &v, nil
}

func (f *fakeAPI) RecordAnswer(_ context.Context, _ uuid.UUID, pos, opt int) (*model.AnswerAck, error) {
	f.answerCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	if f.answers == nil {
		f.answers = map[int]int{}
	}
	f.answers[pos] = opt
	return &model.AnswerAck{Position: pos, OptionIndex: opt}, nil
}

func (f *fakeAPI) ReportEvent(_ context.Context, _ uuid.UUID, t model.IntegrityEventType, _ time.Time) (*model.EventOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCalls++
	if len(f.eventErrs) > 0 {
		err := f.eventErrs[0]
		f.eventErrs = f.eventErrs[1:]
		return nil, err
	}
	f.reported = append(f.reported, t)
	if f.onEvent != nil {
		return f.onEvent(t), nil
	}
	return f.eventOut, nil
}

func (f *fakeAPI) Submit(context.Context, uuid.UUID) (*model.AttemptResult, error) {
	f.submitCalls.Add(1)
	time.Sleep(f.submitDelay)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	r := f.result
	return &r, nil
}

func (f *fakeAPI) Status(context.Context) (*model.StatusView, error) {
	s := f.status
	return &s, nil
}

func (f *fakeAPI) Result(context.Context) (*model.ResultView, error) {
	return &model.ResultView{Result: f.result}, nil
}

func startView(n, remaining int) *model.StartView {
	qs := make([]model.PublicQuestion, n)
	for i := range qs {
		qs[i] = model.PublicQuestion{Position: i, Options: []string{"a", "b", "c", "d"}}
	}
	return &model.StartView{
		AttemptID:        uuid.New(),
		Questions:        qs,
		TotalQuestions:   n,
		RemainingSeconds: remaining,
		Answers:          model.NewAnswerSheet(n),
	}
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
	states  []State
}

func (r *recorder) notice(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) state(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) snapshot() ([]Notice, []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...), append([]State(nil), r.states...)
}

func newRunner(t *testing.T, api *fakeAPI, cfg Config) (*Runner, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg.OnNotice = rec.notice
	cfg.OnState = rec.state
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	r := New(api, cfg, zerolog.Nop())
	t.Cleanup(r.Close)
	return r, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoadRoutes(t *testing.T) {
	inProgress := startView(4, 90)
	inProgress.Answers = []int{1, model.Unanswered, 3, model.Unanswered}
	inProgress.TabSwitchCount = 2

	tests := []struct {
		name   string
		status model.StatusView
		want   State
	}{
		{"terminal", model.StatusView{Status: model.AttemptStatusSubmitted}, StateResult},
		{"running", model.StatusView{Status: model.AttemptStatusInProgress}, StateActive},
		{"fresh", model.StatusView{Status: model.AttemptStatusNotStarted, CanStart: true}, StateIntro},
		{"closed", model.StatusView{Status: model.AttemptStatusNotStarted, Reason: "exam closed"}, StateIneligible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: tt.status, start: inProgress, result: model.AttemptResult{ScorePercent: 50}}
			r, rec := newRunner(t, api, Config{})

			if err := r.Load(context.Background()); err != nil {
				t.Fatal(err)
			}
			if r.State() != tt.want {
				t.Fatalf("state = %s, want %s", r.State(), tt.want)
			}

			switch tt.want {
			case StateActive:
				if r.Answers().Answered() != 2 || r.Counts().TabSwitch != 2 {
					t.Errorf("resume lost state: answered=%d counts=%+v", r.Answers().Answered(), r.Counts())
				}
				if rem := r.Remaining(); rem <= 80*time.Second || rem > 90*time.Second {
					t.Errorf("remaining = %v, want about 90s", rem)
				}
			case StateResult:
				if r.Result() == nil || r.Result().ScorePercent != 50 {
					t.Errorf("result = %+v", r.Result())
				}
				if notices, _ := rec.snapshot(); len(notices) != 0 {
					t.Errorf("loading a result must not raise notices: %+v", notices)
				}
			case StateIneligible:
				if r.IneligibleReason() != "exam closed" {
					t.Errorf("reason = %q", r.IneligibleReason())
				}
			}
		})
	}
}

func TestBeginFatalErrorIsIneligible(t *testing.T) {
	api := &fakeAPI{
		status:   model.StatusView{Status: model.AttemptStatusNotStarted, CanStart: true},
		startErr: &client.APIError{Status: http.StatusForbidden, Code: response.ErrNotEligible},
	}
	r, _ := newRunner(t, api, Config{})

	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Begin(context.Background()); !errors.Is(err, ErrWrongState) {
		t.Fatalf("begin before rules: err = %v", err)
	}
	if err := r.AcceptIntro(); err != nil {
		t.Fatal(err)
	}
	if err := r.Begin(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if r.State() != StateIneligible || r.IneligibleReason() != string(response.ErrNotEligible) {
		t.Fatalf("state = %s reason = %q", r.State(), r.IneligibleReason())
	}
}

func TestManualFlow(t *testing.T) {
	api := &fakeAPI{
		status: model.StatusView{Status: model.AttemptStatusNotStarted, CanStart: true},
		start:  startView(3, 600),
		result: model.AttemptResult{ScorePercent: 66.67, SubmitReason: model.SubmitReasonManual},
	}
	r, rec := newRunner(t, api, Config{})
	ctx := context.Background()

	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.AcceptIntro(); err != nil {
		t.Fatal(err)
	}
	if err := r.Begin(ctx); err != nil {
		t.Fatal(err)
	}

	if err := r.SelectAnswer(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.SelectAnswer(2, 3); err != nil {
		t.Fatal(err)
	}
	if err := r.SelectAnswer(3, 0); !errors.Is(err, ErrBadPosition) {
		t.Fatalf("err = %v, want ErrBadPosition", err)
	}
	if err := r.SelectAnswer(1, 4); !errors.Is(err, ErrBadOption) {
		t.Fatalf("err = %v, want ErrBadOption", err)
	}

	result, err := r.Submit(ctx, model.SubmitReasonManual)
	if err != nil {
		t.Fatal(err)
	}
	if result.ScorePercent != 66.67 || r.State() != StateResult {
		t.Fatalf("result = %+v state = %s", result, r.State())
	}

	api.mu.Lock()
	saved := len(api.answers)
	api.mu.Unlock()
	if saved != 2 {
		t.Fatalf("saved %d answers before submit, want 2", saved)
	}

	if err := r.SelectAnswer(1, 1); !errors.Is(err, ErrSubmitting) {
		t.Fatalf("answer after submit: err = %v", err)
	}
	notices, states := rec.snapshot()
	if len(notices) != 0 {
		t.Fatalf("manual submit raised notices: %+v", notices)
	}
	want := []State{StateIntro, StateRules, StateActive, StateSubmitting, StateResult}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestConcurrentTriggersSubmitOnce(t *testing.T) {
	api := &fakeAPI{
		status:      model.StatusView{Status: model.AttemptStatusInProgress},
		start:       startView(2, 600),
		submitDelay: 20 * time.Millisecond,
	}
	r, _ := newRunner(t, api, Config{})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var ok, busy atomic.Int32
	reasons := []model.SubmitReason{model.SubmitReasonManual, model.SubmitReasonTimeout, model.SubmitReasonIntegrity}
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(reason model.SubmitReason) {
			defer wg.Done()
			_, err := r.Submit(context.Background(), reason)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrSubmitting):
				busy.Add(1)
			}
		}(reasons[i%3])
	}
	wg.Wait()

	if ok.Load() != 1 || busy.Load() != 8 {
		t.Fatalf("ok=%d busy=%d, want 1 and 8", ok.Load(), busy.Load())
	}
	if api.submitCalls.Load() != 1 {
		t.Fatalf("submit calls = %d, want 1", api.submitCalls.Load())
	}
}

func TestSaveFailureKeepsSelection(t *testing.T) {
	api := &fakeAPI{
		status:    model.StatusView{Status: model.AttemptStatusInProgress},
		start:     startView(2, 600),
		answerErr: &client.APIError{Status: http.StatusServiceUnavailable},
	}
	r, rec := newRunner(t, api, Config{SaveRetries: 2})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := r.SelectAnswer(1, 2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "save failure notice", func() bool {
		notices, _ := rec.snapshot()
		return len(notices) == 1
	})

	notices, _ := rec.snapshot()
	if notices[0].Kind != NoticeSaveFailed || notices[0].Position != 1 {
		t.Fatalf("notice = %+v", notices[0])
	}
	if api.answerCalls.Load() != 3 {
		t.Fatalf("answer calls = %d, want 3", api.answerCalls.Load())
	}
	if opt, ok := r.Answers().Get(1); !ok || opt != 2 {
		t.Fatalf("selection rolled back: %d, %v", opt, ok)
	}
	if r.State() != StateActive {
		t.Fatalf("state = %s, want active", r.State())
	}
}

func TestTimerTriggersTimeoutSubmit(t *testing.T) {
	var clockMu sync.Mutex
	now := time.Unix(10_000, 0)
	api := &fakeAPI{
		status: model.StatusView{Status: model.AttemptStatusInProgress},
		start:  startView(2, 60),
		result: model.AttemptResult{SubmitReason: model.SubmitReasonManual},
	}
	r, rec := newRunner(t, api, Config{
		Tick: 5 * time.Millisecond,
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		},
	})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	clockMu.Lock()
	now = now.Add(61 * time.Second)
	clockMu.Unlock()

	waitFor(t, "result state", func() bool { return r.State() == StateResult })

	notices, _ := rec.snapshot()
	if len(notices) != 1 || notices[0].Kind != NoticeForcedSubmit || notices[0].Reason != model.SubmitReasonTimeout {
		t.Fatalf("notices = %+v, want one forced timeout notice", notices)
	}
	if api.submitCalls.Load() != 1 {
		t.Fatalf("submit calls = %d", api.submitCalls.Load())
	}
}

func TestServerForcedSubmitFromReport(t *testing.T) {
	result := &model.AttemptResult{ScorePercent: 40, IsFlagged: true, SubmitReason: model.SubmitReasonIntegrity}
	api := &fakeAPI{
		status:   model.StatusView{Status: model.AttemptStatusInProgress},
		start:    startView(2, 600),
		eventOut: &model.EventOutcome{TabSwitchCount: 3, ForcedSubmit: true, IsFlagged: true, Result: result},
	}
	r, rec := newRunner(t, api, Config{})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Report(context.Background(), model.EventTabSwitch, time.Now()); err != nil {
		t.Fatal(err)
	}

	if r.State() != StateResult || r.Result().ScorePercent != 40 || r.Counts().TabSwitch != 3 {
		t.Fatalf("state = %s result = %+v", r.State(), r.Result())
	}
	notices, _ := rec.snapshot()
	if len(notices) != 1 || notices[0].Reason != model.SubmitReasonIntegrity {
		t.Fatalf("notices = %+v", notices)
	}
	if r.Accepting() {
		t.Fatal("runner still accepting after forced submission")
	}
	if api.submitCalls.Load() != 0 {
		t.Fatalf("client re-submitted a server-finalized attempt")
	}
}

func TestExpiredSaveCollectsResult(t *testing.T) {
	api := &fakeAPI{
		status:    model.StatusView{Status: model.AttemptStatusInProgress},
		start:     startView(2, 600),
		answerErr: &client.APIError{Status: http.StatusGone, Code: response.ErrAttemptExpired},
		result:    model.AttemptResult{ScorePercent: 0, SubmitReason: model.SubmitReasonTimeout},
	}
	r, rec := newRunner(t, api, Config{})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := r.SelectAnswer(0, 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "result state", func() bool { return r.State() == StateResult })

	if api.answerCalls.Load() != 1 {
		t.Fatalf("expired save was retried %d times", api.answerCalls.Load())
	}
	notices, _ := rec.snapshot()
	if len(notices) != 1 || notices[0].Kind != NoticeForcedSubmit || notices[0].Reason != model.SubmitReasonTimeout {
		t.Fatalf("notices = %+v", notices)
	}
}

func unavailable() error {
	return &client.APIError{Status: http.StatusServiceUnavailable, Code: response.ErrInternal}
}

func TestReportRetriesTransientFailure(t *testing.T) {
	api := &fakeAPI{
		status:    model.StatusView{Status: model.AttemptStatusInProgress},
		start:     startView(2, 600),
		eventErrs: []error{unavailable()},
		eventOut:  &model.EventOutcome{TabSwitchCount: 1, WarningLevel: 1, WarningsRemaining: 2},
	}
	r, _ := newRunner(t, api, Config{})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	out, err := r.Report(context.Background(), model.EventTabSwitch, time.Now())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if out.WarningLevel != 1 || r.Counts().TabSwitch != 1 || r.PendingEvents() != 0 {
		t.Fatalf("outcome = %+v counts = %+v pending = %d", out, r.Counts(), r.PendingEvents())
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.eventCalls != 2 || len(api.reported) != 1 {
		t.Fatalf("calls = %d delivered = %d, want 2 and 1", api.eventCalls, len(api.reported))
	}
}

func TestUndeliveredEventsReplayBeforeSubmit(t *testing.T) {
	flagged := &model.AttemptResult{ScorePercent: 20, IsFlagged: true, SubmitReason: model.SubmitReasonIntegrity}
	var serverTabs int
	api := &fakeAPI{
		status: model.StatusView{Status: model.AttemptStatusInProgress},
		start:  startView(2, 600),
		// Two calls per report: the first try and one retry.
		eventErrs: []error{unavailable(), unavailable(), unavailable(), unavailable(), unavailable(), unavailable()},
		onEvent: func(model.IntegrityEventType) *model.EventOutcome {
			serverTabs++
			out := &model.EventOutcome{TabSwitchCount: serverTabs, WarningLevel: serverTabs}
			if serverTabs == 3 {
				out.ForcedSubmit, out.IsFlagged, out.Result = true, true, flagged
			}
			return out
		},
	}
	r, rec := newRunner(t, api, Config{ReportRetries: 1})
	ctx := context.Background()
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Report(ctx, model.EventTabSwitch, time.Now()); err == nil {
			t.Fatalf("report %d succeeded while offline", i+1)
		}
	}
	if r.PendingEvents() != 3 {
		t.Fatalf("pending = %d, want 3", r.PendingEvents())
	}

	result, err := r.Submit(ctx, model.SubmitReasonIntegrity)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsFlagged || r.State() != StateResult || r.Counts().TabSwitch != 3 {
		t.Fatalf("result = %+v state = %s counts = %+v", result, r.State(), r.Counts())
	}
	if api.submitCalls.Load() != 0 {
		t.Fatalf("plain submit sent although replayed events finalized the attempt")
	}
	if r.PendingEvents() != 0 {
		t.Fatalf("pending = %d after replay", r.PendingEvents())
	}
	notices, _ := rec.snapshot()
	if len(notices) != 1 || notices[0].Reason != model.SubmitReasonIntegrity {
		t.Fatalf("notices = %+v", notices)
	}
}

func TestFatalSubmitAtZeroDoesNotLoop(t *testing.T) {
	var clockMu sync.Mutex
	now := time.Unix(10_000, 0)
	api := &fakeAPI{
		status:    model.StatusView{Status: model.AttemptStatusInProgress},
		start:     startView(2, 60),
		submitErr: &client.APIError{Status: http.StatusNotFound, Code: response.ErrNotFound},
	}
	r, rec := newRunner(t, api, Config{
		Tick: 5 * time.Millisecond,
		Now: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		},
	})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	clockMu.Lock()
	now = now.Add(61 * time.Second)
	clockMu.Unlock()

	waitFor(t, "submit failure notice", func() bool {
		notices, _ := rec.snapshot()
		return len(notices) == 1
	})
	time.Sleep(50 * time.Millisecond)

	if n := api.submitCalls.Load(); n != 1 {
		t.Fatalf("submit calls = %d, want 1", n)
	}
	notices, _ := rec.snapshot()
	if notices[0].Kind != NoticeSubmitFailed || r.State() != StateActive {
		t.Fatalf("notices = %+v state = %s", notices, r.State())
	}
}
