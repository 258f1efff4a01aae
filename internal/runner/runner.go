// Package runner drives one candidate's exam session on the client: routing
// on load, the advisory countdown, optimistic answer saves and the single
// submission guard.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answerstore"
	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/escalation"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// State is a step of the session state machine.
type State string

const (
	StateLoading    State = "loading"
	StateIntro      State = "intro"
	StateRules      State = "rules"
	StateActive     State = "active"
	StateSubmitting State = "submitting"
	StateResult     State = "result"
	StateIneligible State = "ineligible"
)

var (
	ErrWrongState  = errors.New("operation not allowed in the current state")
	ErrSubmitting  = errors.New("submission already in progress")
	ErrBadPosition = errors.New("question position out of range")
)

// API is the subset of the exam API the runner needs; *client.Client implements it.
type API interface {
	Start(ctx context.Context) (*model.StartView, error)
	RecordAnswer(ctx context.Context, attemptID uuid.UUID, position, option int) (*model.AnswerAck, error)
	ReportEvent(ctx context.Context, attemptID uuid.UUID, eventType model.IntegrityEventType, ts time.Time) (*model.EventOutcome, error)
	Submit(ctx context.Context, attemptID uuid.UUID) (*model.AttemptResult, error)
	Status(ctx context.Context) (*model.StatusView, error)
	Result(ctx context.Context) (*model.ResultView, error)
}

// NoticeKind classifies messages shown to the candidate.
type NoticeKind string

const (
	NoticeSaveFailed   NoticeKind = "save_failed"
	NoticeSubmitFailed NoticeKind = "submit_failed"
	NoticeForcedSubmit NoticeKind = "forced_submit"
)

// Notice is a non-fatal message for the candidate.
type Notice struct {
	Kind     NoticeKind
	Reason   model.SubmitReason
	Position int
	Err      error
}

// Config tunes a Runner. Callbacks are invoked from background goroutines.
type Config struct {
	SaveRetries   int
	ReportRetries int
	SubmitRetries int
	RetryBackoff  time.Duration
	Tick          time.Duration
	Now           func() time.Time

	OnState  func(State)
	OnTick   func(remaining time.Duration)
	OnNotice func(Notice)
}

func (c *Config) defaults() {
	if c.SaveRetries <= 0 {
		c.SaveRetries = 3
	}
	if c.ReportRetries <= 0 {
		c.ReportRetries = 3
	}
	if c.SubmitRetries <= 0 {
		c.SubmitRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Runner owns the session state. It is safe for concurrent use.
type Runner struct {
	api API
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	attemptID  uuid.UUID
	questions  []model.PublicQuestion
	answers    *answerstore.Store
	deadline   time.Time
	counts     escalation.Counts
	result     *model.AttemptResult
	reason     string
	timerStop  chan struct{}
	submitting atomic.Bool
	finished   atomic.Bool

	// reportMu serializes integrity reports so queued events reach the server in order.
	reportMu sync.Mutex
	pending  []pendingEvent

	saves sync.WaitGroup
	bg    sync.WaitGroup
}

type pendingEvent struct {
	eventType model.IntegrityEventType
	at        time.Time
}

// New creates a runner in the loading state.
func New(api API, cfg Config, log zerolog.Logger) *Runner {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		api:     api,
		cfg:     cfg,
		log:     log.With().Str("component", "exam_runner").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateLoading,
		answers: answerstore.New(0),
	}
}

// Close stops the timer and waits for background work.
func (r *Runner) Close() {
	r.cancel()
	r.mu.Lock()
	r.stopTimerLocked()
	r.mu.Unlock()
	r.bg.Wait()
}

// ────────────────────────────────────────────────────────────────────────────
// Accessors
// ────────────────────────────────────────────────────────────────────────────

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) AttemptID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attemptID
}

func (r *Runner) Questions() []model.PublicQuestion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.questions
}

// Answers is the local answer sheet.
func (r *Runner) Answers() *answerstore.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answers
}

// Counts are the integrity counters restored on resume.
func (r *Runner) Counts() escalation.Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Result is set once the session reached the result state.
func (r *Runner) Result() *model.AttemptResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// IneligibleReason explains the ineligible state.
func (r *Runner) IneligibleReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Remaining is the advisory time left on the local countdown.
func (r *Runner) Remaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remainingLocked()
}

func (r *Runner) remainingLocked() time.Duration {
	if r.deadline.IsZero() {
		return 0
	}
	return max(r.deadline.Sub(r.cfg.Now()), 0)
}

// Accepting reports whether answers and integrity events are still taken.
func (r *Runner) Accepting() bool {
	return r.State() == StateActive && !r.submitting.Load()
}

// ────────────────────────────────────────────────────────────────────────────
// Transitions
// ────────────────────────────────────────────────────────────────────────────

// Load routes the session from its server status.
func (r *Runner) Load(ctx context.Context) error {
	if s := r.State(); s != StateLoading {
		return fmt.Errorf("%w: load from %s", ErrWrongState, s)
	}

	status, err := r.api.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	switch {
	case status.Status.IsTerminal():
		view, err := r.api.Result(ctx)
		if err != nil {
			return fmt.Errorf("result: %w", err)
		}
		r.submitting.Store(true)
		r.finish(&view.Result, "")
		return nil

	case status.Status == model.AttemptStatusInProgress:
		view, err := r.api.Start(ctx)
		if err != nil {
			return r.startFailed(err)
		}
		r.enterActive(view)
		return nil

	case !status.CanStart:
		r.mu.Lock()
		r.reason = status.Reason
		r.mu.Unlock()
		r.setState(StateIneligible)
		return nil
	}

	r.setState(StateIntro)
	return nil
}

// AcceptIntro moves from the introduction to the rules.
func (r *Runner) AcceptIntro() error {
	return r.transition(StateIntro, StateRules)
}

// Begin starts the attempt after the rules were accepted.
func (r *Runner) Begin(ctx context.Context) error {
	if s := r.State(); s != StateRules {
		return fmt.Errorf("%w: begin from %s", ErrWrongState, s)
	}
	view, err := r.api.Start(ctx)
	if err != nil {
		return r.startFailed(err)
	}
	r.enterActive(view)
	return nil
}

func (r *Runner) startFailed(err error) error {
	switch client.Code(err) {
	case response.ErrNotFound, response.ErrConflict, response.ErrAlreadySubmitted,
		response.ErrNotEligible, response.ErrExamClosed:
		r.mu.Lock()
		r.reason = string(client.Code(err))
		r.mu.Unlock()
		r.setState(StateIneligible)
	}
	return fmt.Errorf("start: %w", err)
}

func (r *Runner) enterActive(view *model.StartView) {
	r.mu.Lock()
	r.attemptID = view.AttemptID
	r.questions = view.Questions
	r.answers = answerstore.FromServer(view.Answers)
	r.counts = escalation.Counts{TabSwitch: view.TabSwitchCount, FullscreenExit: view.FullscreenExitCount}
	r.deadline = r.cfg.Now().Add(time.Duration(view.RemainingSeconds) * time.Second)
	r.state = StateActive
	r.startTimerLocked()
	r.mu.Unlock()

	r.log.Info().Str("attempt_id", view.AttemptID.String()).Bool("resumed", view.Resumed).
		Int("remaining_seconds", view.RemainingSeconds).Msg("Exam active")
	r.emitState(StateActive)
}

func (r *Runner) transition(from, to State) error {
	r.mu.Lock()
	if r.state != from {
		s := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: %s to %s from %s", ErrWrongState, from, to, s)
	}
	r.state = to
	r.mu.Unlock()
	r.emitState(to)
	return nil
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.emitState(s)
}

func (r *Runner) emitState(s State) {
	if r.cfg.OnState != nil {
		r.cfg.OnState(s)
	}
}

func (r *Runner) notify(n Notice) {
	if r.cfg.OnNotice != nil {
		r.cfg.OnNotice(n)
	}
}
