package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/escalation"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/scoring"
)

// AttemptStore persists attempts. Mutate must serialize writers per attempt.
type AttemptStore interface {
	Create(ctx context.Context, a *model.Attempt) (*model.Attempt, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetLatestByCandidate(ctx context.Context, candidateID int) (*model.Attempt, error)
	Mutate(ctx context.Context, id uuid.UUID, fn repository.MutateFunc) (*model.Attempt, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	List(ctx context.Context, f repository.AttemptFilter) ([]model.AttemptSummary, int64, error)
}

// CandidateLookup resolves candidate identity and eligibility.
type CandidateLookup interface {
	GetByID(ctx context.Context, id int) (*model.Candidate, error)
}

// SettingsProvider returns the exam settings in effect.
type SettingsProvider interface {
	ExamSettings(ctx context.Context) (model.ExamSettings, error)
}

// EventLog reads the persisted integrity log of an attempt.
type EventLog interface {
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.IntegrityEvent, error)
}

// AttemptOptions are engine switches that are not editable at runtime.
type AttemptOptions struct {
	AllowReattempt bool
	// ExpiryStatus is the terminal status written by lazy expiry.
	ExpiryStatus model.AttemptStatus
}

const sweepBatchSize = 100

// errUnchanged aborts a Mutate without writing when the attempt is already final.
var errUnchanged = errors.New("attempt unchanged")

// AttemptService owns the attempt lifecycle: start/resume, answers, integrity
// events, submission and lazy expiry.
type AttemptService struct {
	attempts   AttemptStore
	candidates CandidateLookup
	settings   SettingsProvider
	selector   *QuestionSelector
	events     *AttemptEvents
	eventLog   EventLog
	opts       AttemptOptions
	score      scoring.Scorer
	now        func() time.Time
	log        zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attempts AttemptStore,
	candidates CandidateLookup,
	settings SettingsProvider,
	selector *QuestionSelector,
	events *AttemptEvents,
	eventLog EventLog,
	opts AttemptOptions,
	log zerolog.Logger,
) *AttemptService {
	if opts.ExpiryStatus != model.AttemptStatusExpired {
		opts.ExpiryStatus = model.AttemptStatusSubmitted
	}
	return &AttemptService{
		attempts:   attempts,
		candidates: candidates,
		settings:   settings,
		selector:   selector,
		events:     events,
		eventLog:   eventLog,
		opts:       opts,
		score:      scoring.Score,
		now:        time.Now,
		log:        log.With().Str("component", "attempt_service").Logger(),
	}
}

// WithClock replaces the time source.
func (s *AttemptService) WithClock(now func() time.Time) *AttemptService {
	s.now = now
	return s
}

// WithScorer replaces the scoring function.
func (s *AttemptService) WithScorer(fn scoring.Scorer) *AttemptService {
	s.score = fn
	return s
}

func (s *AttemptService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// ────────────────────────────────────────────────────────────────────────────
// Candidate operations
// ────────────────────────────────────────────────────────────────────────────

// Start creates an attempt for the candidate or resumes the running one.
func (s *AttemptService) Start(ctx context.Context, candidateID int) (*model.StartView, error) {
	now := s.clock()

	latest, err := s.latest(ctx, candidateID, now)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		// A running attempt resumes even if eligibility was revoked meanwhile.
		if latest.Status == model.AttemptStatusInProgress {
			return s.startView(latest, now, true), nil
		}
		if !s.opts.AllowReattempt {
			return nil, model.ErrAlreadySubmitted
		}
	}

	if err := s.checkEligible(ctx, candidateID); err != nil {
		return nil, err
	}

	settings, err := s.settings.ExamSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exam settings: %w", err)
	}
	if !settings.IsOpen(now) {
		return nil, model.ErrExamClosed
	}

	snapshot, err := s.selector.Select(ctx, settings)
	if err != nil {
		return nil, err
	}

	a := &model.Attempt{
		ID:              uuid.New(),
		CandidateID:     candidateID,
		Status:          model.AttemptStatusInProgress,
		Snapshot:        snapshot,
		Answers:         model.NewAnswerSheet(len(snapshot)),
		StartedAt:       now,
		Deadline:        now.Add(settings.Duration()),
		DurationMinutes: settings.DurationMinutes,
		PassThreshold:   settings.PassThreshold,
		ShowDetails:     settings.ShowScoreImmediately,
	}

	stored, created, err := s.attempts.Create(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	if !created {
		// A concurrent start won the insert.
		return s.startView(stored, now, true), nil
	}

	s.log.Info().
		Str("attempt_id", stored.ID.String()).
		Int("candidate_id", candidateID).
		Int("questions", len(stored.Snapshot)).
		Time("deadline", stored.Deadline).
		Msg("Attempt started")

	s.events.publish(ctx, &sideEffects{
		audits: []model.AuditEntry{{
			CandidateID: candidateID,
			AttemptID:   stored.ID,
			Action:      model.AuditStartAttempt,
			Details:     map[string]any{"questions": len(stored.Snapshot), "deadline": stored.Deadline},
			CreatedAt:   now,
		}},
		monitor: []model.MonitorEvent{monitorEvent("started", stored, "", now)},
	})

	return s.startView(stored, now, false), nil
}

// RecordAnswer stores the selected option for one position. Last write wins.
func (s *AttemptService) RecordAnswer(ctx context.Context, candidateID int, attemptID uuid.UUID, position, optionIndex int) (*model.AnswerAck, error) {
	now := s.clock()
	fx := &sideEffects{}
	expired := false

	a, err := s.attempts.Mutate(ctx, attemptID, func(a *model.Attempt) error {
		if a.CandidateID != candidateID {
			return model.ErrNotFound
		}
		if a.Status.IsTerminal() {
			return model.ErrInvalidState
		}
		if a.IsOverdue(now) {
			s.finalize(a, s.opts.ExpiryStatus, model.SubmitReasonTimeout, now, fx)
			expired = true
			return nil
		}
		if position < 0 || position >= len(a.Snapshot) {
			return fmt.Errorf("%w: question_position %d out of range [0, %d)", model.ErrValidation, position, len(a.Snapshot))
		}
		if optionIndex < 0 || optionIndex >= len(a.Snapshot[position].Options) {
			return fmt.Errorf("%w: option_index %d out of range [0, %d)", model.ErrValidation, optionIndex, len(a.Snapshot[position].Options))
		}
		if len(a.Answers) != len(a.Snapshot) {
			a.Answers = resizeAnswers(a.Answers, len(a.Snapshot))
		}
		a.Answers[position] = optionIndex
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.publish(ctx, fx)
	if expired {
		return nil, model.ErrAttemptExpired
	}

	return &model.AnswerAck{
		Position:         position,
		OptionIndex:      optionIndex,
		RemainingSeconds: a.RemainingSeconds(now),
	}, nil
}

// ReportIntegrityEvent counts a violation, applies the escalation policy and
// force-submits the attempt when the policy demands it.
func (s *AttemptService) ReportIntegrityEvent(ctx context.Context, candidateID int, attemptID uuid.UUID, eventType model.IntegrityEventType, clientTS *time.Time) (*model.EventOutcome, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event_type %q", model.ErrValidation, eventType)
	}

	settings, err := s.settings.ExamSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exam settings: %w", err)
	}
	policy := settings.Escalation

	now := s.clock()
	fx := &sideEffects{}
	expired := false
	out := &model.EventOutcome{EventType: eventType, WarningsRemaining: -1}

	a, err := s.attempts.Mutate(ctx, attemptID, func(a *model.Attempt) error {
		if a.CandidateID != candidateID {
			return model.ErrNotFound
		}
		if a.Status.IsTerminal() {
			return model.ErrInvalidState
		}
		if a.IsOverdue(now) {
			s.finalize(a, s.opts.ExpiryStatus, model.SubmitReasonTimeout, now, fx)
			expired = true
			return nil
		}

		if trigger, counted := eventType.Trigger(); counted {
			counts := escalation.Counts{
				TabSwitch:      a.TabSwitchCount,
				FullscreenExit: a.FullscreenExitCount,
			}.Increment(trigger)
			a.TabSwitchCount = counts.TabSwitch
			a.FullscreenExitCount = counts.FullscreenExit

			d := policy.Evaluate(counts, trigger)
			if d.Flag {
				a.IsFlagged = true
			}
			out.WarningLevel = d.Level
			out.WarningsRemaining = d.Remaining

			if d.ForceSubmit {
				a.IsFlagged = true
				out.ForcedSubmit = true
				out.Result = s.finalize(a, model.AttemptStatusSubmitted, model.SubmitReasonIntegrity, now, fx)
			}
		}

		fx.events = append(fx.events, model.IntegrityEvent{
			AttemptID:   a.ID,
			CandidateID: a.CandidateID,
			EventType:   eventType,
			ClientTS:    clientTS,
			RecordedAt:  now,
		})
		if !out.ForcedSubmit {
			fx.monitor = append(fx.monitor, monitorEvent("integrity", a, eventType, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.publish(ctx, fx)
	if expired {
		return nil, model.ErrAttemptExpired
	}

	out.TabSwitchCount = a.TabSwitchCount
	out.FullscreenExitCount = a.FullscreenExitCount
	out.IsFlagged = a.IsFlagged
	if out.Result != nil {
		r := publicResult(*out.Result, a.ShowDetails)
		out.Result = &r
		s.log.Warn().
			Str("attempt_id", a.ID.String()).
			Int("candidate_id", a.CandidateID).
			Int("tab_switch_count", a.TabSwitchCount).
			Int("fullscreen_exit_count", a.FullscreenExitCount).
			Msg("Attempt force-submitted by integrity policy")
	}
	return out, nil
}

// Submit finalizes the attempt. Later calls return the stored result unchanged.
func (s *AttemptService) Submit(ctx context.Context, candidateID int, attemptID uuid.UUID) (*model.AttemptResult, error) {
	now := s.clock()
	fx := &sideEffects{}

	a, err := s.attempts.Mutate(ctx, attemptID, func(a *model.Attempt) error {
		if a.CandidateID != candidateID {
			return model.ErrNotFound
		}
		if a.Status.IsTerminal() {
			return errUnchanged
		}
		if a.IsOverdue(now) {
			s.finalize(a, s.opts.ExpiryStatus, model.SubmitReasonTimeout, now, fx)
			return nil
		}
		s.finalize(a, model.AttemptStatusSubmitted, model.SubmitReasonManual, now, fx)
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, err
	}
	s.events.publish(ctx, fx)
	if a == nil || a.Result == nil {
		return nil, fmt.Errorf("%w: attempt has no stored result", model.ErrInvalidState)
	}

	r := publicResult(*a.Result, a.ShowDetails)
	return &r, nil
}

// Status reports where the candidate stands. It finalizes an overdue attempt.
func (s *AttemptService) Status(ctx context.Context, candidateID int) (*model.StatusView, error) {
	now := s.clock()

	latest, err := s.latest(ctx, candidateID, now)
	if err != nil {
		return nil, err
	}

	if latest == nil {
		view := &model.StatusView{Status: model.AttemptStatusNotStarted}
		view.CanStart, view.Reason = s.canStart(ctx, candidateID, now)
		return view, nil
	}

	id := latest.ID
	view := &model.StatusView{Status: latest.Status, AttemptID: &id}
	switch {
	case latest.Status == model.AttemptStatusInProgress:
		remaining := latest.RemainingSeconds(now)
		view.RemainingSeconds = &remaining
	case latest.Status.IsTerminal():
		view.Score = latest.Score
		if s.opts.AllowReattempt {
			view.CanStart, view.Reason = s.canStart(ctx, candidateID, now)
		} else {
			view.Reason = "already_submitted"
		}
	}
	return view, nil
}

// Result returns the candidate's latest terminal result.
func (s *AttemptService) Result(ctx context.Context, candidateID int) (*model.ResultView, error) {
	now := s.clock()

	latest, err := s.latest(ctx, candidateID, now)
	if err != nil {
		return nil, err
	}
	if latest == nil || !latest.Status.IsTerminal() || latest.Result == nil {
		return nil, model.ErrNotFound
	}

	end := latest.Result.SubmittedAt
	return &model.ResultView{
		Result:              publicResult(*latest.Result, latest.ShowDetails),
		TabSwitchCount:      latest.TabSwitchCount,
		FullscreenExitCount: latest.FullscreenExitCount,
		StartedAt:           latest.StartedAt,
		ElapsedMinutes:      scoring.Round2(end.Sub(latest.StartedAt).Minutes()),
	}, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Admin operations
// ────────────────────────────────────────────────────────────────────────────

// ListAttempts returns attempt summaries for the admin board.
func (s *AttemptService) ListAttempts(ctx context.Context, f repository.AttemptFilter) ([]model.AttemptSummary, int64, error) {
	return s.attempts.List(ctx, f)
}

// GetAttemptDetail returns one attempt with its stored result and integrity log.
func (s *AttemptService) GetAttemptDetail(ctx context.Context, attemptID uuid.UUID) (*model.AttemptDetail, error) {
	now := s.clock()

	a, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.IsOverdue(now) {
		if a, _, err = s.expire(ctx, a.ID, 0, model.SubmitReasonTimeout, now); err != nil {
			return nil, err
		}
	}

	detail := &model.AttemptDetail{Attempt: a, Result: a.Result, Events: []model.IntegrityEvent{}}
	if s.eventLog != nil {
		events, err := s.eventLog.ListByAttempt(ctx, attemptID)
		if err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to load integrity log")
		} else {
			detail.Events = events
		}
	}
	return detail, nil
}

// SweepExpired finalizes every overdue in_progress attempt and returns how many it closed.
func (s *AttemptService) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock()
	closed := 0
	seen := make(map[uuid.UUID]struct{})

	for {
		ids, err := s.attempts.ListOverdue(ctx, now, sweepBatchSize)
		if err != nil {
			return closed, fmt.Errorf("list overdue attempts: %w", err)
		}

		progressed := false
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			progressed = true

			_, expired, err := s.expire(ctx, id, 0, model.SubmitReasonSweep, now)
			if err != nil {
				s.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Failed to finalize overdue attempt")
				continue
			}
			if expired {
				closed++
			}
		}

		if len(ids) < sweepBatchSize || !progressed {
			break
		}
	}

	if closed > 0 {
		s.log.Info().Int("closed", closed).Msg("Overdue attempts finalized")
	}
	return closed, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Internals
// ────────────────────────────────────────────────────────────────────────────

func (s *AttemptService) checkEligible(ctx context.Context, candidateID int) error {
	cand, err := s.candidates.GetByID(ctx, candidateID)
	if err != nil {
		if repository.IsNotFound(err) {
			return model.ErrNotFound
		}
		return fmt.Errorf("get candidate: %w", err)
	}
	if !cand.IsEligible {
		return model.ErrNotEligible
	}
	return nil
}

func (s *AttemptService) canStart(ctx context.Context, candidateID int, now time.Time) (bool, string) {
	switch err := s.checkEligible(ctx, candidateID); {
	case errors.Is(err, model.ErrNotEligible):
		return false, "not_eligible"
	case err != nil:
		return false, "not_found"
	}
	settings, err := s.settings.ExamSettings(ctx)
	if err != nil {
		return false, "unavailable"
	}
	if !settings.IsOpen(now) {
		return false, "exam_closed"
	}
	return true, ""
}

// latest loads the candidate's most recent attempt, finalizing it first when
// it is overdue. It returns nil when the candidate has never started.
func (s *AttemptService) latest(ctx context.Context, candidateID int, now time.Time) (*model.Attempt, error) {
	a, err := s.attempts.GetLatestByCandidate(ctx, candidateID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest attempt: %w", err)
	}
	if a.IsOverdue(now) {
		a, _, err = s.expire(ctx, a.ID, candidateID, model.SubmitReasonTimeout, now)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// expire finalizes the attempt when it is still overdue under the row lock.
// candidateID 0 skips the ownership check.
func (s *AttemptService) expire(ctx context.Context, id uuid.UUID, candidateID int, reason model.SubmitReason, now time.Time) (*model.Attempt, bool, error) {
	fx := &sideEffects{}
	expired := false

	a, err := s.attempts.Mutate(ctx, id, func(a *model.Attempt) error {
		if candidateID != 0 && a.CandidateID != candidateID {
			return model.ErrNotFound
		}
		if !a.IsOverdue(now) {
			return errUnchanged
		}
		s.finalize(a, s.opts.ExpiryStatus, reason, now, fx)
		expired = true
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, false, err
	}
	s.events.publish(ctx, fx)
	return a, expired, nil
}

// finalize scores the attempt and moves it to a terminal status. It must run
// inside Mutate on an in_progress attempt.
func (s *AttemptService) finalize(a *model.Attempt, status model.AttemptStatus, reason model.SubmitReason, now time.Time, fx *sideEffects) *model.AttemptResult {
	graded := s.score(a.Snapshot, a.Answers, a.PassThreshold)

	result := &model.AttemptResult{
		AttemptID:         a.ID,
		ScorePercent:      graded.ScorePercent,
		CorrectCount:      graded.CorrectCount,
		TotalQuestions:    graded.TotalQuestions,
		Passed:            graded.Passed,
		PassThreshold:     a.PassThreshold,
		CategoryBreakdown: graded.CategoryBreakdown,
		Details:           graded.Details,
		Status:            status,
		SubmitReason:      reason,
		IsFlagged:         a.IsFlagged,
		SubmittedAt:       now,
	}

	score := graded.ScorePercent
	correct := graded.CorrectCount
	submittedAt := now
	a.Status = status
	a.Score = &score
	a.CorrectCount = &correct
	a.SubmittedAt = &submittedAt
	a.SubmitReason = &reason
	a.Result = result

	action := model.AuditSubmitAttempt
	switch reason {
	case model.SubmitReasonIntegrity:
		action = model.AuditForceSubmit
	case model.SubmitReasonTimeout, model.SubmitReasonSweep:
		action = model.AuditExpireAttempt
	}
	fx.audits = append(fx.audits, model.AuditEntry{
		CandidateID: a.CandidateID,
		AttemptID:   a.ID,
		Action:      action,
		Details: map[string]any{
			"reason":     reason,
			"status":     status,
			"score":      score,
			"is_flagged": a.IsFlagged,
		},
		CreatedAt: now,
	})
	for _, d := range graded.Details {
		fx.stats = append(fx.stats, model.QuestionStat{QuestionID: d.QuestionID, Correct: d.IsCorrect})
	}
	fx.monitor = append(fx.monitor, monitorEvent("finished", a, "", now))

	return result
}

func (s *AttemptService) startView(a *model.Attempt, now time.Time, resumed bool) *model.StartView {
	return &model.StartView{
		AttemptID:           a.ID,
		Questions:           a.PublicQuestions(),
		TotalQuestions:      len(a.Snapshot),
		RemainingSeconds:    a.RemainingSeconds(now),
		Deadline:            a.Deadline,
		Answers:             append([]int(nil), a.Answers...),
		TabSwitchCount:      a.TabSwitchCount,
		FullscreenExitCount: a.FullscreenExitCount,
		IsFlagged:           a.IsFlagged,
		Resumed:             resumed,
	}
}

// publicResult hides the per-question review unless the attempt was started
// with scores shown immediately.
func publicResult(r model.AttemptResult, showDetails bool) model.AttemptResult {
	if showDetails {
		return r.Clone()
	}
	return r.WithoutDetails()
}

func monitorEvent(kind string, a *model.Attempt, eventType model.IntegrityEventType, now time.Time) model.MonitorEvent {
	return model.MonitorEvent{
		Type:        kind,
		AttemptID:   a.ID,
		CandidateID: a.CandidateID,
		EventType:   eventType,
		Status:      a.Status,
		IsFlagged:   a.IsFlagged,
		Score:       a.Score,
		At:          now,
	}
}

func resizeAnswers(answers []int, n int) []int {
	out := model.NewAnswerSheet(n)
	copy(out, answers)
	return out
}
