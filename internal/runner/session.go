package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

var ErrBadOption = errors.New("option index out of range")

// SelectAnswer records the selection locally and saves it in the background.
// Save failures are reported through OnNotice and never undo the selection.
func (r *Runner) SelectAnswer(position, option int) error {
	r.mu.Lock()
	if r.submitting.Load() {
		r.mu.Unlock()
		return ErrSubmitting
	}
	if r.state != StateActive {
		s := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: answer in %s", ErrWrongState, s)
	}
	if position < 0 || position >= len(r.questions) {
		r.mu.Unlock()
		return ErrBadPosition
	}
	if option < 0 || option >= len(r.questions[position].Options) {
		r.mu.Unlock()
		return ErrBadOption
	}
	r.answers.Set(position, option)
	id := r.attemptID
	// Added under mu so Submit cannot start waiting between the check and the Add.
	r.saves.Add(1)
	r.mu.Unlock()

	go r.save(id, position, option)
	return nil
}

func (r *Runner) save(id uuid.UUID, position, option int) {
	defer r.saves.Done()

	var err error
	for attempt := 0; attempt <= r.cfg.SaveRetries; attempt++ {
		if attempt > 0 && !r.sleep(time.Duration(attempt)*r.cfg.RetryBackoff) {
			return
		}
		if _, err = r.api.RecordAnswer(r.ctx, id, position, option); err == nil {
			return
		}
		if !client.IsTransient(err) {
			break
		}
	}

	if r.ctx.Err() != nil {
		return
	}
	if serverFinalized(err) {
		// The deadline passed server side; collect the stored result.
		go r.Submit(r.ctx, model.SubmitReasonTimeout)
		return
	}

	r.log.Warn().Err(err).Int("position", position).Msg("Answer save failed")
	r.notify(Notice{Kind: NoticeSaveFailed, Position: position, Err: err})
}

// Submit finalizes the attempt. Only the first trigger proceeds; the guard is
// flipped with CompareAndSwap under mu, so concurrent triggers get ErrSubmitting.
func (r *Runner) Submit(ctx context.Context, reason model.SubmitReason) (*model.AttemptResult, error) {
	r.mu.Lock()
	if !r.submitting.CompareAndSwap(false, true) {
		r.mu.Unlock()
		return nil, ErrSubmitting
	}
	if r.state != StateActive {
		s := r.state
		r.submitting.Store(false)
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: submit in %s", ErrWrongState, s)
	}
	r.state = StateSubmitting
	r.stopTimerLocked()
	id := r.attemptID
	r.mu.Unlock()
	r.emitState(StateSubmitting)

	// Let in-flight saves land before scoring.
	r.saves.Wait()

	// Events that never reached the server go first so its policy sees them.
	if out, err := r.flushPending(ctx); err == nil && out != nil && out.ForcedSubmit {
		reason = model.SubmitReasonIntegrity
		if out.Result != nil {
			r.finish(out.Result, reason)
			return r.Result(), nil
		}
	}

	result, err := r.submitWithRetry(ctx, id)
	if err != nil && serverFinalized(err) {
		var view *model.ResultView
		if view, err = r.api.Result(ctx); err == nil {
			result = &view.Result
		}
	}
	if err != nil {
		r.log.Error().Err(err).Str("reason", string(reason)).Msg("Submit failed")
		r.mu.Lock()
		if !r.finished.Load() {
			r.state = StateActive
			r.submitting.Store(false)
			// At zero the timer would resubmit on every tick; only transient failures earn that.
			if r.remainingLocked() > 0 || client.IsTransient(err) {
				r.startTimerLocked()
			}
		}
		r.mu.Unlock()
		r.notify(Notice{Kind: NoticeSubmitFailed, Reason: reason, Err: err})
		r.emitState(r.State())
		return nil, err
	}

	r.finish(result, reason)
	return r.Result(), nil
}

func (r *Runner) submitWithRetry(ctx context.Context, id uuid.UUID) (*model.AttemptResult, error) {
	var err error
	for attempt := 0; attempt <= r.cfg.SubmitRetries; attempt++ {
		if attempt > 0 && !r.sleep(time.Duration(attempt)*r.cfg.RetryBackoff) {
			return nil, r.ctx.Err()
		}
		var result *model.AttemptResult
		if result, err = r.api.Submit(ctx, id); err == nil {
			return result, nil
		}
		if !client.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

// finish enters the result state once. trigger is empty when the result was
// loaded rather than produced by this session.
func (r *Runner) finish(result *model.AttemptResult, trigger model.SubmitReason) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}
	r.submitting.Store(true)

	// A manual submit can land after the server already expired the attempt.
	reason := trigger
	if trigger == model.SubmitReasonManual && result.SubmitReason != "" {
		reason = result.SubmitReason
	}
	if trigger != "" && reason != model.SubmitReasonManual {
		r.notify(Notice{Kind: NoticeForcedSubmit, Reason: reason})
	}

	r.mu.Lock()
	r.result = result
	r.state = StateResult
	r.stopTimerLocked()
	r.mu.Unlock()

	r.log.Info().Str("reason", string(reason)).Float64("score", result.ScorePercent).Msg("Exam finished")
	r.emitState(StateResult)
}

// ────────────────────────────────────────────────────────────────────────────
// Integrity session
// ────────────────────────────────────────────────────────────────────────────

// Report sends an integrity event. Transient failures are retried, and an
// event that still cannot be delivered stays queued and is replayed ahead of
// the next report or the submission. A forced submission from the server ends
// the session immediately.
func (r *Runner) Report(ctx context.Context, eventType model.IntegrityEventType, at time.Time) (*model.EventOutcome, error) {
	if !r.Accepting() {
		return nil, ErrSubmitting
	}

	r.reportMu.Lock()
	r.pending = append(r.pending, pendingEvent{eventType: eventType, at: at})
	out, err := r.flushPendingLocked(ctx)
	r.reportMu.Unlock()

	if err != nil {
		if serverFinalized(err) {
			go r.Submit(r.ctx, model.SubmitReasonTimeout)
		}
		return nil, err
	}

	if out != nil && out.ForcedSubmit {
		if out.Result != nil {
			r.finish(out.Result, model.SubmitReasonIntegrity)
		} else {
			r.RequestSubmit(model.SubmitReasonIntegrity)
		}
	}
	return out, nil
}

// PendingEvents is the number of integrity events not yet delivered.
func (r *Runner) PendingEvents() int {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	return len(r.pending)
}

func (r *Runner) flushPending(ctx context.Context) (*model.EventOutcome, error) {
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	return r.flushPendingLocked(ctx)
}

// flushPendingLocked delivers queued events in order and returns the outcome
// of the last one. It stops at the first transient failure, keeping that event
// and the ones behind it queued. reportMu must be held.
func (r *Runner) flushPendingLocked(ctx context.Context) (*model.EventOutcome, error) {
	id := r.AttemptID()

	var (
		out *model.EventOutcome
		err error
	)
	for len(r.pending) > 0 {
		ev := r.pending[0]
		out, err = r.reportWithRetry(ctx, id, ev)
		if err != nil && client.IsTransient(err) {
			return nil, err
		}
		r.pending = r.pending[1:]

		if err != nil {
			if serverFinalized(err) {
				r.pending = nil
				return nil, err
			}
			r.log.Warn().Err(err).Str("event_type", string(ev.eventType)).Msg("Integrity event rejected")
			continue
		}

		r.mu.Lock()
		r.counts.TabSwitch = max(r.counts.TabSwitch, out.TabSwitchCount)
		r.counts.FullscreenExit = max(r.counts.FullscreenExit, out.FullscreenExitCount)
		r.mu.Unlock()

		if out.ForcedSubmit {
			r.pending = nil
			return out, nil
		}
	}
	return out, err
}

func (r *Runner) reportWithRetry(ctx context.Context, id uuid.UUID, ev pendingEvent) (*model.EventOutcome, error) {
	var err error
	for attempt := 0; attempt <= r.cfg.ReportRetries; attempt++ {
		if attempt > 0 && !r.sleep(time.Duration(attempt)*r.cfg.RetryBackoff) {
			return nil, r.ctx.Err()
		}
		var out *model.EventOutcome
		if out, err = r.api.ReportEvent(ctx, id, ev.eventType, ev.at); err == nil {
			return out, nil
		}
		if !client.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

// RequestSubmit submits in the background.
func (r *Runner) RequestSubmit(reason model.SubmitReason) {
	go r.Submit(r.ctx, reason)
}

// ────────────────────────────────────────────────────────────────────────────
// Timer
// ────────────────────────────────────────────────────────────────────────────

func (r *Runner) startTimerLocked() {
	r.stopTimerLocked()
	stop := make(chan struct{})
	r.timerStop = stop
	r.bg.Add(1)
	go r.runTimer(stop)
}

func (r *Runner) stopTimerLocked() {
	if r.timerStop != nil {
		close(r.timerStop)
		r.timerStop = nil
	}
}

// runTimer ticks the advisory countdown. Reaching zero only triggers a
// submit; the server owns the deadline.
func (r *Runner) runTimer(stop <-chan struct{}) {
	defer r.bg.Done()
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		remaining := r.Remaining()
		if r.cfg.OnTick != nil {
			r.cfg.OnTick(remaining)
		}
		if remaining <= 0 {
			_, _ = r.Submit(r.ctx, model.SubmitReasonTimeout)
			return
		}
	}
}

func (r *Runner) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func serverFinalized(err error) bool {
	switch client.Code(err) {
	case response.ErrAttemptExpired, response.ErrAttemptNotActive, response.ErrAlreadySubmitted:
		return true
	}
	return false
}
