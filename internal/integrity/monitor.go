// Package integrity watches client-side integrity signals during an active
// exam and turns them into reports, warnings and, when the escalation policy
// demands it, a submission request.
package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/escalation"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultDebounce collapses overlapping listeners that fire for one physical event.
const DefaultDebounce = 750 * time.Millisecond

// Signals is the capability interface concrete event sources call into.
type Signals interface {
	OnFocusLost()
	OnFullscreenExit()
	OnCopyAttempt()
}

// Screen re-enters full screen after an exit.
type Screen interface {
	RequestFullscreen() error
}

// Session is the running exam as seen by the monitor.
type Session interface {
	// Accepting is false once the exam is not active or a submission started.
	Accepting() bool
	// Report delivers the event, retrying transient failures. An error means
	// the event is still undelivered; the session replays it before submitting.
	Report(ctx context.Context, eventType model.IntegrityEventType, at time.Time) (*model.EventOutcome, error)
	RequestSubmit(reason model.SubmitReason)
}

// Warning is surfaced to the candidate after each counted event.
type Warning struct {
	EventType model.IntegrityEventType
	Counts    escalation.Counts
	Decision  escalation.Decision
	// Offline is true when the report failed and the decision was computed locally.
	Offline bool
	// Forced is true when the event ended the exam.
	Forced bool
}

// Options tunes a Monitor.
type Options struct {
	Debounce  time.Duration
	Timeout   time.Duration
	OnWarning func(Warning)
	Now       func() time.Time
}

// Monitor implements Signals.
type Monitor struct {
	session Session
	screen  Screen
	policy  escalation.Policy
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	counts escalation.Counts
	last   map[model.IntegrityEventType]time.Time
}

var _ Signals = (*Monitor)(nil)

// NewMonitor creates a monitor. screen may be nil when full screen cannot be re-requested.
func NewMonitor(session Session, screen Screen, policy escalation.Policy, opts Options, log zerolog.Logger) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		session: session,
		screen:  screen,
		policy:  policy,
		opts:    opts,
		log:     log.With().Str("component", "integrity_monitor").Logger(),
		last:    make(map[model.IntegrityEventType]time.Time),
	}
}

// Restore seeds the local counters from a resumed attempt.
func (m *Monitor) Restore(c escalation.Counts) {
	m.mu.Lock()
	m.counts = c
	m.mu.Unlock()
}

// Counts returns the local counters.
func (m *Monitor) Counts() escalation.Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

func (m *Monitor) OnFocusLost() { m.handle(model.EventTabSwitch) }

func (m *Monitor) OnFullscreenExit() {
	if m.handle(model.EventFullscreenExit) && m.screen != nil && m.session.Accepting() {
		if err := m.screen.RequestFullscreen(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to re-enter full screen")
		}
	}
}

func (m *Monitor) OnCopyAttempt() { m.handle(model.EventCopyAttempt) }

// handle reports one event. It returns false when the event was dropped.
func (m *Monitor) handle(eventType model.IntegrityEventType) bool {
	if !m.session.Accepting() {
		return false
	}

	now := m.opts.Now()
	m.mu.Lock()
	if last, ok := m.last[eventType]; ok && now.Sub(last) < m.opts.Debounce {
		m.mu.Unlock()
		return false
	}
	m.last[eventType] = now

	trigger, counted := eventType.Trigger()
	if counted {
		m.counts = m.counts.Increment(trigger)
	}
	local := m.counts
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	outcome, err := m.session.Report(ctx, eventType, now)

	if !counted {
		if err != nil {
			m.log.Debug().Err(err).Str("event_type", string(eventType)).Msg("Log-only event not reported")
		}
		m.warn(Warning{EventType: eventType, Counts: local, Offline: err != nil})
		return true
	}

	if err != nil {
		// The server could not be reached: fall back to the same policy locally.
		d := m.policy.Evaluate(local, trigger)
		m.log.Warn().Err(err).Str("event_type", string(eventType)).Int("level", d.Level).Msg("Integrity report failed")
		m.warn(Warning{EventType: eventType, Counts: local, Decision: d, Offline: true, Forced: d.ForceSubmit})
		if d.ForceSubmit {
			m.session.RequestSubmit(model.SubmitReasonIntegrity)
		}
		return true
	}

	// Server counters win. Reports can complete out of order, so never move backwards.
	server := outcome.Counts()
	m.mu.Lock()
	m.counts.TabSwitch = max(m.counts.TabSwitch, server.TabSwitch)
	m.counts.FullscreenExit = max(m.counts.FullscreenExit, server.FullscreenExit)
	counts := m.counts
	m.mu.Unlock()

	m.warn(Warning{
		EventType: eventType,
		Counts:    counts,
		Decision: escalation.Decision{
			Level:       outcome.WarningLevel,
			Remaining:   outcome.WarningsRemaining,
			Flag:        outcome.IsFlagged,
			ForceSubmit: outcome.ForcedSubmit,
		},
		Forced: outcome.ForcedSubmit,
	})
	return true
}

func (m *Monitor) warn(w Warning) {
	if m.opts.OnWarning != nil {
		m.opts.OnWarning(w)
	}
}
