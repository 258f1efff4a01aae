package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/escalation"
)

// IntegrityEventType names an observed client-side violation.
type IntegrityEventType string

const (
	EventTabSwitch      IntegrityEventType = "tab_switch"
	EventFullscreenExit IntegrityEventType = "fullscreen_exit"
	EventCopyAttempt    IntegrityEventType = "copy_attempt"
	EventContextMenu    IntegrityEventType = "context_menu"
)

// Valid reports whether t is a known event type.
func (t IntegrityEventType) Valid() bool {
	switch t {
	case EventTabSwitch, EventFullscreenExit, EventCopyAttempt, EventContextMenu:
		return true
	}
	return false
}

// Trigger returns the escalation counter the event increments. ok is false
// for log-only events.
func (t IntegrityEventType) Trigger() (escalation.Trigger, bool) {
	switch t {
	case EventTabSwitch:
		return escalation.TabSwitch, true
	case EventFullscreenExit:
		return escalation.FullscreenExit, true
	}
	return "", false
}

// IntegrityEvent is one row of the integrity log.
type IntegrityEvent struct {
	ID          int64              `json:"id,omitempty"`
	AttemptID   uuid.UUID          `json:"attempt_id"`
	CandidateID int                `json:"candidate_id"`
	EventType   IntegrityEventType `json:"event_type"`
	ClientTS    *time.Time         `json:"client_ts,omitempty"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// EventOutcome is returned after an integrity event was recorded.
type EventOutcome struct {
	EventType           IntegrityEventType `json:"event_type"`
	TabSwitchCount      int                `json:"tab_switch_count"`
	FullscreenExitCount int                `json:"fullscreen_exit_count"`
	IsFlagged           bool               `json:"is_flagged"`
	WarningLevel        int                `json:"warning_level"`
	WarningsRemaining   int                `json:"warnings_remaining"`
	ForcedSubmit        bool               `json:"forced_submit"`
	Result              *AttemptResult     `json:"result,omitempty"`
}

// Counts returns the escalation counters carried by the outcome.
func (o EventOutcome) Counts() escalation.Counts {
	return escalation.Counts{TabSwitch: o.TabSwitchCount, FullscreenExit: o.FullscreenExitCount}
}
