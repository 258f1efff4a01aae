package websocket

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionEvent  Action = "event"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
// Ref echoes back in the reply so clients can match responses.
type RequestEnvelope struct {
	Action Action `json:"action"`
	Ref    string `json:"ref,omitempty"`
}

// AnswerRequest records one answer on the stream's attempt.
type AnswerRequest struct {
	Action           Action `json:"action"`
	Ref              string `json:"ref,omitempty"`
	QuestionPosition *int   `json:"question_position" binding:"required,min=0"`
	OptionIndex      *int   `json:"option_index" binding:"required,min=0"`
}

// EventRequest reports an integrity event.
type EventRequest struct {
	Action    Action                   `json:"action"`
	Ref       string                   `json:"ref,omitempty"`
	EventType model.IntegrityEventType `json:"event_type" binding:"required,oneof=tab_switch fullscreen_exit copy_attempt context_menu"`
	Timestamp *time.Time               `json:"timestamp"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventReady       Event = "ready"
	EventAnswerSaved Event = "answer_saved"
	EventIntegrity   Event = "integrity"
	EventSubmitted   Event = "submitted"
	EventError       Event = "error"
	EventPong        Event = "pong"
)

// ReadyResponse opens the stream with the attempt it is bound to.
type ReadyResponse struct {
	Event            Event     `json:"event"`
	AttemptID        uuid.UUID `json:"attempt_id"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

type AnswerSavedResponse struct {
	Event Event            `json:"event"`
	Ref   string           `json:"ref,omitempty"`
	Ack   *model.AnswerAck `json:"ack"`
}

type IntegrityResponse struct {
	Event   Event               `json:"event"`
	Ref     string              `json:"ref,omitempty"`
	Outcome *model.EventOutcome `json:"outcome"`
}

type SubmittedResponse struct {
	Event  Event                `json:"event"`
	Ref    string               `json:"ref,omitempty"`
	Result *model.AttemptResult `json:"result"`
}

type ErrorResponse struct {
	Event   Event             `json:"event"`
	Ref     string            `json:"ref,omitempty"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
}
