package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "not_started"
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusExpired    AttemptStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusExpired
}

// SubmitReason records which trigger finalized an attempt.
type SubmitReason string

const (
	SubmitReasonManual    SubmitReason = "manual"
	SubmitReasonTimeout   SubmitReason = "timeout"
	SubmitReasonIntegrity SubmitReason = "integrity"
	SubmitReasonSweep     SubmitReason = "sweep"
)

// Unanswered marks a position without a selected option.
const Unanswered = -1

// QuestionSnapshot is the frozen copy of a question taken when the attempt starts.
type QuestionSnapshot struct {
	ID           uuid.UUID  `json:"id"`
	Text         string     `json:"text"`
	Options      []string   `json:"options"`
	CorrectIndex int        `json:"correct_index"`
	Category     string     `json:"category"`
	Difficulty   Difficulty `json:"difficulty"`
}

// PublicQuestion is a snapshot entry as shown to the candidate (no answer key).
type PublicQuestion struct {
	Position   int        `json:"position"`
	ID         uuid.UUID  `json:"id"`
	Text       string     `json:"text"`
	Options    []string   `json:"options"`
	Category   string     `json:"category"`
	Difficulty Difficulty `json:"difficulty"`
}

// Attempt is one candidate's run through the timed assessment.
type Attempt struct {
	ID                  uuid.UUID          `json:"id"`
	CandidateID         int                `json:"candidate_id"`
	Status              AttemptStatus      `json:"status"`
	Snapshot            []QuestionSnapshot `json:"question_snapshot"`
	Answers             []int              `json:"answers"`
	StartedAt           time.Time          `json:"started_at"`
	Deadline            time.Time          `json:"deadline"`
	DurationMinutes     int                `json:"duration_minutes"`
	PassThreshold       float64            `json:"pass_threshold"`
	ShowDetails         bool               `json:"show_details"`
	TabSwitchCount      int                `json:"tab_switch_count"`
	FullscreenExitCount int                `json:"fullscreen_exit_count"`
	IsFlagged           bool               `json:"is_flagged"`
	Score               *float64           `json:"score,omitempty"`
	CorrectCount        *int               `json:"correct_count,omitempty"`
	SubmittedAt         *time.Time         `json:"submitted_at,omitempty"`
	SubmitReason        *SubmitReason      `json:"submit_reason,omitempty"`
	Result              *AttemptResult     `json:"-"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// IsOverdue reports whether a running attempt has reached its deadline.
func (a *Attempt) IsOverdue(now time.Time) bool {
	return a.Status == AttemptStatusInProgress && !now.Before(a.Deadline)
}

// RemainingSeconds is deadline - now in whole seconds, floored at zero.
func (a *Attempt) RemainingSeconds(now time.Time) int {
	if a.Status != AttemptStatusInProgress {
		return 0
	}
	remaining := a.Deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// AnsweredCount counts positions with a selected option.
func (a *Attempt) AnsweredCount() int {
	n := 0
	for _, ans := range a.Answers {
		if ans != Unanswered {
			n++
		}
	}
	return n
}

// PublicQuestions strips the answer key from the snapshot.
func (a *Attempt) PublicQuestions() []PublicQuestion {
	out := make([]PublicQuestion, len(a.Snapshot))
	for i, q := range a.Snapshot {
		out[i] = PublicQuestion{
			Position:   i,
			ID:         q.ID,
			Text:       q.Text,
			Options:    append([]string(nil), q.Options...),
			Category:   q.Category,
			Difficulty: q.Difficulty,
		}
	}
	return out
}

// Clone returns a deep copy so callers cannot alias stored state.
func (a *Attempt) Clone() *Attempt {
	c := *a
	c.Snapshot = make([]QuestionSnapshot, len(a.Snapshot))
	for i, q := range a.Snapshot {
		q.Options = append([]string(nil), q.Options...)
		c.Snapshot[i] = q
	}
	c.Answers = append([]int(nil), a.Answers...)
	if a.Score != nil {
		v := *a.Score
		c.Score = &v
	}
	if a.CorrectCount != nil {
		v := *a.CorrectCount
		c.CorrectCount = &v
	}
	if a.SubmittedAt != nil {
		v := *a.SubmittedAt
		c.SubmittedAt = &v
	}
	if a.SubmitReason != nil {
		v := *a.SubmitReason
		c.SubmitReason = &v
	}
	if a.Result != nil {
		r := a.Result.Clone()
		c.Result = &r
	}
	return &c
}

// NewAnswerSheet returns n unanswered positions.
func NewAnswerSheet(n int) []int {
	answers := make([]int, n)
	for i := range answers {
		answers[i] = Unanswered
	}
	return answers
}

// ────────────────────────────────────────────────────────────────────────────
// Results
// ────────────────────────────────────────────────────────────────────────────

// CategoryStat aggregates correct/total answers for one question category.
type CategoryStat struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// QuestionReview is the per-question breakdown of a scored attempt.
type QuestionReview struct {
	Position      int        `json:"position"`
	QuestionID    uuid.UUID  `json:"question_id"`
	Text          string     `json:"text"`
	Options       []string   `json:"options"`
	CorrectIndex  int        `json:"correct_index"`
	SelectedIndex int        `json:"selected_index"`
	IsCorrect     bool       `json:"is_correct"`
	Category      string     `json:"category"`
	Difficulty    Difficulty `json:"difficulty"`
}

// AttemptResult is the stored outcome of finalization. It is written once and
// returned verbatim by every later submit.
type AttemptResult struct {
	AttemptID         uuid.UUID               `json:"attempt_id"`
	ScorePercent      float64                 `json:"score_percent"`
	CorrectCount      int                     `json:"correct_count"`
	TotalQuestions    int                     `json:"total_questions"`
	Passed            bool                    `json:"passed"`
	PassThreshold     float64                 `json:"pass_threshold"`
	CategoryBreakdown map[string]CategoryStat `json:"category_breakdown"`
	Details           []QuestionReview        `json:"details,omitempty"`
	Status            AttemptStatus           `json:"status"`
	SubmitReason      SubmitReason            `json:"submit_reason"`
	IsFlagged         bool                    `json:"is_flagged"`
	SubmittedAt       time.Time               `json:"submitted_at"`
}

// Clone deep-copies the result.
func (r AttemptResult) Clone() AttemptResult {
	c := r
	if r.CategoryBreakdown != nil {
		c.CategoryBreakdown = make(map[string]CategoryStat, len(r.CategoryBreakdown))
		for k, v := range r.CategoryBreakdown {
			c.CategoryBreakdown[k] = v
		}
	}
	if r.Details != nil {
		c.Details = make([]QuestionReview, len(r.Details))
		for i, d := range r.Details {
			d.Options = append([]string(nil), d.Options...)
			c.Details[i] = d
		}
	}
	return c
}

// WithoutDetails drops the per-question review.
func (r AttemptResult) WithoutDetails() AttemptResult {
	c := r.Clone()
	c.Details = nil
	return c
}

// ────────────────────────────────────────────────────────────────────────────
// Views returned to the candidate
// ────────────────────────────────────────────────────────────────────────────

// StartView is returned by start and resume.
type StartView struct {
	AttemptID           uuid.UUID        `json:"attempt_id"`
	Questions           []PublicQuestion `json:"questions"`
	TotalQuestions      int              `json:"total_questions"`
	RemainingSeconds    int              `json:"remaining_seconds"`
	Deadline            time.Time        `json:"deadline"`
	Answers             []int            `json:"answers"`
	TabSwitchCount      int              `json:"tab_switch_count"`
	FullscreenExitCount int              `json:"fullscreen_exits"`
	IsFlagged           bool             `json:"is_flagged"`
	Resumed             bool             `json:"resumed"`
}

// AnswerAck acknowledges a recorded answer.
type AnswerAck struct {
	Position         int `json:"question_position"`
	OptionIndex      int `json:"option_index"`
	RemainingSeconds int `json:"remaining_seconds"`
}

// StatusView routes the client's loading state.
type StatusView struct {
	Status           AttemptStatus `json:"status"`
	AttemptID        *uuid.UUID    `json:"attempt_id,omitempty"`
	Score            *float64      `json:"score,omitempty"`
	RemainingSeconds *int          `json:"remaining_seconds,omitempty"`
	CanStart         bool          `json:"can_start"`
	Reason           string        `json:"reason,omitempty"`
}

// ResultView is the candidate-facing result of a terminal attempt.
type ResultView struct {
	Result              AttemptResult `json:"result"`
	TabSwitchCount      int           `json:"tab_switches"`
	FullscreenExitCount int           `json:"fullscreen_exits"`
	StartedAt           time.Time     `json:"started_at"`
	ElapsedMinutes      float64       `json:"elapsed_minutes"`
}

// ────────────────────────────────────────────────────────────────────────────
// Requests
// ────────────────────────────────────────────────────────────────────────────

// RecordAnswerRequest is the payload for saving one answer.
type RecordAnswerRequest struct {
	AttemptID        string `json:"attempt_id" binding:"required,uuid"`
	QuestionPosition *int   `json:"question_position" binding:"required,min=0"`
	OptionIndex      *int   `json:"option_index" binding:"required,min=0"`
}

// ReportEventRequest is the payload for an integrity event.
type ReportEventRequest struct {
	AttemptID string     `json:"attempt_id" binding:"required,uuid"`
	EventType string     `json:"event_type" binding:"required,oneof=tab_switch fullscreen_exit copy_attempt context_menu"`
	Timestamp *time.Time `json:"timestamp"`
}

// SubmitAttemptRequest is the payload for submitting an attempt.
type SubmitAttemptRequest struct {
	AttemptID string `json:"attempt_id" binding:"required,uuid"`
}

// AttemptSummary is a row in the admin attempt list.
type AttemptSummary struct {
	ID                  uuid.UUID     `json:"id"`
	CandidateID         int           `json:"candidate_id"`
	CandidateName       string        `json:"candidate_name"`
	CandidateEmail      string        `json:"candidate_email"`
	Status              AttemptStatus `json:"status"`
	StartedAt           time.Time     `json:"started_at"`
	Deadline            time.Time     `json:"deadline"`
	SubmittedAt         *time.Time    `json:"submitted_at,omitempty"`
	SubmitReason        *SubmitReason `json:"submit_reason,omitempty"`
	Score               *float64      `json:"score,omitempty"`
	TotalQuestions      int           `json:"total_questions"`
	AnsweredCount       int           `json:"answered_count"`
	TabSwitchCount      int           `json:"tab_switch_count"`
	FullscreenExitCount int           `json:"fullscreen_exit_count"`
	IsFlagged           bool          `json:"is_flagged"`
}

// AttemptDetail is the admin view of one attempt with its integrity log.
type AttemptDetail struct {
	Attempt *Attempt         `json:"attempt"`
	Result  *AttemptResult   `json:"result,omitempty"`
	Events  []IntegrityEvent `json:"events"`
}

// ListAttemptsQuery is the query string of the admin attempt list and export.
type ListAttemptsQuery struct {
	Page    int    `form:"page" binding:"omitempty,min=1"`
	PerPage int    `form:"per_page" binding:"omitempty,min=1,max=200"`
	Flagged bool   `form:"flagged"`
	Status  string `form:"status" binding:"omitempty,oneof=in_progress submitted expired"`
}
