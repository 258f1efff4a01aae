package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction names an attempt lifecycle transition worth keeping.
type AuditAction string

const (
	AuditStartAttempt  AuditAction = "start_attempt"
	AuditSubmitAttempt AuditAction = "submit_attempt"
	AuditForceSubmit   AuditAction = "force_submit"
	AuditExpireAttempt AuditAction = "expire_attempt"
)

// AuditEntry is one row of audit_logs.
type AuditEntry struct {
	CandidateID int            `json:"candidate_id"`
	AttemptID   uuid.UUID      `json:"attempt_id"`
	Action      AuditAction    `json:"action"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MonitorEvent is published on the live monitor channel.
type MonitorEvent struct {
	Type        string             `json:"type"`
	AttemptID   uuid.UUID          `json:"attempt_id"`
	CandidateID int                `json:"candidate_id"`
	EventType   IntegrityEventType `json:"event_type,omitempty"`
	Status      AttemptStatus      `json:"status"`
	IsFlagged   bool               `json:"is_flagged"`
	Score       *float64           `json:"score,omitempty"`
	At          time.Time          `json:"at"`
}
