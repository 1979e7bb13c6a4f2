package models

import (
	"time"
)

// JobStatus values persisted for correlation jobs.
const (
	StatusPending  = "pending"
	StatusMatched  = "matched"
	StatusTimedOut = "timed_out"
	StatusFailed   = "failed"
)

// Job is the durable record of a dispatched generation request.
type Job struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	MessageID *string   `json:"message_id,omitempty"`
	Method    *string   `json:"method,omitempty"`
	PollCount int       `json:"poll_count"`
	LastError *string   `json:"last_error,omitempty"`
	Archive   *string   `json:"archive_location,omitempty"`
	SentAt    time.Time `json:"sent_at"`
	Deadline  time.Time `json:"deadline"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
