// Package models defines the core domain types for procmon.
package models

import (
	"strconv"
	"time"
)

// CredentialStatus represents the health of an API credential.
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialInactive CredentialStatus = "inactive"
	CredentialTesting  CredentialStatus = "testing"
)

// Usable reports whether a credential may be used for queries.
func (s CredentialStatus) Usable() bool {
	return s == CredentialActive || s == CredentialTesting
}

// Credential is a per-device API credential for the process-lookup service.
type Credential struct {
	ID             string           `json:"id"`
	Owner          string           `json:"owner"`
	Name           string           `json:"name"`
	UUID           string           `json:"uuid"`
	Token          string           `json:"-"` // secret, never serialized
	DeviceType     string           `json:"device_type"`
	Status         CredentialStatus `json:"status"`
	LastUsed       *time.Time       `json:"last_used,omitempty"`
	TotalRequests  int              `json:"total_requests"`
	FailedRequests int              `json:"failed_requests"`
	LastError      string           `json:"last_error,omitempty"`
	LastErrorAt    *time.Time       `json:"last_error_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Client is a legal client whose judicial process is monitored.
// (ProcessNumber, ProcessYear) is the external correlation key.
type Client struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ProcessNumber string    `json:"process_number"`
	ProcessYear   int       `json:"process_year"`
	Email         string    `json:"email,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CredentialID  string    `json:"credential_id,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProcessRef returns the human form of the process key, e.g. "1234/2023".
func (c *Client) ProcessRef() string {
	return c.ProcessNumber + "/" + strconv.Itoa(c.ProcessYear)
}

// ProcessSnapshot is the last observed status of a client's process.
type ProcessSnapshot struct {
	ClientID   string    `json:"client_id"`
	StatusText string    `json:"status_text"`
	StatusHash string    `json:"status_hash"`
	ObservedAt time.Time `json:"observed_at"`
}

// AttemptOutcome classifies a single fetch try.
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptTransient AttemptOutcome = "transient_error"
	AttemptFatal     AttemptOutcome = "fatal_error"
)

// QueryAttempt is one fetch try within a run. Never persisted on its own.
type QueryAttempt struct {
	ClientID      string         `json:"client_id"`
	CredentialID  string         `json:"credential_id"`
	AttemptNumber int            `json:"attempt_number"`
	Outcome       AttemptOutcome `json:"outcome"`
	Latency       time.Duration  `json:"latency"`
}

// OutcomeKind is the terminal result for one client within a run.
type OutcomeKind string

const (
	OutcomeUnchanged        OutcomeKind = "unchanged"
	OutcomeChanged          OutcomeKind = "changed"
	OutcomeFirstObservation OutcomeKind = "first_observation"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeSkipped          OutcomeKind = "skipped"
)

// Succeeded reports whether the outcome counts as a successful query.
func (k OutcomeKind) Succeeded() bool {
	return k == OutcomeUnchanged || k == OutcomeChanged || k == OutcomeFirstObservation
}

// ClientOutcome is the persisted terminal outcome of one client in one run.
type ClientOutcome struct {
	RunID        string      `json:"run_id"`
	ClientID     string      `json:"client_id"`
	Kind         OutcomeKind `json:"kind"`
	Attempts     int         `json:"attempts"`
	ErrorReason  string      `json:"error_reason,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	StatusHash   string      `json:"status_hash,omitempty"`
	FinishedAt   time.Time   `json:"finished_at"`
}

// NotificationType is the category of a notification.
type NotificationType string

const (
	NotificationStatusChange NotificationType = "status_change"
	NotificationError        NotificationType = "error"
	NotificationSuccess      NotificationType = "success"
	NotificationWarning      NotificationType = "warning"
	NotificationInfo         NotificationType = "info"
)

// Notification is an append-only event surfaced to users.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	ClientID  string           `json:"client_id,omitempty"`
	RunID     string           `json:"run_id,omitempty"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerManual   RunTrigger = "manual"
)

// RunStatus is the lifecycle state of a persisted run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunAborted   RunStatus = "aborted"
	RunUnknown   RunStatus = "unknown"
)

// RunResult summarizes one scheduler invocation.
type RunResult struct {
	ID         string     `json:"run_id"`
	Trigger    RunTrigger `json:"trigger"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Changed    int        `json:"changed"`
	Attempts   int        `json:"attempts"`
	Aborted    bool       `json:"aborted"`
	Error      string     `json:"error,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r *RunResult) Finished() bool {
	return r.FinishedAt != nil
}

// Duration returns the wall time of a finished run, or zero.
func (r *RunResult) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Settings are the user-tunable monitoring settings.
type Settings struct {
	DailyQueries   bool   `json:"daily_queries" yaml:"daily_queries"`
	QueryTime      string `json:"query_time" yaml:"query_time" validate:"required,datetime=15:04"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries" validate:"min=1,max=10"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"min=10,max=120"`
	BatchSize      int    `json:"batch_size" yaml:"batch_size" validate:"min=1,max=50"`
}

// DefaultSettings returns the settings used when none are stored.
func DefaultSettings() Settings {
	return Settings{
		DailyQueries:   true,
		QueryTime:      "08:00",
		MaxRetries:     3,
		TimeoutSeconds: 30,
		BatchSize:      10,
	}
}

// Timeout returns the per-call timeout as a duration.
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DecisionRecord is an audit entry for a state-mutating action.
type DecisionRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	RunID      string    `json:"run_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
