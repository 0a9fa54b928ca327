package database

import (
	"database/sql"
	"time"
)

// Integration status values. Status transitions are driven by webhook
// registration and by send-failure escalation; "error" disables automatic
// sends until a successful re-registration.
const (
	IntegrationStatusPending = "pending"
	IntegrationStatusActive  = "active"
	IntegrationStatusError   = "error"
)

// Job lifecycle statuses for the durable work queue.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusProcessed  = "processed"
	JobStatusDead       = "dead"
)

// Integration represents one configured connection to an external chat
// channel. Credentials and the notification quiet-hours window live here.
type Integration struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	ChannelID     string `db:"channel_id"`
	ChannelSecret string `db:"channel_secret"`
	ChannelToken  string `db:"channel_token"`
	WebhookURL    string `db:"webhook_url"`
	Status        string `db:"status"`
	Active        bool   `db:"active"`

	QuietHoursEnabled bool   `db:"quiet_hours_enabled"`
	QuietStart        string `db:"quiet_start"`
	QuietEnd          string `db:"quiet_end"`

	LastWebhookAt     sql.NullTime `db:"last_webhook_at"`
	LastActivityAt    sql.NullTime `db:"last_activity_at"`
	LastSendFailureAt sql.NullTime `db:"last_send_failure_at"`
}

// Group represents one conversation on the external platform, bound to
// exactly one Integration. Its external id is unique per integration.
type Group struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	IntegrationID  int64        `db:"integration_id"`
	ExternalID     string       `db:"external_id"`
	Name           string       `db:"name"`
	MemberCount    int          `db:"member_count"`
	Active         bool         `db:"active"`
	AutoParse      bool         `db:"auto_parse"`
	LastActivityAt sql.NullTime `db:"last_activity_at"`
}

// Message is one inbound chat message. The external id is globally unique
// and serves as the idempotency key under webhook redelivery.
type Message struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	ExternalID    string         `db:"external_id"`
	GroupID       int64          `db:"group_id"`
	UserID        sql.NullString `db:"user_id"`
	Content       string         `db:"content"`
	Kind          string         `db:"kind"`
	Processed     bool           `db:"processed"`
	Intent        string         `db:"intent"`
	Confidence    float64        `db:"confidence"`
	ParsedContent string         `db:"parsed_content"`
	TaskID        sql.NullInt64  `db:"task_id"`
	Errors        string         `db:"errors"`
	Timestamp     time.Time      `db:"timestamp"`
}

// ProcessingError is one structured entry in a message's bounded error
// record. Stored as a JSON array in messages.errors.
type ProcessingError struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// MaxMessageErrors bounds the per-message error record; the oldest entries
// are dropped once the limit is reached.
const MaxMessageErrors = 20

// Task is the downstream product of a successful extraction. Consumed by
// the task-management surface; this core only creates and links them.
type Task struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	GroupID  int64          `db:"group_id"`
	Title    string         `db:"title"`
	Status   string         `db:"status"`
	Assignee sql.NullString `db:"assignee"`
	DueAt    sql.NullTime   `db:"due_at"`
}

// Job is one unit of work on the durable queue. Delivery is at-least-once:
// the same job may be claimed again after a crash, so handlers must be
// idempotent.
type Job struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	Kind        string         `db:"kind"`
	Payload     string         `db:"payload"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	RunAt       time.Time      `db:"run_at"`
	LastError   sql.NullString `db:"last_error"`
}
