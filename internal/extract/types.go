// Package extract defines the task-extraction collaborator boundary and
// the job handler that applies extraction outcomes to messages.
package extract

import (
	"context"

	"github.com/taskline/taskline/internal/database"
)

// Intent classifications the extraction collaborator may return.
const (
	IntentTaskCreation   = "task_creation"
	IntentTaskCompletion = "task_completion"
	IntentTaskAssignment = "task_assignment"
	IntentStatusInquiry  = "status_inquiry"
	IntentUnknown        = "unknown"
)

// TaskDraft carries the task fields an extraction produced. DueAt is an
// optional RFC 3339 timestamp.
type TaskDraft struct {
	Title    string `json:"title"`
	Assignee string `json:"assignee"`
	DueAt    string `json:"due_at"`
}

// Outcome is the extraction collaborator's verdict on one message.
// Success=false is a business-classification failure, not a transport
// error; transport and model errors surface through Extract's error
// return instead.
type Outcome struct {
	Success       bool       `json:"success"`
	Intent        string     `json:"intent"`
	Confidence    float64    `json:"confidence"`
	ParsedContent string     `json:"parsed_content"`
	Task          *TaskDraft `json:"task,omitempty"`
}

// Extractor analyzes a persisted message for actionable task content.
type Extractor interface {
	Extract(ctx context.Context, msg *database.Message, group *database.Group) (*Outcome, error)
}
