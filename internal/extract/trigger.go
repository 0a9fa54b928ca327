package extract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/notify"
	"github.com/taskline/taskline/internal/queue"
)

// Error kinds recorded on a message's error record.
const (
	errKindExtractionFailed    = "extraction_failed"
	errKindExtractionException = "extraction_exception"
)

// Notifier is the slice of the notification dispatcher the trigger uses
// for confirmations.
type Notifier interface {
	Send(ctx context.Context, integ *database.Integration, text, targetGroupID string, opts notify.SendOptions) error
}

// Trigger consumes extraction jobs: it runs the extractor on the persisted
// message, applies the outcome, creates linked tasks, and sends a
// confirmation through the notification dispatcher.
type Trigger struct {
	store     database.Store
	extractor Extractor
	notifier  Notifier
	logger    *slog.Logger
}

// NewTrigger creates the extraction job handler.
func NewTrigger(store database.Store, extractor Extractor, notifier Notifier, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		store:     store,
		extractor: extractor,
		notifier:  notifier,
		logger:    logger.With("component", "extraction_trigger"),
	}
}

// HandleJob processes one extraction job. Delivery is at-least-once, so
// the handler is idempotent: a message already marked processed only
// re-sends its confirmation instead of extracting again. A reported
// classification failure (success=false) is recorded and not retried; an
// extraction error is recorded and returned so the queue's retry policy
// applies.
func (t *Trigger) HandleJob(ctx context.Context, payload []byte) error {
	var p queue.ExtractMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.logger.ErrorContext(ctx, "Dropping undecodable extraction payload", "error", err)
		return nil
	}

	msg, err := t.store.GetMessageByID(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		t.logger.WarnContext(ctx, "Extraction job references missing message, dropping", "message_id", p.MessageID)
		return nil
	}

	log := t.logger.With("message_id", msg.ID)

	group, err := t.store.GetGroupByID(ctx, msg.GroupID)
	if err != nil {
		return err
	}
	if group == nil {
		log.WarnContext(ctx, "Message references missing group, dropping", "group_id", msg.GroupID)
		return nil
	}

	integ, err := t.store.GetIntegrationByID(ctx, group.IntegrationID)
	if err != nil {
		return err
	}
	if integ == nil {
		log.WarnContext(ctx, "Group references missing integration, dropping", "integration_id", group.IntegrationID)
		return nil
	}

	if msg.Processed {
		// Redelivery after a crash between processing and confirmation: a
		// duplicate confirmation is preferred over a lost one.
		log.DebugContext(ctx, "Message already processed, re-sending confirmation only")
		return t.confirm(ctx, integ, group, msg.Intent, msg.TaskID)
	}

	outcome, err := t.extractor.Extract(ctx, msg, group)
	if err != nil {
		t.recordError(ctx, msg.ID, errKindExtractionException, err.Error())
		return fmt.Errorf("extraction failed for message %d: %w", msg.ID, err)
	}

	if !outcome.Success {
		log.InfoContext(ctx, "Extraction reported classification failure", "intent", outcome.Intent, "confidence", outcome.Confidence)
		t.recordError(ctx, msg.ID, errKindExtractionFailed, outcome.ParsedContent)
		return nil
	}

	var taskID sql.NullInt64
	if outcome.Task != nil {
		task := &database.Task{
			GroupID: group.ID,
			Title:   outcome.Task.Title,
			Status:  "open",
		}
		if outcome.Task.Assignee != "" {
			task.Assignee = sql.NullString{String: outcome.Task.Assignee, Valid: true}
		}
		if outcome.Task.DueAt != "" {
			due, parseErr := time.Parse(time.RFC3339, outcome.Task.DueAt)
			if parseErr != nil {
				log.WarnContext(ctx, "Ignoring unparseable task deadline", "due_at", outcome.Task.DueAt, "error", parseErr)
			} else {
				task.DueAt = sql.NullTime{Time: due.UTC(), Valid: true}
			}
		}
		if err := t.store.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("failed to create task for message %d: %w", msg.ID, err)
		}
		taskID = sql.NullInt64{Int64: task.ID, Valid: true}
	}

	if err := t.store.MarkMessageProcessed(ctx, msg.ID, outcome.Intent, outcome.Confidence, outcome.ParsedContent, taskID); err != nil {
		return err
	}
	log.InfoContext(ctx, "Message processed", "intent", outcome.Intent, "confidence", outcome.Confidence, "task_id", taskID.Int64)

	return t.confirm(ctx, integ, group, outcome.Intent, taskID)
}

// confirm sends the intent-selected confirmation for a processed message.
// A status inquiry gets no confirmation: the extraction collaborator is
// assumed to have answered it directly.
func (t *Trigger) confirm(ctx context.Context, integ *database.Integration, group *database.Group, intent string, taskID sql.NullInt64) error {
	if intent == IntentStatusInquiry || !taskID.Valid {
		return nil
	}

	task, err := t.store.GetTaskByID(ctx, taskID.Int64)
	if err != nil {
		return err
	}
	if task == nil {
		t.logger.WarnContext(ctx, "Processed message references missing task, skipping confirmation", "task_id", taskID.Int64)
		return nil
	}

	text := ConfirmationText(intent, task)
	if text == "" {
		return nil
	}
	return t.notifier.Send(ctx, integ, text, group.ExternalID, notify.SendOptions{})
}

// ConfirmationText selects the fixed confirmation template for an intent.
// Intents without a template return the empty string.
func ConfirmationText(intent string, task *database.Task) string {
	switch intent {
	case IntentTaskCreation:
		return fmt.Sprintf("Task created: %s", task.Title)
	case IntentTaskCompletion:
		return fmt.Sprintf("Task completed: %s", task.Title)
	case IntentTaskAssignment:
		if task.Assignee.Valid {
			return fmt.Sprintf("Task assigned to %s: %s", task.Assignee.String, task.Title)
		}
		return fmt.Sprintf("Task assigned: %s", task.Title)
	default:
		return ""
	}
}

func (t *Trigger) recordError(ctx context.Context, messageID int64, kind, detail string) {
	procErr := database.ProcessingError{
		Kind:       kind,
		Message:    detail,
		OccurredAt: time.Now().UTC(),
	}
	if err := t.store.AppendMessageError(ctx, messageID, procErr); err != nil {
		t.logger.ErrorContext(ctx, "Failed to record message error", "message_id", messageID, "kind", kind, "error", err)
	}
}
