package extract_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/extract"
	"github.com/taskline/taskline/internal/notify"
	"github.com/taskline/taskline/internal/queue"
)

type fakeExtractor struct {
	outcome *extract.Outcome
	err     error
	calls   int
}

func (f *fakeExtractor) Extract(context.Context, *database.Message, *database.Group) (*extract.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakeNotifier struct {
	sent []string
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, _ *database.Integration, text, _ string, _ notify.SendOptions) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, discardLogger())
}

func seedMessage(t *testing.T, store database.Store) (*database.Integration, *database.Group, *database.Message) {
	t.Helper()
	ctx := context.Background()

	integ := &database.Integration{
		ChannelID: "chan-1",
		Status:    database.IntegrationStatusActive,
		Active:    true,
	}
	if err := store.CreateIntegration(ctx, integ); err != nil {
		t.Fatalf("failed to seed integration: %v", err)
	}

	group, err := store.CreateGroupIfAbsent(ctx, &database.Group{
		IntegrationID: integ.ID,
		ExternalID:    "G1",
		Name:          "Team",
		Active:        true,
		AutoParse:     true,
	})
	if err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}

	msg := &database.Message{
		ExternalID: "ext-1",
		GroupID:    group.ID,
		Content:    "please draft the launch plan by Monday",
		Kind:       "text",
		Timestamp:  time.Now().UTC(),
	}
	if _, err := store.CreateMessageIfAbsent(ctx, msg); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
	return integ, group, msg
}

func payloadFor(t *testing.T, messageID int64) []byte {
	t.Helper()
	payload, err := json.Marshal(queue.ExtractMessagePayload{MessageID: messageID})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	return payload
}

func TestHandleJobSuccessCreatesTaskAndConfirms(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, _, msg := seedMessage(t, store)

	extractor := &fakeExtractor{outcome: &extract.Outcome{
		Success:       true,
		Intent:        extract.IntentTaskCreation,
		Confidence:    0.91,
		ParsedContent: "draft the launch plan",
		Task:          &extract.TaskDraft{Title: "Draft the launch plan", DueAt: "2026-03-16T09:00:00Z"},
	}}
	notifier := &fakeNotifier{}
	trigger := extract.NewTrigger(store, extractor, notifier, discardLogger())

	if err := trigger.HandleJob(context.Background(), payloadFor(t, msg.ID)); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	if extractor.calls != 1 {
		t.Fatalf("expected exactly one extraction, got %d", extractor.calls)
	}

	got, err := store.GetMessageByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if !got.Processed || got.Intent != extract.IntentTaskCreation || !got.TaskID.Valid {
		t.Fatalf("unexpected message state: %+v", got)
	}

	task, err := store.GetTaskByID(context.Background(), got.TaskID.Int64)
	if err != nil {
		t.Fatalf("failed to fetch task: %v", err)
	}
	if task.Title != "Draft the launch plan" {
		t.Fatalf("unexpected task title %q", task.Title)
	}
	if !task.DueAt.Valid {
		t.Fatal("expected parsed due date on task")
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("expected exactly one confirmation, got %d", len(notifier.sent))
	}
	if !strings.Contains(notifier.sent[0], "Draft the launch plan") {
		t.Fatalf("confirmation should name the task, got %q", notifier.sent[0])
	}
}

func TestHandleJobStatusInquirySendsNothing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, _, msg := seedMessage(t, store)

	extractor := &fakeExtractor{outcome: &extract.Outcome{
		Success:       true,
		Intent:        extract.IntentStatusInquiry,
		Confidence:    0.85,
		ParsedContent: "what's the status of the launch plan",
	}}
	notifier := &fakeNotifier{}
	trigger := extract.NewTrigger(store, extractor, notifier, discardLogger())

	if err := trigger.HandleJob(context.Background(), payloadFor(t, msg.ID)); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	got, err := store.GetMessageByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if !got.Processed || got.TaskID.Valid {
		t.Fatalf("status inquiry should process without a task: %+v", got)
	}
	if len(notifier.sent) != 0 {
		t.Fatalf("status inquiry must not send confirmations, got %d", len(notifier.sent))
	}
}

func TestHandleJobClassificationFailureNotRetried(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, _, msg := seedMessage(t, store)

	extractor := &fakeExtractor{outcome: &extract.Outcome{Success: false, Intent: extract.IntentUnknown}}
	notifier := &fakeNotifier{}
	trigger := extract.NewTrigger(store, extractor, notifier, discardLogger())

	if err := trigger.HandleJob(context.Background(), payloadFor(t, msg.ID)); err != nil {
		t.Fatalf("classification failure must not propagate: %v", err)
	}

	got, err := store.GetMessageByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if got.Processed {
		t.Fatal("message must stay unprocessed on classification failure")
	}

	var record []database.ProcessingError
	if err := json.Unmarshal([]byte(got.Errors), &record); err != nil {
		t.Fatalf("failed to decode error record: %v", err)
	}
	if len(record) != 1 || record[0].Kind != "extraction_failed" {
		t.Fatalf("expected one extraction_failed entry, got %+v", record)
	}
}

func TestHandleJobExtractionErrorPropagatesForRetry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, _, msg := seedMessage(t, store)

	extractor := &fakeExtractor{err: errors.New("model unavailable")}
	trigger := extract.NewTrigger(store, extractor, &fakeNotifier{}, discardLogger())

	if err := trigger.HandleJob(context.Background(), payloadFor(t, msg.ID)); err == nil {
		t.Fatal("expected extraction error to propagate so the queue retries")
	}

	got, err := store.GetMessageByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	var record []database.ProcessingError
	if err := json.Unmarshal([]byte(got.Errors), &record); err != nil {
		t.Fatalf("failed to decode error record: %v", err)
	}
	if len(record) != 1 || record[0].Kind != "extraction_exception" {
		t.Fatalf("expected one extraction_exception entry, got %+v", record)
	}
}

func TestHandleJobRedeliveryOnlyResendsConfirmation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, _, msg := seedMessage(t, store)

	extractor := &fakeExtractor{outcome: &extract.Outcome{
		Success:       true,
		Intent:        extract.IntentTaskCreation,
		Confidence:    0.9,
		ParsedContent: "draft the launch plan",
		Task:          &extract.TaskDraft{Title: "Draft the launch plan"},
	}}
	notifier := &fakeNotifier{}
	trigger := extract.NewTrigger(store, extractor, notifier, discardLogger())

	payload := payloadFor(t, msg.ID)
	if err := trigger.HandleJob(context.Background(), payload); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := trigger.HandleJob(context.Background(), payload); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if extractor.calls != 1 {
		t.Fatalf("redelivery must not re-extract, got %d calls", extractor.calls)
	}
	if len(notifier.sent) != 2 {
		t.Fatalf("expected confirmation re-send on redelivery, got %d sends", len(notifier.sent))
	}
}

func TestHandleJobDropsMissingMessage(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	trigger := extract.NewTrigger(store, &fakeExtractor{}, &fakeNotifier{}, discardLogger())

	if err := trigger.HandleJob(context.Background(), payloadFor(t, 424242)); err != nil {
		t.Fatalf("missing message must be absorbed: %v", err)
	}
}

func TestConfirmationText(t *testing.T) {
	t.Parallel()

	task := &database.Task{Title: "Ship v2"}

	tests := []struct {
		intent string
		want   string
	}{
		{extract.IntentTaskCreation, "Task created: Ship v2"},
		{extract.IntentTaskCompletion, "Task completed: Ship v2"},
		{extract.IntentTaskAssignment, "Task assigned: Ship v2"},
		{extract.IntentStatusInquiry, ""},
		{extract.IntentUnknown, ""},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.intent, func(t *testing.T) {
			t.Parallel()

			if got := extract.ConfirmationText(tc.intent, task); got != tc.want {
				t.Errorf("ConfirmationText(%q) = %q, want %q", tc.intent, got, tc.want)
			}
		})
	}
}
