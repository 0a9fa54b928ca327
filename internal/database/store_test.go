// Package database_test tests the sqlx-backed store against an in-memory
// SQLite database with the real migrations applied.
package database_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/taskline/taskline/internal/database"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedIntegration(t *testing.T, store database.Store) *database.Integration {
	t.Helper()

	integ := &database.Integration{
		ChannelID:     fmt.Sprintf("chan-%s", t.Name()),
		ChannelSecret: "secret",
		ChannelToken:  "token",
		Status:        database.IntegrationStatusPending,
		Active:        true,
	}
	if err := store.CreateIntegration(context.Background(), integ); err != nil {
		t.Fatalf("failed to seed integration: %v", err)
	}
	return integ
}

func seedGroup(t *testing.T, store database.Store, integrationID int64) *database.Group {
	t.Helper()

	group, err := store.CreateGroupIfAbsent(context.Background(), &database.Group{
		IntegrationID: integrationID,
		ExternalID:    "G123",
		Name:          "Test Group",
		Active:        true,
		AutoParse:     true,
	})
	if err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}
	return group
}

func TestCreateMessageIfAbsentIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	integ := seedIntegration(t, store)
	group := seedGroup(t, store, integ.ID)

	msg := &database.Message{
		ExternalID: "ext-msg-1",
		GroupID:    group.ID,
		Content:    "buy milk tomorrow",
		Kind:       "text",
		Timestamp:  time.Now().UTC(),
	}

	created, err := store.CreateMessageIfAbsent(ctx, msg)
	if err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if !created {
		t.Fatal("expected first save to create the message")
	}
	if msg.ID == 0 {
		t.Fatal("expected message id to be populated")
	}

	duplicate := &database.Message{
		ExternalID: "ext-msg-1",
		GroupID:    group.ID,
		Content:    "buy milk tomorrow",
		Kind:       "text",
		Timestamp:  time.Now().UTC(),
	}
	created, err = store.CreateMessageIfAbsent(ctx, duplicate)
	if err != nil {
		t.Fatalf("redelivery save failed: %v", err)
	}
	if created {
		t.Fatal("expected redelivery to be skipped, not inserted")
	}

	got, err := store.GetMessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if got == nil || got.ExternalID != "ext-msg-1" {
		t.Fatalf("unexpected message after redelivery: %+v", got)
	}
}

func TestCreateGroupIfAbsentReturnsExisting(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	integ := seedIntegration(t, store)

	first, err := store.CreateGroupIfAbsent(ctx, &database.Group{
		IntegrationID: integ.ID,
		ExternalID:    "G9",
		Name:          "Original",
		Active:        true,
	})
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	second, err := store.CreateGroupIfAbsent(ctx, &database.Group{
		IntegrationID: integ.ID,
		ExternalID:    "G9",
		Name:          "Should Not Replace",
		Active:        true,
	})
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected existing group %d, got %d", first.ID, second.ID)
	}
	if second.Name != "Original" {
		t.Fatalf("expected existing group to win, got name %q", second.Name)
	}
}

func TestIntegrationRegistrationTransition(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	integ := seedIntegration(t, store)

	if err := store.SetIntegrationRegistered(ctx, integ.ID, "https://example.com/webhook"); err != nil {
		t.Fatalf("failed to mark registered: %v", err)
	}

	got, err := store.GetIntegrationByID(ctx, integ.ID)
	if err != nil {
		t.Fatalf("failed to fetch integration: %v", err)
	}
	if got.Status != database.IntegrationStatusActive {
		t.Fatalf("expected status active, got %q", got.Status)
	}
	if got.WebhookURL != "https://example.com/webhook" {
		t.Fatalf("unexpected webhook url %q", got.WebhookURL)
	}
	if !got.Active {
		t.Fatal("expected active flag set after registration")
	}

	if err := store.SetIntegrationStatus(ctx, integ.ID, database.IntegrationStatusError); err != nil {
		t.Fatalf("failed to set status: %v", err)
	}
	got, err = store.GetIntegrationByID(ctx, integ.ID)
	if err != nil {
		t.Fatalf("failed to fetch integration: %v", err)
	}
	if got.Status != database.IntegrationStatusError {
		t.Fatalf("expected status error, got %q", got.Status)
	}
}

func TestMarkMessageProcessedLinksTask(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	integ := seedIntegration(t, store)
	group := seedGroup(t, store, integ.ID)

	msg := &database.Message{
		ExternalID: "ext-1",
		GroupID:    group.ID,
		Content:    "assign report to Ana by Friday",
		Kind:       "text",
		Timestamp:  time.Now().UTC(),
	}
	if _, err := store.CreateMessageIfAbsent(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	task := &database.Task{
		GroupID:  group.ID,
		Title:    "Write the report",
		Status:   "open",
		Assignee: sql.NullString{String: "Ana", Valid: true},
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	err := store.MarkMessageProcessed(ctx, msg.ID, "task_assignment", 0.92, "assign report to Ana",
		sql.NullInt64{Int64: task.ID, Valid: true})
	if err != nil {
		t.Fatalf("failed to mark processed: %v", err)
	}

	got, err := store.GetMessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if !got.Processed || got.Intent != "task_assignment" || !got.TaskID.Valid || got.TaskID.Int64 != task.ID {
		t.Fatalf("unexpected processed state: %+v", got)
	}

	linked, err := store.GetTaskByID(ctx, got.TaskID.Int64)
	if err != nil {
		t.Fatalf("failed to fetch task: %v", err)
	}
	if linked == nil || linked.Title != "Write the report" {
		t.Fatalf("unexpected linked task: %+v", linked)
	}
}

func TestAppendMessageErrorBounded(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	integ := seedIntegration(t, store)
	group := seedGroup(t, store, integ.ID)

	msg := &database.Message{
		ExternalID: "ext-err",
		GroupID:    group.ID,
		Content:    "hello",
		Kind:       "text",
		Timestamp:  time.Now().UTC(),
	}
	if _, err := store.CreateMessageIfAbsent(ctx, msg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	total := database.MaxMessageErrors + 5
	for i := 0; i < total; i++ {
		err := store.AppendMessageError(ctx, msg.ID, database.ProcessingError{
			Kind:       "extraction_failed",
			Message:    fmt.Sprintf("attempt %d", i),
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to append error %d: %v", i, err)
		}
	}

	got, err := store.GetMessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}

	var record []database.ProcessingError
	if err := json.Unmarshal([]byte(got.Errors), &record); err != nil {
		t.Fatalf("failed to decode error record: %v", err)
	}
	if len(record) != database.MaxMessageErrors {
		t.Fatalf("expected %d retained errors, got %d", database.MaxMessageErrors, len(record))
	}
	if record[len(record)-1].Message != fmt.Sprintf("attempt %d", total-1) {
		t.Fatalf("expected newest error retained, got %q", record[len(record)-1].Message)
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &database.Job{
		ID:          "job-1",
		Kind:        "webhook.event",
		Payload:     `{"type":"message"}`,
		MaxAttempts: 3,
	}
	if err := store.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	claimed, err := store.ClaimJob(ctx, now)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if claimed == nil || claimed.ID != "job-1" {
		t.Fatalf("expected to claim job-1, got %+v", claimed)
	}
	if claimed.Attempts != 1 || claimed.Status != database.JobStatusProcessing {
		t.Fatalf("unexpected claim state: %+v", claimed)
	}

	// Nothing else runnable while the claim is held.
	second, err := store.ClaimJob(ctx, now)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no runnable job, got %+v", second)
	}

	retryAt := now.Add(time.Minute)
	if err := store.RetryJob(ctx, claimed.ID, retryAt, "transient failure"); err != nil {
		t.Fatalf("failed to reschedule: %v", err)
	}

	early, err := store.ClaimJob(ctx, now)
	if err != nil {
		t.Fatalf("early claim errored: %v", err)
	}
	if early != nil {
		t.Fatalf("job claimed before its run time: %+v", early)
	}

	due, err := store.ClaimJob(ctx, retryAt.Add(time.Second))
	if err != nil {
		t.Fatalf("due claim errored: %v", err)
	}
	if due == nil || due.Attempts != 2 {
		t.Fatalf("expected second attempt, got %+v", due)
	}

	if err := store.CompleteJob(ctx, due.ID); err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	done, err := store.ClaimJob(ctx, retryAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("claim after completion errored: %v", err)
	}
	if done != nil {
		t.Fatalf("completed job claimed again: %+v", done)
	}
}

func TestRequeueStuckJobs(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &database.Job{ID: "stuck-1", Kind: "extract.message", Payload: "{}", MaxAttempts: 3}
	if err := store.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := store.ClaimJob(ctx, now); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	count, err := store.RequeueStuckJobs(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 requeued job, got %d", count)
	}

	reclaimed, err := store.ClaimJob(ctx, now)
	if err != nil {
		t.Fatalf("reclaim errored: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != "stuck-1" {
		t.Fatalf("expected requeued job to be claimable, got %+v", reclaimed)
	}
}
