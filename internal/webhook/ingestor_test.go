package webhook_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/platform"
	"github.com/taskline/taskline/internal/queue"
	"github.com/taskline/taskline/internal/webhook"
)

func seedGroup(t *testing.T, store database.Store, integrationID int64, autoParse bool) *database.Group {
	t.Helper()

	group, err := store.CreateGroupIfAbsent(context.Background(), &database.Group{
		IntegrationID: integrationID,
		ExternalID:    "G1",
		Name:          "Test Group",
		Active:        true,
		AutoParse:     autoParse,
	})
	if err != nil {
		t.Fatalf("failed to seed group: %v", err)
	}
	return group
}

func messageEvent(id, kind, text string) platform.Event {
	return platform.Event{
		Type:      platform.EventTypeMessage,
		Timestamp: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Source:    platform.Source{Type: "group", GroupID: "G1", UserID: "U1"},
		Message:   &platform.EventMessage{ID: id, Type: kind, Text: text},
	}
}

func TestIngestIdempotentUnderRedelivery(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	integ := seedIntegration(t, store, "chan-1", true)
	group := seedGroup(t, store, integ.ID, true)
	q := &fakeEnqueuer{}
	ingestor := webhook.NewIngestor(store, q, discardLogger())

	ev := messageEvent("msg-1", platform.MessageKindText, "finish the deck by Friday")

	if err := ingestor.Ingest(context.Background(), group, ev); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if err := ingestor.Ingest(context.Background(), group, ev); err != nil {
		t.Fatalf("redelivered ingest failed: %v", err)
	}

	// One persisted row, one extraction job.
	if len(q.kinds) != 1 || q.kinds[0] != queue.KindExtractMessage {
		t.Fatalf("expected exactly one extraction job, got %v", q.kinds)
	}

	var payload queue.ExtractMessagePayload
	if err := json.Unmarshal(q.payloads[0], &payload); err != nil {
		t.Fatalf("failed to decode extraction payload: %v", err)
	}
	msg, err := store.GetMessageByID(context.Background(), payload.MessageID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if msg == nil || msg.Content != "finish the deck by Friday" {
		t.Fatalf("unexpected persisted message: %+v", msg)
	}
}

func TestIngestSkipsExtractionWithoutAutoParse(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	integ := seedIntegration(t, store, "chan-1", true)
	group := seedGroup(t, store, integ.ID, false)
	q := &fakeEnqueuer{}
	ingestor := webhook.NewIngestor(store, q, discardLogger())

	if err := ingestor.Ingest(context.Background(), group, messageEvent("msg-2", platform.MessageKindText, "hello")); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if len(q.kinds) != 0 {
		t.Fatalf("expected no extraction jobs for auto-parse-off group, got %v", q.kinds)
	}
}

func TestIngestStickerPersistsPlaceholderWithoutExtraction(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	integ := seedIntegration(t, store, "chan-1", true)
	group := seedGroup(t, store, integ.ID, true)
	q := &fakeEnqueuer{}
	ingestor := webhook.NewIngestor(store, q, discardLogger())

	ev := platform.Event{
		Type:      platform.EventTypeMessage,
		Timestamp: time.Now().UnixMilli(),
		Source:    platform.Source{Type: "group", GroupID: "G1"},
		Message:   &platform.EventMessage{ID: "msg-3", Type: platform.MessageKindSticker, PackageID: "1", StickerID: "2"},
	}
	if err := ingestor.Ingest(context.Background(), group, ev); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if len(q.kinds) != 0 {
		t.Fatalf("sticker messages must not trigger extraction, got %v", q.kinds)
	}
}

func TestSynthesizeContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  platform.EventMessage
		want string
	}{
		{"text passes through", platform.EventMessage{Type: "text", Text: "hello there"}, "hello there"},
		{"sticker placeholder", platform.EventMessage{Type: "sticker", PackageID: "1", StickerID: "2"}, "[Sticker: 1/2]"},
		{"image placeholder", platform.EventMessage{Type: "image"}, "[Image message]"},
		{"video placeholder", platform.EventMessage{Type: "video"}, "[Video message]"},
		{"missing kind", platform.EventMessage{}, "[Unknown message]"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := webhook.SynthesizeContent(&tc.msg); got != tc.want {
				t.Errorf("SynthesizeContent(%+v) = %q, want %q", tc.msg, got, tc.want)
			}
		})
	}
}
