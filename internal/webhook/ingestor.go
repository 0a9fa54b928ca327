package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/platform"
	"github.com/taskline/taskline/internal/queue"
)

// Enqueuer is the slice of the queue the ingestor needs to hand off
// extraction work.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte) error
}

// Ingestor persists inbound messages idempotently and hands eligible ones
// to the extraction queue.
type Ingestor struct {
	store  database.Store
	queue  Enqueuer
	logger *slog.Logger
}

// NewIngestor creates a message ingestor.
func NewIngestor(store database.Store, q Enqueuer, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  store,
		queue:  q,
		logger: logger.With("component", "message_ingestor"),
	}
}

// Ingest persists the event's message keyed by its external id. Redelivery
// of an already-seen id is success-via-idempotency. After a fresh persist
// the group's activity timestamp is updated, and text messages under
// auto-parse groups are enqueued for extraction; that enqueue never fails
// the ingestion.
func (i *Ingestor) Ingest(ctx context.Context, group *database.Group, ev platform.Event) error {
	if ev.Message == nil {
		return fmt.Errorf("event has no message payload")
	}

	var userID sql.NullString
	if ev.Source.UserID != "" {
		userID = sql.NullString{String: ev.Source.UserID, Valid: true}
	}

	msg := &database.Message{
		ExternalID: ev.Message.ID,
		GroupID:    group.ID,
		UserID:     userID,
		Content:    SynthesizeContent(ev.Message),
		Kind:       ev.Message.Type,
		Timestamp:  ev.Time(),
	}

	created, err := i.store.CreateMessageIfAbsent(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to ingest message %q: %w", ev.Message.ID, err)
	}
	if !created {
		i.logger.DebugContext(ctx, "Duplicate delivery ignored", "external_id", ev.Message.ID)
		return nil
	}

	if err := i.store.TouchGroupActivity(ctx, group.ID, ev.Time()); err != nil {
		i.logger.WarnContext(ctx, "Failed to update group activity", "group_id", group.ID, "error", err)
	}

	if ev.Message.Type == platform.MessageKindText && group.AutoParse {
		payload, err := json.Marshal(queue.ExtractMessagePayload{MessageID: msg.ID})
		if err != nil {
			i.logger.ErrorContext(ctx, "Failed to encode extraction payload", "message_id", msg.ID, "error", err)
			return nil
		}
		if err := i.queue.Enqueue(ctx, queue.KindExtractMessage, payload); err != nil {
			// Extraction is best-effort from the ingestion's point of view;
			// the message itself is already durable.
			i.logger.ErrorContext(ctx, "Failed to enqueue extraction", "message_id", msg.ID, "error", err)
		}
	}

	return nil
}

// SynthesizeContent returns the stored text for a message event: the text
// itself for text messages, a fixed descriptive placeholder for everything
// else.
func SynthesizeContent(m *platform.EventMessage) string {
	switch m.Type {
	case platform.MessageKindText:
		return m.Text
	case platform.MessageKindSticker:
		return fmt.Sprintf("[Sticker: %s/%s]", m.PackageID, m.StickerID)
	default:
		kind := m.Type
		if kind == "" {
			kind = "Unknown"
		} else {
			kind = strings.ToUpper(kind[:1]) + kind[1:]
		}
		return fmt.Sprintf("[%s message]", kind)
	}
}
