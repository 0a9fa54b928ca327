// Package webhook implements the inbound event pipeline: classification,
// group/integration resolution, idempotent message ingestion, and webhook
// registration.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/platform"
)

// Dispatcher classifies inbound webhook events and routes them to the
// pipeline. Unknown event types are logged and ignored. Errors returned
// from Dispatch are retryable by the job scheduler; the known
// business-level skips are absorbed here.
type Dispatcher struct {
	store    database.Store
	client   platform.Client
	resolver *GroupResolver
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(store database.Store, client platform.Client, resolver *GroupResolver, ingestor *Ingestor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		client:   client,
		resolver: resolver,
		ingestor: ingestor,
		logger:   logger.With("component", "event_dispatcher"),
	}
}

// Dispatch routes one event by type. Every handler tolerates redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev platform.Event) error {
	switch ev.Type {
	case platform.EventTypeMessage:
		return d.handleMessage(ctx, ev)
	case platform.EventTypeJoin:
		return d.handleJoin(ctx, ev)
	case platform.EventTypeLeave:
		return d.handleLeave(ctx, ev)
	case platform.EventTypeMemberJoined, platform.EventTypeMemberLeft:
		return d.handleMembershipChange(ctx, ev)
	case platform.EventTypeFollow, platform.EventTypeUnfollow:
		// 1:1 follow state is outside the group pipeline; record and move on.
		d.logger.InfoContext(ctx, "Follow state event received", "type", ev.Type, "user_id", ev.Source.UserID)
		return nil
	default:
		d.logger.WarnContext(ctx, "Unknown event type ignored", "type", ev.Type)
		return nil
	}
}

// resolve wraps GroupResolver.Resolve, absorbing the documented
// non-retryable outcomes. A nil group with nil error means skip.
func (d *Dispatcher) resolve(ctx context.Context, ev platform.Event) (*database.Integration, *database.Group, error) {
	integ, group, err := d.resolver.Resolve(ctx, ev.Source.GroupID)
	if err != nil {
		if errors.Is(err, ErrNoIntegration) || errors.Is(err, ErrAmbiguousIntegration) || errors.Is(err, ErrGroupUnavailable) {
			d.logger.WarnContext(ctx, "Event skipped, group not resolvable",
				"type", ev.Type, "external_group_id", ev.Source.GroupID, "reason", err)
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return integ, group, nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, ev platform.Event) error {
	if ev.Message == nil {
		d.logger.WarnContext(ctx, "Message event without message payload ignored")
		return nil
	}

	_, group, err := d.resolve(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to resolve group for message %q: %w", ev.Message.ID, err)
	}
	if group == nil {
		return nil
	}

	return d.ingestor.Ingest(ctx, group, ev)
}

// handleJoin records the bot being added to a group; resolution creates
// the group row if it does not exist yet.
func (d *Dispatcher) handleJoin(ctx context.Context, ev platform.Event) error {
	_, group, err := d.resolve(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to resolve joined group %q: %w", ev.Source.GroupID, err)
	}
	if group == nil {
		return nil
	}

	if !group.Active {
		if err := d.store.SetGroupActive(ctx, group.ID, true); err != nil {
			return err
		}
	}
	d.logger.InfoContext(ctx, "Joined group", "group_id", group.ID, "external_group_id", group.ExternalID)
	return nil
}

// handleLeave deactivates the group; the row and its messages are kept.
func (d *Dispatcher) handleLeave(ctx context.Context, ev platform.Event) error {
	group, err := d.store.FindGroupByExternalID(ctx, ev.Source.GroupID)
	if err != nil {
		return err
	}
	if group == nil {
		d.logger.DebugContext(ctx, "Leave event for unknown group ignored", "external_group_id", ev.Source.GroupID)
		return nil
	}

	if err := d.store.SetGroupActive(ctx, group.ID, false); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "Left group, deactivated", "group_id", group.ID, "external_group_id", group.ExternalID)
	return nil
}

// handleMembershipChange refreshes the member count from the platform.
// Adapter failures here are non-fatal: the count self-corrects on the
// next membership event.
func (d *Dispatcher) handleMembershipChange(ctx context.Context, ev platform.Event) error {
	integ, group, err := d.resolve(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to resolve group %q for membership change: %w", ev.Source.GroupID, err)
	}
	if group == nil {
		return nil
	}

	count, err := d.client.GetGroupMemberCount(ctx, integ, group.ExternalID)
	if err != nil {
		d.logger.WarnContext(ctx, "Member count refresh failed", "group_id", group.ID, "error", err)
		return nil
	}

	if err := d.store.SetGroupMemberCount(ctx, group.ID, count); err != nil {
		return err
	}
	if err := d.store.TouchGroupActivity(ctx, group.ID, ev.Time()); err != nil {
		d.logger.WarnContext(ctx, "Failed to update group activity", "group_id", group.ID, "error", err)
	}
	return nil
}

// HandleJob adapts Dispatch to the queue: payloads are JSON-encoded
// platform events.
func (d *Dispatcher) HandleJob(ctx context.Context, payload []byte) error {
	var ev platform.Event
	if err := decodeEvent(payload, &ev); err != nil {
		// Undecodable payloads will never succeed; absorb instead of retrying.
		d.logger.ErrorContext(ctx, "Dropping undecodable event payload", "error", err)
		return nil
	}
	return d.Dispatch(ctx, ev)
}
