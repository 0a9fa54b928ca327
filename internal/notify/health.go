package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskline/taskline/internal/database"
)

// HealthChecker evaluates the escalation guard on a schedule, independent
// of the send path, so a degraded integration is flagged even when no
// further sends are attempted.
type HealthChecker struct {
	store             database.Store
	logger            *slog.Logger
	staleWebhookAfter time.Duration
	sendFailureWindow time.Duration
	now               func() time.Time
}

// NewHealthChecker creates the scheduled integration health check.
func NewHealthChecker(store database.Store, logger *slog.Logger, staleWebhookAfter, sendFailureWindow time.Duration, now func() time.Time) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &HealthChecker{
		store:             store,
		logger:            logger.With("component", "health_checker"),
		staleWebhookAfter: staleWebhookAfter,
		sendFailureWindow: sendFailureWindow,
		now:               now,
	}
}

// Run checks every active integration and escalates those matching the
// guard: a recent send failure combined with a stale webhook feed.
func (h *HealthChecker) Run(ctx context.Context) error {
	integrations, err := h.store.ListActiveIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("health check failed to list integrations: %w", err)
	}

	now := h.now()
	escalated := 0
	for _, integ := range integrations {
		if !h.ShouldEscalate(integ, now) {
			continue
		}
		h.logger.WarnContext(ctx, "Health check escalating integration",
			"integration_id", integ.ID,
			"last_webhook_at", integ.LastWebhookAt.Time,
			"last_send_failure_at", integ.LastSendFailureAt.Time)
		if err := h.store.SetIntegrationStatus(ctx, integ.ID, database.IntegrationStatusError); err != nil {
			return err
		}
		escalated++
	}

	if escalated > 0 {
		h.logger.InfoContext(ctx, "Health check finished", "checked", len(integrations), "escalated", escalated)
	}
	return nil
}

// ShouldEscalate is the explicit state-machine guard: only active-status
// integrations with a send failure inside the failure window and a
// webhook feed stale beyond the threshold escalate.
func (h *HealthChecker) ShouldEscalate(integ *database.Integration, now time.Time) bool {
	if integ.Status != database.IntegrationStatusActive {
		return false
	}
	if !integ.LastSendFailureAt.Valid || now.Sub(integ.LastSendFailureAt.Time) > h.sendFailureWindow {
		return false
	}
	return WebhookStale(integ, now, h.staleWebhookAfter)
}
