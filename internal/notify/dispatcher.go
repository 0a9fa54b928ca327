// Package notify implements outbound notification dispatch with quiet
// hours, per-integration rate limiting, and integration health escalation.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/platform"
)

// SendOptions modifies a single send.
type SendOptions struct {
	// Urgent bypasses the quiet-hours check entirely.
	Urgent bool
}

// Options tunes the dispatcher.
type Options struct {
	// SendsPerMinute and Burst bound each integration's outbound rate.
	SendsPerMinute int
	Burst          int
	// StaleWebhookAfter is how long without an inbound webhook before a
	// send failure escalates the integration to error status.
	StaleWebhookAfter time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Dispatcher sends outbound messages subject to integration eligibility,
// rate limits, and quiet hours, and escalates integration health on
// failure against a stale webhook.
type Dispatcher struct {
	store  database.Store
	client platform.Client
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(store database.Store, client platform.Client, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendsPerMinute <= 0 {
		opts.SendsPerMinute = 60
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.StaleWebhookAfter <= 0 {
		opts.StaleWebhookAfter = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		store:    store,
		client:   client,
		logger:   logger.With("component", "notification_dispatcher"),
		opts:     opts,
		limiters: make(map[int64]*rate.Limiter),
	}
}

func (d *Dispatcher) limiter(integrationID int64) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[integrationID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(d.opts.SendsPerMinute)/60.0), d.opts.Burst)
		d.limiters[integrationID] = lim
	}
	return lim
}

// Send delivers text to the target group through the integration.
//
// Ineligible integrations (status error, inactive, or over their send
// rate) make the send a logged no-op. Non-urgent sends inside the quiet
// window are suppressed. A platform send failure records the failure,
// escalates the integration to error when its webhook feed has gone
// stale, and returns the error so the job scheduler can apply backoff.
func (d *Dispatcher) Send(ctx context.Context, integ *database.Integration, text, targetGroupID string, opts SendOptions) error {
	log := d.logger.With("integration_id", integ.ID, "target_group_id", targetGroupID)

	if integ.Status == database.IntegrationStatusError || !integ.Active {
		log.InfoContext(ctx, "Send skipped, integration not eligible", "status", integ.Status, "active", integ.Active)
		return nil
	}
	if !d.limiter(integ.ID).Allow() {
		log.WarnContext(ctx, "Send skipped, integration over send rate")
		return nil
	}

	now := d.opts.Now()
	if !opts.Urgent && integ.QuietHoursEnabled {
		if w := WindowFor(integ); w.Suppressed(now) {
			log.InfoContext(ctx, "Send suppressed by quiet hours", "window_start", w.Start, "window_end", w.End)
			return nil
		}
	}

	if err := d.client.SendMessage(ctx, integ, targetGroupID, text); err != nil {
		log.ErrorContext(ctx, "Notification send failed", "error", err)
		if recErr := d.store.RecordIntegrationSendFailure(ctx, integ.ID, now); recErr != nil {
			log.ErrorContext(ctx, "Failed to record send failure", "error", recErr)
		}
		if WebhookStale(integ, now, d.opts.StaleWebhookAfter) {
			log.ErrorContext(ctx, "Escalating integration to error status, webhook feed is stale",
				"last_webhook_at", integ.LastWebhookAt.Time)
			if statusErr := d.store.SetIntegrationStatus(ctx, integ.ID, database.IntegrationStatusError); statusErr != nil {
				log.ErrorContext(ctx, "Failed to escalate integration status", "error", statusErr)
			}
		}
		return fmt.Errorf("failed to send notification via integration %d: %w", integ.ID, err)
	}

	if err := d.store.TouchIntegrationActivity(ctx, integ.ID, now); err != nil {
		log.WarnContext(ctx, "Failed to update integration activity", "error", err)
	}
	return nil
}

// WebhookStale reports whether the integration's inbound webhook feed has
// been silent longer than the threshold. An integration that has never
// received a webhook is considered stale.
func WebhookStale(integ *database.Integration, now time.Time, staleAfter time.Duration) bool {
	if !integ.LastWebhookAt.Valid {
		return true
	}
	return now.Sub(integ.LastWebhookAt.Time) > staleAfter
}
