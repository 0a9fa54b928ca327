package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/platform"
)

// Registrar performs the one-shot webhook setup flow for an integration:
// build the callback URL, register it with the platform, and transition
// the integration's status. Re-registration is only ever triggered by an
// explicit caller.
type Registrar struct {
	store         database.Store
	client        platform.Client
	publicBaseURL string
	logger        *slog.Logger
}

// NewRegistrar creates a webhook registrar. publicBaseURL is the
// externally reachable base the platform will call back on.
func NewRegistrar(store database.Store, client platform.Client, publicBaseURL string, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		store:         store,
		client:        client,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger.With("component", "webhook_registrar"),
	}
}

// CallbackURL returns the webhook endpoint handed to the platform.
func (r *Registrar) CallbackURL() string {
	return r.publicBaseURL + "/webhook"
}

// Register runs the registration flow for the integration. On success the
// integration becomes active with its webhook URL recorded. On a platform
// rejection or a transport failure the status moves to error and the
// webhook URL is left unset; the error is returned so the caller can
// surface it.
func (r *Registrar) Register(ctx context.Context, integrationID int64) error {
	integ, err := r.store.GetIntegrationByID(ctx, integrationID)
	if err != nil {
		return err
	}
	if integ == nil {
		return fmt.Errorf("integration %d not found", integrationID)
	}

	callbackURL := r.CallbackURL()
	result, err := r.client.RegisterWebhook(ctx, integ, callbackURL)
	if err != nil {
		if statusErr := r.store.SetIntegrationStatus(ctx, integ.ID, database.IntegrationStatusError); statusErr != nil {
			r.logger.ErrorContext(ctx, "Failed to record registration failure", "integration_id", integ.ID, "error", statusErr)
		}
		return fmt.Errorf("webhook registration for integration %d failed: %w", integ.ID, err)
	}

	if !result.Success {
		r.logger.WarnContext(ctx, "Webhook registration rejected by platform",
			"integration_id", integ.ID, "reason", result.Error)
		if statusErr := r.store.SetIntegrationStatus(ctx, integ.ID, database.IntegrationStatusError); statusErr != nil {
			r.logger.ErrorContext(ctx, "Failed to record registration rejection", "integration_id", integ.ID, "error", statusErr)
		}
		return fmt.Errorf("webhook registration for integration %d rejected: %s", integ.ID, result.Error)
	}

	if err := r.store.SetIntegrationRegistered(ctx, integ.ID, callbackURL); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Webhook registered", "integration_id", integ.ID, "callback_url", callbackURL)
	return nil
}

func decodeEvent(payload []byte, ev *platform.Event) error {
	if err := json.Unmarshal(payload, ev); err != nil {
		return fmt.Errorf("failed to decode event payload: %w", err)
	}
	if ev.Type == "" {
		return fmt.Errorf("event payload missing type")
	}
	return nil
}
