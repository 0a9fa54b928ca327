package webhook_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/platform"
	"github.com/taskline/taskline/internal/webhook"
)

func TestRegisterSuccess(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeClient{registerResult: &platform.RegisterResult{Success: true}}
	integ := seedIntegration(t, store, "chan-1", false)

	registrar := webhook.NewRegistrar(store, client, "https://taskline.example.com/", discardLogger())

	if err := registrar.Register(context.Background(), integ.ID); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	got, err := store.GetIntegrationByID(context.Background(), integ.ID)
	if err != nil {
		t.Fatalf("failed to fetch integration: %v", err)
	}
	if got.Status != database.IntegrationStatusActive {
		t.Fatalf("expected active status, got %q", got.Status)
	}
	if got.WebhookURL != "https://taskline.example.com/webhook" {
		t.Fatalf("unexpected webhook url %q", got.WebhookURL)
	}
	if !got.Active {
		t.Fatal("expected active flag after registration")
	}
}

func TestRegisterPlatformRejection(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeClient{registerResult: &platform.RegisterResult{Success: false, Error: "invalid_url"}}
	integ := seedIntegration(t, store, "chan-1", false)

	registrar := webhook.NewRegistrar(store, client, "https://taskline.example.com", discardLogger())

	err := registrar.Register(context.Background(), integ.ID)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "invalid_url") {
		t.Fatalf("expected rejection reason in error, got %v", err)
	}

	got, fetchErr := store.GetIntegrationByID(context.Background(), integ.ID)
	if fetchErr != nil {
		t.Fatalf("failed to fetch integration: %v", fetchErr)
	}
	if got.Status != database.IntegrationStatusError {
		t.Fatalf("expected error status after rejection, got %q", got.Status)
	}
	if got.WebhookURL != "" {
		t.Fatalf("webhook url must stay unset on rejection, got %q", got.WebhookURL)
	}
}

func TestRegisterTransportFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	client := &fakeClient{registerErr: errors.New("connection refused")}
	integ := seedIntegration(t, store, "chan-1", false)

	registrar := webhook.NewRegistrar(store, client, "https://taskline.example.com", discardLogger())

	if err := registrar.Register(context.Background(), integ.ID); err == nil {
		t.Fatal("expected transport error")
	}

	got, err := store.GetIntegrationByID(context.Background(), integ.ID)
	if err != nil {
		t.Fatalf("failed to fetch integration: %v", err)
	}
	if got.Status != database.IntegrationStatusError {
		t.Fatalf("expected error status after transport failure, got %q", got.Status)
	}
}

func TestRegisterUnknownIntegration(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	registrar := webhook.NewRegistrar(store, &fakeClient{}, "https://taskline.example.com", discardLogger())

	if err := registrar.Register(context.Background(), 9999); err == nil {
		t.Fatal("expected error for unknown integration")
	}
}
