// Package server exposes the inbound HTTP surface: the signed webhook
// endpoint, the registration trigger, and the health check.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/taskline/taskline/internal/config"
	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/logger"
	"github.com/taskline/taskline/internal/platform"
	"github.com/taskline/taskline/internal/queue"
	"github.com/taskline/taskline/internal/webhook"
)

// maxBodySize bounds inbound webhook bodies.
const maxBodySize = 1 << 20

// Enqueuer is the slice of the queue the server needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte) error
}

// Server is the inbound HTTP server.
type Server struct {
	store     database.Store
	queue     Enqueuer
	registrar *webhook.Registrar
	logger    *slog.Logger
	cfg       config.ServerConfig

	httpServer *http.Server
}

// New creates the HTTP server with its routes wired.
func New(store database.Store, q Enqueuer, registrar *webhook.Registrar, log *slog.Logger, cfg config.ServerConfig) *Server {
	s := &Server{
		store:     store,
		queue:     q,
		registrar: registrar,
		logger:    log.With("component", "http_server"),
		cfg:       cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("POST /integrations/{id}/register", s.handleRegister)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           logger.Middleware(s.logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the configured root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	s.logger.Info("HTTP server stopped.")
	return nil
}

// handleWebhook verifies the platform signature, records webhook liveness,
// and durably enqueues one job per event before acknowledging. The 200
// response is the at-least-once handoff point: everything after it happens
// on the queue.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload platform.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.WarnContext(ctx, "Rejecting undecodable webhook body", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	integ, err := s.resolveIntegration(ctx, payload.Destination)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to resolve webhook integration", "destination", payload.Destination, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if integ == nil {
		s.logger.WarnContext(ctx, "Webhook for unknown destination rejected", "destination", payload.Destination)
		http.Error(w, "unknown destination", http.StatusUnauthorized)
		return
	}

	if !validSignature(body, r.Header.Get("X-Signature"), integ.ChannelSecret) {
		s.logger.WarnContext(ctx, "Webhook signature mismatch", "integration_id", integ.ID)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if err := s.store.TouchIntegrationWebhook(ctx, integ.ID, time.Now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "Failed to record webhook receipt", "integration_id", integ.ID, "error", err)
	}

	for _, ev := range payload.Events {
		jobPayload, err := json.Marshal(ev)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to encode event for queue", "type", ev.Type, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := s.queue.Enqueue(ctx, queue.KindWebhookEvent, jobPayload); err != nil {
			// Without a durable job the platform must redeliver; refuse the ACK.
			s.logger.ErrorContext(ctx, "Failed to enqueue webhook event", "type", ev.Type, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// resolveIntegration finds the integration addressed by the webhook's
// destination channel, falling back to the single active integration when
// the destination is absent or unmapped.
func (s *Server) resolveIntegration(ctx context.Context, destination string) (*database.Integration, error) {
	if destination != "" {
		integ, err := s.store.GetIntegrationByChannelID(ctx, destination)
		if err != nil {
			return nil, err
		}
		if integ != nil {
			return integ, nil
		}
	}

	active, err := s.store.ListActiveIntegrations(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 1 {
		return active[0], nil
	}
	return nil, nil
}

func validSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid integration id", http.StatusBadRequest)
		return
	}

	if err := s.registrar.Register(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "Webhook registration failed", "integration_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":       "registered",
		"callback_url": s.registrar.CallbackURL(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
