// Package tasks defines the recurring maintenance tasks and their registry.
package tasks

import (
	"log/slog"

	"github.com/taskline/taskline/internal/config"
	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/notify"
	"github.com/taskline/taskline/internal/queue"
)

// TaskDeps carries the dependencies scheduled tasks draw on.
type TaskDeps struct {
	Logger        *slog.Logger
	Store         database.Store
	Queue         *queue.Queue
	HealthChecker *notify.HealthChecker
	Config        *config.Config
}
