package tasks

import (
	"context"
	"time"
)

// newQueueMaintenanceTask returns stuck processing claims to pending after
// the visibility timeout, recovering work lost to crashed workers.
func newQueueMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "queue_maintenance")

	return func(ctx context.Context) error {
		timeoutCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if err := deps.Queue.Maintenance(timeoutCtx, deps.Config.Queue.VisibilityTimeout); err != nil {
			log.ErrorContext(ctx, "Queue maintenance failed", "error", err)
			return err
		}
		return nil
	}
}
