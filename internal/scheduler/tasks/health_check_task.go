package tasks

import (
	"context"
	"time"
)

// newIntegrationHealthCheckTask evaluates the integration escalation guard
// on a schedule, independent of the send path.
func newIntegrationHealthCheckTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "integration_health_check")

	return func(ctx context.Context) error {
		timeoutCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if err := deps.HealthChecker.Run(timeoutCtx); err != nil {
			log.ErrorContext(ctx, "Integration health check failed", "error", err)
			return err
		}
		return nil
	}
}
