package oauth

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartSweeper periodically deletes expired transient rows and dead
// sessions. Expiry is already enforced lazily at read time; the sweep
// just keeps the tables from accumulating garbage. Returns when ctx is
// cancelled.
func StartSweeper(ctx context.Context, store Store, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.DeleteExpired(ctx, time.Now()); err != nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
