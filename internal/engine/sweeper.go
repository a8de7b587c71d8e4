package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunExpirySweeper expires overdue listings every interval until ctx is done.
func (e Engine) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ExpireOverdue(ctx); err != nil && ctx.Err() == nil {
				e.logger().Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
