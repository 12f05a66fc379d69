// internal/engine/sweeper.go
package engine

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper expires overdue links on a fixed interval until ctx is
// cancelled. It is the only writer for the active -> expired edge; racing
// claims are resolved by the store's CAS.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := e.ExpireDue(ctx, now.UTC()); err != nil {
				slog.Error("expiry sweep failed", "error", err)
			}
		}
	}
}
