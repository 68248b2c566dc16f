package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	retentionInterval = time.Hour
	defaultRetention  = 30 * 24 * time.Hour
)

// RetentionStore is the persistence interface consumed by UsageRetentionWorker.
type RetentionStore interface {
	PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsageRetentionWorker periodically prunes usage records older than the
// retention window so the database does not grow without bound.
type UsageRetentionWorker struct {
	store RetentionStore
	keep  time.Duration
}

// NewUsageRetentionWorker creates a retention worker. keep <= 0 uses the
// 30-day default.
func NewUsageRetentionWorker(store RetentionStore, keep time.Duration) *UsageRetentionWorker {
	if keep <= 0 {
		keep = defaultRetention
	}
	return &UsageRetentionWorker{store: store, keep: keep}
}

// Name returns the worker identifier.
func (w *UsageRetentionWorker) Name() string { return "usage_retention" }

// Run prunes expired records on a fixed schedule until ctx is cancelled.
func (w *UsageRetentionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.prune(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *UsageRetentionWorker) prune(ctx context.Context) {
	n, err := w.store.PruneUsageBefore(ctx, time.Now().Add(-w.keep))
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "usage records pruned",
			slog.Int64("count", n),
		)
	}
}
