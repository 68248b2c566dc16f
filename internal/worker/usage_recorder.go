package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	proxy "github.com/eugener/palantir/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []proxy.UsageRecord) error
}

// UserLedger credits token usage to proxy user tokens.
type UserLedger interface {
	IncrementTokenCount(ctx context.Context, token string, input, output int64) error
}

// UsageRecorder buffers usage records and batch-flushes them to the store,
// crediting user-token ledgers along the way. Records are dropped if the
// channel is full (back-pressure on slow DB).
type UsageRecorder struct {
	ch       chan proxy.UsageRecord
	store    UsageStore
	users    UserLedger       // may be nil
	queueLen prometheus.Gauge // may be nil
}

// NewUsageRecorder creates a UsageRecorder backed by store. users and
// queueLen are optional.
func NewUsageRecorder(store UsageStore, users UserLedger, queueLen prometheus.Gauge) *UsageRecorder {
	return &UsageRecorder{
		ch:       make(chan proxy.UsageRecord, usageChanSize),
		store:    store,
		users:    users,
		queueLen: queueLen,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record. It never blocks; drops on full channel.
func (u *UsageRecorder) Record(r proxy.UsageRecord) {
	select {
	case u.ch <- r:
		u.gauge()
	default:
		slog.Warn("usage record dropped, channel full")
	}
}

// Run processes records until ctx is cancelled, then drains remaining records.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]proxy.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			u.gauge()
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining records with a timeout.
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []proxy.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			u.gauge()
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []proxy.UsageRecord) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]proxy.UsageRecord, len(buf))
	copy(batch, buf)

	// Request IDs double as primary keys; backfill off the hot path if a
	// caller left one empty.
	for i := range batch {
		if batch[i].RequestID == "" {
			batch[i].RequestID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}

	if u.users == nil {
		return
	}
	for _, r := range batch {
		if r.UserToken == "" {
			continue
		}
		err := u.users.IncrementTokenCount(ctx, r.UserToken,
			int64(r.PromptTokens), int64(r.CompletionTokens))
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "user token credit failed",
				slog.String("request_id", r.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (u *UsageRecorder) gauge() {
	if u.queueLen != nil {
		u.queueLen.Set(float64(len(u.ch)))
	}
}
