package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises a worker set as one unit: all start together, the first
// failure cancels the rest.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner over the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run blocks until every worker returns. Cancellation of ctx is the normal
// shutdown path; the first non-nil, non-cancel error propagates out.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		slog.Info("worker started", "type", w.Name())
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
