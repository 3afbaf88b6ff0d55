package engine

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner drives several account engines in parallel. Each engine keeps its
// own loop; nothing is shared between them.
type Runner struct {
	engines []*Engine
	logger  *slog.Logger
}

func NewRunner(logger *slog.Logger, engines ...*Engine) *Runner {
	return &Runner{engines: engines, logger: logger}
}

// Run blocks until ctx is cancelled and every engine has returned.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting delivery engines", "accounts", len(r.engines))
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range r.engines {
		e := e
		g.Go(func() error {
			return e.Run(ctx)
		})
	}
	return g.Wait()
}
