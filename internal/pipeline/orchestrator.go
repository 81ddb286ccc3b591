package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs one Runner per stream plus optional housekeeping loops.
// Streams are independent: each owns its cursor and dedup cache, and any
// fatal stream error stops them all.
type Orchestrator struct {
	runners      []*Runner
	housekeeping []func(ctx context.Context) error
	logger       *slog.Logger
}

// NewOrchestrator creates a new Orchestrator over the given runners.
func NewOrchestrator(runners []*Runner, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		runners: runners,
		logger:  logger.With(slog.String("component", "orchestrator")),
	}
}

// AddHousekeeping registers a background loop that runs alongside the
// streams, such as dedup cache cleanup.
func (o *Orchestrator) AddHousekeeping(fn func(ctx context.Context) error) {
	o.housekeeping = append(o.housekeeping, fn)
}

// Runners returns the managed runners.
func (o *Orchestrator) Runners() []*Runner { return o.runners }

// Statuses reports every stream's current phase.
func (o *Orchestrator) Statuses() []Status {
	out := make([]Status, 0, len(o.runners))
	for _, r := range o.runners {
		out = append(out, r.Status())
	}
	return out
}

// Run starts every runner under an errgroup. If any runner returns an
// error, the shared context is cancelled and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	streams := make([]string, 0, len(o.runners))
	for _, r := range o.runners {
		streams = append(streams, string(r.Stream()))
	}
	o.logger.Info("ingestion starting", slog.Any("streams", streams))

	g, ctx := errgroup.WithContext(ctx)

	for _, r := range o.runners {
		g.Go(func() error {
			if err := r.Run(ctx); err != nil {
				return fmt.Errorf("stream %s: %w", r.Stream(), err)
			}
			return nil
		})
	}

	for _, fn := range o.housekeeping {
		g.Go(func() error {
			err := fn(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("ingestion stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("ingestion stopped cleanly")
	return nil
}
