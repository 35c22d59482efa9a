package projection

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoProjections indicates that there is nothing to run.
var ErrNoProjections = errors.New("no projections to run")

// Runner runs projections concurrently, one worker each. A failing
// projection stops only itself; the others keep running until ctx ends.
type Runner struct {
	engine *Engine
	names  []string
}

// NewRunner runs the named projections of engine, or all registered ones
// when no names are given.
func NewRunner(engine *Engine, names ...string) *Runner {
	return &Runner{engine: engine, names: names}
}

// Run blocks until every worker has returned. It returns the first worker
// error, or nil when all stopped because ctx was cancelled.
func (r *Runner) Run(ctx context.Context) error {
	names := r.names
	if len(names) == 0 {
		names = r.engine.Names()
	}
	if len(names) == 0 {
		return ErrNoProjections
	}
	for _, name := range names {
		if _, err := r.engine.lookup(name); err != nil {
			return err
		}
	}

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			return r.engine.Run(ctx, name)
		})
	}
	return g.Wait()
}

// Supervise runs like Run, but a projection that fails is not given up on:
// its worker waits until the projection leaves Failed (see Engine.Restart
// and Engine.Rebuild) and then resumes. It returns nil once ctx is cancelled.
func (r *Runner) Supervise(ctx context.Context) error {
	names := r.names
	if len(names) == 0 {
		names = r.engine.Names()
	}
	if len(names) == 0 {
		return ErrNoProjections
	}
	for _, name := range names {
		if _, err := r.engine.lookup(name); err != nil {
			return err
		}
	}

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			return r.supervise(ctx, name)
		})
	}
	return g.Wait()
}

func (r *Runner) supervise(ctx context.Context, name string) error {
	p, err := r.engine.lookup(name)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		err := r.engine.Run(ctx, name)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, ErrFailed) && !errors.Is(err, ErrProjectionApplyFailed) {
			r.engine.logger.Warn().Err(err).Str("projection", name).Msg("projection worker stopped")
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if status, _ := r.engine.Status(name); status != Failed {
				break
			}
		}
		r.engine.logger.Info().Str("projection", name).Msg("resuming projection")
	}
}
