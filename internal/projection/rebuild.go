package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/readmodel"
)

// RebuildReport summarizes a rebuild. A cancelled rebuild is not an error:
// Cancelled is set and, for AtomicSwap, the shadow store was discarded.
type RebuildReport struct {
	Projection   string
	Mode         config.RebuildMode
	Processed    int64
	Total        int64
	LastPosition int64
	Cancelled    bool
	// Promoted is set once an AtomicSwap shadow replaced the live model.
	Promoted bool
	Duration time.Duration
}

// Rebuild replays every event up to the current head into name, from
// position 1, ignoring the checkpoint. The live worker of name is paused for
// the duration.
//
// Only the projection's own collections are replaced. AtomicSwap builds into
// a shadow store and promotes it on completion; readers see the old model
// until then, and a failure before promotion leaves the live projection as
// it was. InPlace clears the live collections first, so readers observe the
// rebuild in progress and a failure marks the projection Failed.
func (e *Engine) Rebuild(ctx context.Context, name string, mode config.RebuildMode) (RebuildReport, error) {
	p, err := e.lookup(name)
	if err != nil {
		return RebuildReport{}, err
	}

	p.work.Lock()
	defer p.work.Unlock()

	p.mu.Lock()
	wasFailed := p.status == Failed
	p.mu.Unlock()
	e.transition(p, Rebuilding)

	start := time.Now()
	report, err := e.rebuild(ctx, p, mode)
	report.Duration = time.Since(start)
	if err != nil && (mode != config.AtomicSwap || report.Promoted) {
		e.fail(p, err)
		return report, err
	}

	p.mu.Lock()
	running := p.running
	if err == nil && !report.Cancelled {
		// The replayed model replaces the state that failed.
		p.lastErr = nil
	}
	p.mu.Unlock()
	switch {
	case wasFailed && (err != nil || report.Cancelled):
		e.transition(p, Failed)
	case running:
		e.transition(p, Running)
	default:
		e.transition(p, Stopped)
	}

	if err != nil {
		e.logger.Error().
			Err(err).
			Str("projection", name).
			Str("mode", mode.String()).
			Msg("rebuild abandoned, live model kept")
		return report, err
	}
	e.logger.Info().
		Str("projection", name).
		Str("mode", mode.String()).
		Int64("processed", report.Processed).
		Bool("cancelled", report.Cancelled).
		Dur("duration", report.Duration).
		Msg("rebuild finished")
	return report, nil
}

func (e *Engine) rebuild(ctx context.Context, p *projection, mode config.RebuildMode) (RebuildReport, error) {
	report := RebuildReport{Projection: p.def.Name, Mode: mode}
	total, err := e.log.LastPosition(ctx)
	if err != nil {
		if ctx.Err() != nil {
			report.Cancelled = true
			return report, nil
		}
		return report, fmt.Errorf("read last position: %w", err)
	}
	report.Total = total

	var (
		target readmodel.Store
		shadow readmodel.Shadow
	)
	switch mode {
	case config.AtomicSwap:
		shadow, err = p.def.Store.Shadow(ctx, p.def.Collections...)
		if err != nil {
			return report, fmt.Errorf("create shadow store: %w", err)
		}
		target = shadow
	case config.InPlace:
		if err := p.def.Store.Clear(ctx, p.def.Collections...); err != nil {
			return report, fmt.Errorf("clear live store: %w", err)
		}
		if err := p.checkpoints.Reset(ctx, p.def.Name, 0); err != nil {
			return report, fmt.Errorf("reset checkpoint: %w", err)
		}
		target = p.def.Store
	default:
		return report, fmt.Errorf("unknown rebuild mode %s", mode)
	}

	cancelled := func() (RebuildReport, error) {
		report.Cancelled = true
		if shadow != nil {
			if err := shadow.Discard(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn().Err(err).Str("projection", p.def.Name).Msg("discard shadow store")
			}
		}
		return report, nil
	}

	gaps := gapGuard{settle: p.opts.GapSettle}
	cursor := int64(0)
	for cursor < total {
		if ctx.Err() != nil {
			return cancelled()
		}
		events, err := e.log.ReadAll(ctx, cursor+1, p.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			return e.abandon(shadow, report, fmt.Errorf("read after position %d: %w", cursor, err))
		}
		for len(events) > 0 && events[len(events)-1].Position > total {
			events = events[:len(events)-1]
		}
		events = gaps.contiguous(cursor, events, e.now())
		if len(events) == 0 {
			if err := sleep(ctx, p.opts.PollInterval); err != nil {
				return cancelled()
			}
			continue
		}

		if err := e.applyBatch(ctx, p, target, events, mode == config.InPlace); err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrProjectionApplyFailed) {
				return cancelled()
			}
			return e.abandon(shadow, report, err)
		}
		cursor = events[len(events)-1].Position
		report.Processed += int64(len(events))
		report.LastPosition = cursor
		if e.hooks.OnRebuildProgress != nil {
			e.hooks.OnRebuildProgress(p.def.Name, report.Processed, total)
		}
	}

	if shadow != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		if err := shadow.Promote(ctx); err != nil {
			return e.abandon(shadow, report, fmt.Errorf("promote shadow store: %w", err))
		}
		report.Promoted = true
		if err := p.checkpoints.Reset(ctx, p.def.Name, report.LastPosition); err != nil {
			return report, fmt.Errorf("reset checkpoint after promote: %w", err)
		}
		e.checkpointAdvanced(p.def.Name, report.LastPosition)
	}
	return report, nil
}

func (e *Engine) abandon(shadow readmodel.Shadow, report RebuildReport, err error) (RebuildReport, error) {
	if shadow != nil {
		if derr := shadow.Discard(context.Background()); derr != nil {
			e.logger.Warn().Err(derr).Str("projection", report.Projection).Msg("discard shadow store")
		}
	}
	return report, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
