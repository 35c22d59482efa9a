package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/readmodel"
)

// Run processes name until ctx is cancelled or an event fails to apply.
// Between batches it waits for an append signal or the poll interval,
// whichever comes first. Cancellation stops the worker and returns nil; an
// apply failure leaves the projection Failed and is returned as *ApplyError.
func (e *Engine) Run(ctx context.Context, name string) error {
	p, err := e.lookup(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	switch {
	case p.running:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	case p.status == Failed:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFailed, name)
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		status := p.status
		p.mu.Unlock()
		if status != Failed && status != Rebuilding {
			e.transition(p, Stopped)
		}
	}()

	e.transition(p, Starting)
	if _, _, err := p.checkpoints.Get(ctx, name); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		err = fmt.Errorf("load checkpoint %s: %w", name, err)
		e.fail(p, err)
		return err
	}
	e.transition(p, Running)
	e.logger.Info().Str("projection", name).Msg("projection started")

	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	for {
		wake := e.wake()
		n, err := e.step(ctx, p)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrFailed):
				// A rebuild failed while this worker was paused.
				return err
			}
			e.fail(p, err)
			return err
		}
		if n > 0 {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			e.logger.Info().Str("projection", name).Msg("projection stopped")
			return nil
		case <-wake:
		case <-timer.C:
		}
	}
}

// CatchUp processes name until it reaches the head of the log and returns
// the number of events applied. It does not wait for new events.
func (e *Engine) CatchUp(ctx context.Context, name string) (int, error) {
	p, err := e.lookup(name)
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		n, err := e.step(ctx, p)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrFailed) {
				e.fail(p, err)
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

func (e *Engine) wake() <-chan struct{} {
	if e.signal == nil {
		return nil
	}
	return e.signal.Wait()
}

// step applies the next batch after the checkpoint. It returns the number of
// events applied.
func (e *Engine) step(ctx context.Context, p *projection) (int, error) {
	p.work.Lock()
	defer p.work.Unlock()

	p.mu.Lock()
	failed := p.status == Failed
	p.mu.Unlock()
	if failed {
		return 0, fmt.Errorf("%w: %s", ErrFailed, p.def.Name)
	}

	cp, _, err := p.checkpoints.Get(ctx, p.def.Name)
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", p.def.Name, err)
	}
	events, err := e.log.ReadAll(ctx, cp.Position+1, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read after position %d: %w", cp.Position, err)
	}
	events = p.gaps.contiguous(cp.Position, events, e.now())
	if len(events) == 0 {
		return 0, nil
	}
	if err := e.applyBatch(ctx, p, p.def.Store, events, true); err != nil {
		return 0, err
	}
	return len(events), nil
}

// applyBatch applies events to store in one transaction. With checkpointing,
// SameDatabase saves the checkpoint inside that transaction and Separate
// saves it after commit, best-effort.
func (e *Engine) applyBatch(ctx context.Context, p *projection, store readmodel.Store, events []eventlog.Event, withCheckpoint bool) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin read-model transaction: %w", err)
	}
	defer tx.Rollback()

	for _, evt := range events {
		if err := e.applyEvent(ctx, p, tx, evt); err != nil {
			return err
		}
	}

	last := events[len(events)-1].Position
	sameDB := withCheckpoint && p.opts.CheckpointStorage == config.SameDatabase
	if sameDB {
		if err := p.txCheckpoints.SaveTx(ctx, tx, p.def.Name, last); err != nil {
			return fmt.Errorf("save checkpoint %s: %w", p.def.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit read-model transaction: %w", err)
	}
	if !withCheckpoint {
		return nil
	}
	if !sameDB {
		if err := p.checkpoints.Save(ctx, p.def.Name, last); err != nil {
			// The batch will be applied again after a restart.
			e.logger.Warn().
				Err(err).
				Str("projection", p.def.Name).
				Int64("position", last).
				Msg("save checkpoint after commit")
			return nil
		}
	}
	e.checkpointAdvanced(p.def.Name, last)
	e.logger.Debug().
		Str("projection", p.def.Name).
		Int64("position", last).
		Int("count", len(events)).
		Msg("batch applied")
	return nil
}

func (e *Engine) applyEvent(ctx context.Context, p *projection, tx readmodel.Tx, evt eventlog.Event) error {
	fail := func(err error) error {
		return &ApplyError{Projection: p.def.Name, Event: evt, Err: err}
	}
	if !p.table.Handles(evt.Type) {
		return nil
	}
	upcast, err := e.upcasters.Upcast(evt)
	if err != nil {
		return fail(err)
	}
	r, err := e.process(p.pctx, p, upcast)
	if err != nil {
		return fail(err)
	}
	if err := Apply(ctx, tx, r); err != nil {
		return fail(err)
	}
	return nil
}

// gapGuard holds back events after a missing global position until the gap
// has been open for settle, giving a slower concurrent commit time to land.
// With settle 0 positions are treated as gapless.
type gapGuard struct {
	settle  time.Duration
	pending int64 // first missing position being waited on
	since   time.Time
}

func (g *gapGuard) contiguous(cursor int64, events []eventlog.Event, now time.Time) []eventlog.Event {
	if g.settle <= 0 {
		return events
	}
	next := cursor + 1
	for i, evt := range events {
		if evt.Position != next {
			if g.pending != next {
				g.pending = next
				g.since = now
			}
			if now.Sub(g.since) < g.settle {
				return events[:i]
			}
			g.pending = 0
		}
		next = evt.Position + 1
	}
	return events
}
