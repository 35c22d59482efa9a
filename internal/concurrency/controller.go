// Package concurrency decides at append time whether a proposed write
// conflicts with concurrent writers and how the conflict is resolved.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/policy"
)

var (
	// ErrConcurrencyExhausted matches every *ExhaustedError via errors.Is.
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")

	// ErrResolverRequired is returned when AutomaticRetry has no resolver.
	ErrResolverRequired = errors.New("automatic retry requires a conflict resolver")
)

// ExhaustedError reports that AutomaticRetry gave up on a stream.
type ExhaustedError struct {
	Stream   string
	Attempts int
	Last     *eventlog.ConflictError
	// Cause is set when the overall timeout or the caller's context ended the retries.
	Cause error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("concurrency retries exhausted on stream %q after %d attempts", e.Stream, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrConcurrencyExhausted) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrConcurrencyExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// State is a step of one append attempt.
type State int

const (
	Proposed State = iota
	Committed
	Conflicted
	Retrying
	Failed
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "Proposed"
	case Committed:
		return "Committed"
	case Conflicted:
		return "Conflicted"
	case Retrying:
		return "Retrying"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conflict is what a Resolver sees after a rejected append.
type Conflict struct {
	// Original is the event set the caller first proposed.
	Original []eventlog.EventData
	// Current holds the events committed since the rejected attempt's expected version.
	Current []eventlog.Event
	// Attempted is the event set of the rejected attempt.
	Attempted []eventlog.EventData
	Err       *eventlog.ConflictError
}

// Resolver merges a conflicting write into the stream's current state and
// returns the events to retry with. It is called synchronously and must not
// perform I/O. Returning no events abandons the write.
type Resolver func(pctx policy.Context, c Conflict) ([]eventlog.EventData, error)

// Request is a proposed append.
type Request struct {
	Stream   string
	Expected eventlog.ExpectedVersion
	// LastReadAt is when the caller read the stream; TimestampBased only.
	LastReadAt time.Time
	Events     []eventlog.EventData
	Resolver   Resolver
	// Strategy overrides the configured strategy for this call.
	Strategy *config.ConcurrencyStrategy
}

// Outcome describes a finished append.
type Outcome struct {
	State       State
	Version     int64
	Attempts    int
	Strategy    config.ConcurrencyStrategy
	Transitions []State
}

func (o *Outcome) move(s State) {
	o.State = s
	o.Transitions = append(o.Transitions, s)
}

// Hooks are observability callbacks. Nil hooks are skipped.
type Hooks struct {
	OnConflict func(err *eventlog.ConflictError)
	OnRetry    func(stream string, attempt int, delay time.Duration)
}

// Controller appends to a log under the configured concurrency strategy.
type Controller struct {
	log      eventlog.Log
	provider policy.Provider
	hooks    Hooks
	logger   zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithProvider makes the controller take options per stream type from p
// instead of from the policy context.
func WithProvider(p policy.Provider) Option {
	return func(c *Controller) {
		c.provider = p
	}
}

// WithHooks sets observability hooks.
func WithHooks(h Hooks) Option {
	return func(c *Controller) {
		c.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a Controller over log.
func NewController(log eventlog.Log, opts ...Option) *Controller {
	c := &Controller{log: log, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append commits req.Events to req.Stream. Conflicts are returned as
// *eventlog.ConflictError except under AutomaticRetry, which resolves them
// and fails with *ExhaustedError when attempts or time run out.
func (c *Controller) Append(ctx context.Context, pctx policy.Context, req Request) (Outcome, error) {
	opts := pctx.Options()
	if c.provider != nil {
		opts = c.provider.ForStreamType(eventlog.StreamTypeOf(req.Stream))
	}
	strategy := opts.ConcurrencyStrategy
	if req.Strategy != nil {
		strategy = *req.Strategy
	}
	pctx = pctx.WithOptions(opts)

	out := Outcome{Strategy: strategy}
	out.move(Proposed)

	switch strategy {
	case config.ExpectedVersion:
		return c.appendOnce(ctx, req.Stream, req.Expected, req.Events, out)
	case config.TimestampBased:
		return c.appendIfUnmodified(ctx, req, out)
	case config.AutomaticRetry:
		return c.appendWithRetry(ctx, pctx, opts, req, out)
	case config.LastWriteWins:
		return c.appendOnce(ctx, req.Stream, eventlog.Any(), req.Events, out)
	}
	out.move(Failed)
	return out, fmt.Errorf("unknown concurrency strategy %s", strategy)
}

func (c *Controller) appendOnce(ctx context.Context, stream string, expected eventlog.ExpectedVersion, events []eventlog.EventData, out Outcome) (Outcome, error) {
	out.Attempts++
	version, err := c.log.Append(ctx, stream, expected, events)
	if err != nil {
		if conflict, ok := eventlog.AsConflict(err); ok {
			c.conflicted(conflict, &out)
		}
		out.move(Failed)
		return out, err
	}
	out.Version = version
	out.move(Committed)
	return out, nil
}

// appendIfUnmodified rejects the write when the stream changed after
// LastReadAt. The comparison trusts the log's clock; skew between writers is
// not corrected.
func (c *Controller) appendIfUnmodified(ctx context.Context, req Request, out Outcome) (Outcome, error) {
	head, err := c.log.Head(ctx, req.Stream)
	if err != nil {
		out.move(Failed)
		return out, fmt.Errorf("read head of %s: %w", req.Stream, err)
	}
	if head.Version > 0 && head.UpdatedAt.After(req.LastReadAt) {
		conflict := &eventlog.ConflictError{Stream: req.Stream, Expected: req.Expected, Actual: head.Version}
		c.conflicted(conflict, &out)
		out.move(Failed)
		return out, conflict
	}
	// Pin the version seen above so a writer racing the head check still conflicts.
	expected := eventlog.Exact(head.Version)
	return c.appendOnce(ctx, req.Stream, expected, req.Events, out)
}

func (c *Controller) appendWithRetry(ctx context.Context, pctx policy.Context, opts config.Options, req Request, out Outcome) (Outcome, error) {
	if req.Resolver == nil {
		out.move(Failed)
		return out, ErrResolverRequired
	}
	if opts.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RetryTimeout)
		defer cancel()
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     opts.RetryBaseDelay,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          opts.RetryMultiplier,
		MaxInterval:         opts.RetryMaxDelay,
	}
	bo.Reset()

	maxAttempts := max(opts.MaxRetries, 1)
	expected := req.Expected
	attempted := req.Events
	for {
		out.Attempts++
		version, err := c.log.Append(ctx, req.Stream, expected, attempted)
		if err == nil {
			out.Version = version
			out.move(Committed)
			return out, nil
		}
		conflict, ok := eventlog.AsConflict(err)
		if !ok {
			out.move(Failed)
			if ctx.Err() != nil {
				return out, &ExhaustedError{Stream: req.Stream, Attempts: out.Attempts, Cause: err}
			}
			return out, err
		}
		c.conflicted(conflict, &out)

		if out.Attempts >= maxAttempts {
			out.move(Failed)
			c.logger.Warn().
				Str("stream", req.Stream).
				Int("attempt", out.Attempts).
				Msg("concurrency retries exhausted")
			return out, &ExhaustedError{Stream: req.Stream, Attempts: out.Attempts, Last: conflict}
		}

		delay := bo.NextBackOff()
		if opts.RetryMaxDelay > 0 {
			// Jitter is applied after MaxInterval, so clamp again.
			delay = min(delay, opts.RetryMaxDelay)
		}
		out.move(Retrying)
		if c.hooks.OnRetry != nil {
			c.hooks.OnRetry(req.Stream, out.Attempts+1, delay)
		}
		c.logger.Debug().
			Str("stream", req.Stream).
			Int("attempt", out.Attempts+1).
			Dur("delay", delay).
			Msg("retrying append after conflict")
		if err := sleep(ctx, delay); err != nil {
			out.move(Failed)
			return out, &ExhaustedError{Stream: req.Stream, Attempts: out.Attempts, Last: conflict, Cause: err}
		}

		current, head, err := c.readSince(ctx, req.Stream, expected)
		if err != nil {
			out.move(Failed)
			return out, err
		}
		resolved, err := req.Resolver(pctx, Conflict{
			Original:  req.Events,
			Current:   current,
			Attempted: attempted,
			Err:       conflict,
		})
		if err != nil {
			out.move(Failed)
			return out, fmt.Errorf("resolve conflict on %s: %w", req.Stream, err)
		}
		if len(resolved) == 0 {
			out.move(Failed)
			return out, conflict
		}
		expected = eventlog.Exact(head)
		attempted = resolved
	}
}

// readSince returns the events after the expected version of a rejected
// attempt and the version the next attempt should expect.
func (c *Controller) readSince(ctx context.Context, stream string, expected eventlog.ExpectedVersion) ([]eventlog.Event, int64, error) {
	from := int64(1)
	if expected.IsExact() {
		from = expected.Value() + 1
	}
	var current []eventlog.Event
	for evt, err := range c.log.Read(ctx, stream, from, eventlog.ToEnd) {
		if errors.Is(err, eventlog.ErrStreamNotFound) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read %s after conflict: %w", stream, err)
		}
		current = append(current, evt)
	}
	if len(current) > 0 {
		return current, current[len(current)-1].Version, nil
	}
	head, err := c.log.Head(ctx, stream)
	if err != nil {
		return nil, 0, fmt.Errorf("read head of %s after conflict: %w", stream, err)
	}
	return nil, head.Version, nil
}

func (c *Controller) conflicted(err *eventlog.ConflictError, out *Outcome) {
	out.move(Conflicted)
	if c.hooks.OnConflict != nil {
		c.hooks.OnConflict(err)
	}
	c.logger.Debug().
		Str("stream", err.Stream).
		Str("expected", err.Expected.String()).
		Int64("actual", err.Actual).
		Msg("append conflicted")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
