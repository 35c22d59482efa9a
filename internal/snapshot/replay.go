package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/eventlog"
)

// Fold describes how a state of type S is derived from events.
type Fold[S any] struct {
	// Init returns the zero state a replay starts from without a snapshot.
	Init func() S
	// Apply folds one event into the state. It must be deterministic.
	Apply func(state S, evt eventlog.Event) (S, error)
	// Encode and Decode serialize state for snapshots. JSON is used when nil.
	Encode func(state S) ([]byte, error)
	Decode func(data []byte) (S, error)
}

func (f Fold[S]) encode(state S) ([]byte, error) {
	if f.Encode != nil {
		return f.Encode(state)
	}
	return json.Marshal(state)
}

func (f Fold[S]) decode(data []byte) (S, error) {
	if f.Decode != nil {
		return f.Decode(data)
	}
	var state S
	if f.Init != nil {
		state = f.Init()
	}
	if err := json.Unmarshal(data, &state); err != nil {
		var zero S
		return zero, err
	}
	return state, nil
}

// Replayed is the outcome of Replay.
type Replayed[S any] struct {
	State S
	// Version is the last folded version, 0 when nothing was folded.
	Version      int64
	FromSnapshot bool
	EventsRead   int
	// FellBack is set when a corrupt snapshot forced a full replay.
	FellBack bool
}

type replayConfig struct {
	logger zerolog.Logger
}

// ReplayOption configures Replay.
type ReplayOption func(*replayConfig)

// WithReplayLogger sets the logger used to report corrupt snapshots.
func WithReplayLogger(logger zerolog.Logger) ReplayOption {
	return func(c *replayConfig) {
		c.logger = logger
	}
}

// Replay computes the state of stream at target. It seeds from the latest
// snapshot at or below target and reads only the events after it; without a
// usable snapshot it reads from version 1. A corrupt snapshot is logged and
// ignored. The stream must exist unless a snapshot covers target.
func Replay[S any](ctx context.Context, reader eventlog.Reader, store Store, stream string, target int64, fold Fold[S], opts ...ReplayOption) (Replayed[S], error) {
	cfg := replayConfig{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var out Replayed[S]
	if fold.Init != nil {
		out.State = fold.Init()
	}

	if store != nil {
		snap, ok, err := store.GetLatestBefore(ctx, stream, target)
		if err != nil {
			return Replayed[S]{}, fmt.Errorf("get snapshot for %s: %w", stream, err)
		}
		if ok {
			state, err := seed(snap, fold)
			switch {
			case err == nil:
				out.State = state
				out.Version = snap.Version
				out.FromSnapshot = true
			case errors.Is(err, ErrSnapshotCorrupt):
				cfg.logger.Warn().
					Err(err).
					Str("stream", stream).
					Int64("version", snap.Version).
					Msg("ignoring corrupt snapshot, replaying from version 1")
				out.FellBack = true
			default:
				return Replayed[S]{}, err
			}
		}
	}

	if out.FromSnapshot && out.Version >= target {
		return out, nil
	}

	for evt, err := range reader.Read(ctx, stream, out.Version+1, target) {
		if err != nil {
			return Replayed[S]{}, fmt.Errorf("replay %s: %w", stream, err)
		}
		out.State, err = fold.Apply(out.State, evt)
		if err != nil {
			return Replayed[S]{}, fmt.Errorf("replay %s at version %d: %w", stream, evt.Version, err)
		}
		out.Version = evt.Version
		out.EventsRead++
	}
	return out, nil
}

func seed[S any](snap Snapshot, fold Fold[S]) (S, error) {
	var zero S
	if err := snap.Verify(); err != nil {
		return zero, err
	}
	state, err := fold.decode(snap.State)
	if err != nil {
		return zero, fmt.Errorf("%w: decode %s@%d: %v", ErrSnapshotCorrupt, snap.Stream, snap.Version, err)
	}
	return state, nil
}

// Maintain saves a snapshot of state at version when Due says so, then prunes
// the stream down to keepLast snapshots. keepLast <= 0 keeps everything.
// It reports whether a snapshot was written.
func Maintain[S any](ctx context.Context, store Store, stream string, version int64, state S, fold Fold[S], frequency, keepLast int) (bool, error) {
	if store == nil || !Due(version, frequency) {
		return false, nil
	}
	data, err := fold.encode(state)
	if err != nil {
		return false, fmt.Errorf("encode snapshot %s@%d: %w", stream, version, err)
	}
	if err := store.Save(ctx, New(stream, version, data, time.Now().UTC())); err != nil {
		return false, fmt.Errorf("save snapshot %s@%d: %w", stream, version, err)
	}
	if keepLast > 0 {
		if err := store.Prune(ctx, stream, keepLast); err != nil {
			return true, fmt.Errorf("prune snapshots of %s: %w", stream, err)
		}
	}
	return true, nil
}
