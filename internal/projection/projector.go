package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/eventlog"
)

// Projector reacts to committed events delivered by a message transport.
// Messages are only notifications: every interested projection catches up
// from the log, so redelivered or reordered messages are harmless.
type Projector struct {
	engine *Engine
	logger zerolog.Logger
}

func NewProjector(engine *Engine, logger zerolog.Logger) *Projector {
	return &Projector{engine: engine, logger: logger}
}

// HandleEvent decodes a published eventlog.Event and catches up every
// projection that handles its type. Projections that are already Failed are
// skipped.
func (p *Projector) HandleEvent(ctx context.Context, key, value []byte) error {
	var event eventlog.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode event %s: %w", key, err)
	}

	p.logger.Debug().
		Str("type", event.Type).
		Str("stream", event.Stream).
		Int64("position", event.Position).
		Msg("received event")

	var errs []error
	for _, name := range p.engine.Names() {
		if !p.engine.Handles(name, event.Type) {
			continue
		}
		n, err := p.engine.CatchUp(ctx, name)
		switch {
		case errors.Is(err, ErrFailed):
			p.logger.Warn().Str("projection", name).Msg("skipping failed projection")
		case err != nil:
			errs = append(errs, err)
		case n > 0:
			p.logger.Debug().Str("projection", name).Int("count", n).Msg("projection caught up")
		}
	}
	return errors.Join(errs...)
}
