package eventlog

import (
	"context"

	"github.com/rs/zerolog"
)

// Publisher forwards committed events to an external transport.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// PublishingLog decorates a Log and publishes every committed batch.
// Publication happens after commit and is best-effort: the log stays the
// source of truth and consumers catch up from it.
type PublishingLog struct {
	Log
	publishers []Publisher
	logger     zerolog.Logger
}

// WithPublisher wraps log so committed appends are forwarded to publishers.
func WithPublisher(log Log, logger zerolog.Logger, publishers ...Publisher) *PublishingLog {
	return &PublishingLog{Log: log, publishers: publishers, logger: logger}
}

// Append implements Appender.
func (p *PublishingLog) Append(ctx context.Context, stream string, expected ExpectedVersion, events []EventData) (int64, error) {
	version, err := p.Log.Append(ctx, stream, expected, events)
	if err != nil {
		return 0, err
	}

	from := version - int64(len(events)) + 1
	committed, err := Collect(p.Log.Read(ctx, stream, from, version))
	if err != nil {
		p.logger.Error().Err(err).Str("stream", stream).Msg("read committed events for publishing")
		return version, nil
	}
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, committed); err != nil {
			p.logger.Error().
				Err(err).
				Str("stream", stream).
				Int64("version", version).
				Msg("publish committed events")
		}
	}
	return version, nil
}

// Wait implements Signal when the wrapped log does.
func (p *PublishingLog) Wait() <-chan struct{} {
	if s, ok := p.Log.(Signal); ok {
		return s.Wait()
	}
	return nil
}

// Unwrap returns the decorated log.
func (p *PublishingLog) Unwrap() Log {
	return p.Log
}
