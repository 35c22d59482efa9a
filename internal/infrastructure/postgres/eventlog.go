package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/whizbang/internal/eventlog"
)

const (
	// appendLockKey is the transaction-scoped advisory lock every append
	// holds, so positions become visible in commit order.
	appendLockKey int64 = 0x77686973

	// NotifyChannel carries the stream name of every committed append.
	NotifyChannel = "whizbang_appended"

	versionConstraint = "events_stream_version_key"

	selectEvents = `SELECT position, id, stream, stream_type, version, type, schema_version, payload, metadata, recorded_at FROM events`
)

// EventLog is an eventlog.Log on the events and streams tables.
type EventLog struct {
	store  *Store
	signal eventlog.Broadcaster
}

// EventLog returns the event log of s. Each call has its own wake-up
// signal, so writers and tailing readers should share one.
func (s *Store) EventLog() *EventLog {
	return &EventLog{store: s}
}

// Append implements eventlog.Appender.
func (l *EventLog) Append(ctx context.Context, stream string, expected eventlog.ExpectedVersion, events []eventlog.EventData) (int64, error) {
	if err := eventlog.ValidateAppend(stream, events); err != nil {
		return 0, err
	}

	var newVersion int64
	err := l.store.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return fmt.Errorf("acquire append lock: %w", err)
		}

		var head int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream = $1`, stream).Scan(&head)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read stream head: %w", err)
		}
		if err := expected.Check(stream, head); err != nil {
			return err
		}

		recordedAt := l.store.now()
		for _, evt := range eventlog.Materialize(stream, head, recordedAt, events) {
			metadata, err := marshalMetadata(evt.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO events (id, stream, stream_type, version, type, schema_version, payload, metadata, recorded_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				evt.ID.String(), evt.Stream, evt.StreamType, evt.Version, evt.Type, evt.SchemaVersion,
				[]byte(evt.Payload), metadata, evt.RecordedAt,
			)
			if isUniqueViolation(err, versionConstraint) {
				return &eventlog.ConflictError{Stream: stream, Expected: expected, Actual: head}
			}
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}

		newVersion = head + int64(len(events))
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (stream, version, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (stream) DO UPDATE SET version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
			stream, newVersion, recordedAt,
		)
		if err != nil {
			return fmt.Errorf("update stream head: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, stream); err != nil {
			return fmt.Errorf("notify append: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.signal.Notify()
	l.store.logger.Debug().
		Str("stream", stream).
		Int64("version", newVersion).
		Int("count", len(events)).
		Msg("events appended")
	return newVersion, nil
}

// Read implements eventlog.Reader.
func (l *EventLog) Read(ctx context.Context, stream string, from, to int64) eventlog.Sequence {
	return func(yield func(eventlog.Event, error) bool) {
		lo, hi := eventlog.NormalizeRange(from, to)
		rows, err := l.store.db.QueryContext(ctx,
			selectEvents+` WHERE stream = $1 AND version >= $2 AND version <= $3 ORDER BY version ASC`,
			stream, lo, hi,
		)
		if err != nil {
			yield(eventlog.Event{}, fmt.Errorf("query stream %s: %w", stream, err))
			return
		}
		events, err := scanEvents(rows)
		if err != nil {
			yield(eventlog.Event{}, err)
			return
		}
		if len(events) == 0 && from != 0 {
			head, err := l.Head(ctx, stream)
			if err != nil {
				yield(eventlog.Event{}, err)
				return
			}
			if head.Version == 0 {
				yield(eventlog.Event{}, eventlog.ErrStreamNotFound)
				return
			}
		}
		for _, evt := range events {
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// ReadAll implements eventlog.Reader.
func (l *EventLog) ReadAll(ctx context.Context, from int64, limit int) ([]eventlog.Event, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := l.store.db.QueryContext(ctx,
		selectEvents+` WHERE position >= $1 ORDER BY position ASC LIMIT $2`,
		from, limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", from, err)
	}
	return scanEvents(rows)
}

// Head implements eventlog.Reader.
func (l *EventLog) Head(ctx context.Context, stream string) (eventlog.StreamHead, error) {
	head := eventlog.StreamHead{Stream: stream}
	err := l.store.db.QueryRowContext(ctx,
		`SELECT version, updated_at FROM streams WHERE stream = $1`, stream,
	).Scan(&head.Version, &head.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.StreamHead{Stream: stream}, nil
	}
	if err != nil {
		return eventlog.StreamHead{}, fmt.Errorf("read head of %s: %w", stream, err)
	}
	head.UpdatedAt = head.UpdatedAt.UTC()
	return head, nil
}

// LastPosition implements eventlog.Reader.
func (l *EventLog) LastPosition(ctx context.Context) (int64, error) {
	var pos int64
	if err := l.store.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	return pos, nil
}

// Wait implements eventlog.Signal. Appends from other processes wake waiters
// only while Listen runs.
func (l *EventLog) Wait() <-chan struct{} {
	return l.signal.Wait()
}

// Listen forwards append notifications of every writer to Wait until ctx is
// done. A reconnect also wakes waiters, since notifications may have been
// missed while disconnected.
func (l *EventLog) Listen(ctx context.Context) error {
	logger := l.store.logger
	listener := pq.NewListener(l.store.connStr, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("append listener")
			}
		})
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	logger.Info().Str("channel", NotifyChannel).Msg("listening for appends")

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-listener.Notify:
			l.signal.Notify()
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				logger.Warn().Err(err).Msg("ping append listener")
			}
		}
	}
}

func marshalMetadata(metadata map[string]string) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func scanEvents(rows *sql.Rows) ([]eventlog.Event, error) {
	defer rows.Close()
	var events []eventlog.Event
	for rows.Next() {
		var (
			evt      eventlog.Event
			id       string
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(&evt.Position, &id, &evt.Stream, &evt.StreamType, &evt.Version, &evt.Type,
			&evt.SchemaVersion, &payload, &metadata, &evt.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var err error
		if evt.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", id, err)
		}
		evt.Payload = json.RawMessage(payload)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata of event %s: %w", id, err)
			}
		}
		evt.RecordedAt = evt.RecordedAt.UTC()
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
