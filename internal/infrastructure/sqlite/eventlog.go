package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/whizbang/internal/eventlog"
)

const eventColumns = `position, id, stream, stream_type, version, type, schema_version, payload, metadata, recorded_at`

// EventLog is an eventlog.Log on the events and streams tables. It wakes
// in-process waiters after each commit.
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
		var head int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream = ?`, stream).Scan(&head)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read stream head: %w", err)
		}
		if err := expected.Check(stream, head); err != nil {
			return err
		}

		recordedAt := l.store.now()
		for _, evt := range eventlog.Materialize(stream, head, recordedAt, events) {
			var metadata sql.NullString
			if len(evt.Metadata) > 0 {
				data, err := json.Marshal(evt.Metadata)
				if err != nil {
					return fmt.Errorf("marshal metadata: %w", err)
				}
				metadata = sql.NullString{String: string(data), Valid: true}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO events (id, stream, stream_type, version, type, schema_version, payload, metadata, recorded_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				evt.ID.String(), evt.Stream, evt.StreamType, evt.Version, evt.Type, evt.SchemaVersion,
				[]byte(evt.Payload), metadata, evt.RecordedAt.Format(timeLayout),
			)
			if isVersionConflict(err) {
				return &eventlog.ConflictError{Stream: stream, Expected: expected, Actual: head}
			}
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}

		newVersion = head + int64(len(events))
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (stream, version, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (stream) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
			stream, newVersion, recordedAt.Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("update stream head: %w", err)
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
			`SELECT `+eventColumns+` FROM events
			 WHERE stream = ? AND version >= ? AND version <= ?
			 ORDER BY version ASC`,
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.store.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE position >= ? ORDER BY position ASC LIMIT ?`,
		from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", from, err)
	}
	return scanEvents(rows)
}

// Head implements eventlog.Reader.
func (l *EventLog) Head(ctx context.Context, stream string) (eventlog.StreamHead, error) {
	var (
		version   int64
		updatedAt string
	)
	err := l.store.db.QueryRowContext(ctx,
		`SELECT version, updated_at FROM streams WHERE stream = ?`, stream,
	).Scan(&version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.StreamHead{Stream: stream}, nil
	}
	if err != nil {
		return eventlog.StreamHead{}, fmt.Errorf("read head of %s: %w", stream, err)
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return eventlog.StreamHead{}, err
	}
	return eventlog.StreamHead{Stream: stream, Version: version, UpdatedAt: t}, nil
}

// LastPosition implements eventlog.Reader.
func (l *EventLog) LastPosition(ctx context.Context) (int64, error) {
	var pos int64
	if err := l.store.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	return pos, nil
}

// Wait implements eventlog.Signal for appends made through this EventLog.
func (l *EventLog) Wait() <-chan struct{} {
	return l.signal.Wait()
}

// isVersionConflict reports a (stream, version) collision, which only a writer
// bypassing the stream head can cause.
func isVersionConflict(err error) bool {
	return isConstraintError(err) && strings.Contains(err.Error(), "events.stream")
}

func scanEvents(rows *sql.Rows) ([]eventlog.Event, error) {
	defer rows.Close()
	var events []eventlog.Event
	for rows.Next() {
		var (
			evt        eventlog.Event
			id         string
			payload    []byte
			metadata   sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&evt.Position, &id, &evt.Stream, &evt.StreamType, &evt.Version, &evt.Type,
			&evt.SchemaVersion, &payload, &metadata, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var err error
		if evt.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event id %q: %w", id, err)
		}
		evt.Payload = json.RawMessage(payload)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &evt.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata of event %s: %w", id, err)
			}
		}
		if evt.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
