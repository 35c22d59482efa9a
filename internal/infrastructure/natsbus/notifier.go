// Package natsbus announces committed appends over NATS so idle projection
// workers in other processes wake up without polling.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/eventlog"
)

// Appended is the message published for each committed batch. It only
// announces the append; subscribers read the events from the log.
type Appended struct {
	Stream   string `json:"stream"`
	Version  int64  `json:"version"`
	Position int64  `json:"position"`
}

// Notifier is an eventlog.Publisher and an eventlog.Signal over one
// connection. Publish announces on "<namespace>.<stream type>"; Wait fires on
// announcements from any publisher.
type Notifier struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	namespace string
	signal    eventlog.Broadcaster
	logger    zerolog.Logger
}

// Connect dials the comma-separated urls and subscribes to every
// announcement under namespace.
func Connect(urls, namespace string, logger zerolog.Logger) (*Notifier, error) {
	opts := nats.GetDefaultOptions()
	opts.Servers = servers(urls)
	opts.Name = "whizbang-" + namespace
	opts.MaxReconnect = -1

	conn, err := opts.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	n := &Notifier{conn: conn, namespace: namespace, logger: logger}
	n.sub, err = conn.Subscribe(namespace+".>", n.onMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", namespace, err)
	}
	return n, nil
}

// Publish implements eventlog.Publisher.
func (n *Notifier) Publish(ctx context.Context, events []eventlog.Event) error {
	if len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]
	blob, err := json.Marshal(Appended{Stream: last.Stream, Version: last.Version, Position: last.Position})
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subject(n.namespace, last.StreamType), blob); err != nil {
		return fmt.Errorf("publish append of %s: %w", last.Stream, err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return n.conn.LastError()
}

// Wait implements eventlog.Signal.
func (n *Notifier) Wait() <-chan struct{} {
	return n.signal.Wait()
}

// Close unsubscribes and drains the connection.
func (n *Notifier) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	return n.conn.Drain()
}

func (n *Notifier) onMessage(msg *nats.Msg) {
	var appended Appended
	if err := json.Unmarshal(msg.Data, &appended); err != nil {
		n.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid append notification")
	}
	n.logger.Debug().
		Str("stream", appended.Stream).
		Int64("position", appended.Position).
		Msg("append announced")
	n.signal.Notify()
}

func subject(namespace, streamType string) string {
	if streamType == "" {
		streamType = "default"
	}
	return namespace + "." + streamType
}

func servers(urls string) []string {
	var out []string
	for _, s := range strings.Split(urls, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
