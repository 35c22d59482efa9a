package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/concurrency"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/snapshot"
)

type Service struct {
	controller *concurrency.Controller
	log        eventlog.Log
	snapshots  snapshot.Store
	pctx       policy.Context
	logger     zerolog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the policy context appends and snapshots run under.
func WithPolicy(pctx policy.Context) Option {
	return func(s *Service) {
		s.pctx = pctx
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithController replaces the default concurrency controller.
func WithController(c *concurrency.Controller) Option {
	return func(s *Service) {
		s.controller = c
	}
}

// NewService creates an order service. snapshots may be nil.
func NewService(log eventlog.Log, snapshots snapshot.Store, opts ...Option) *Service {
	s := &Service{
		log:       log,
		snapshots: snapshots,
		pctx:      policy.Background(),
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.controller == nil {
		s.controller = concurrency.NewController(log, concurrency.WithLogger(s.logger))
	}
	return s
}

// Get replays the current state of order id.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	replayed, err := snapshot.Replay(ctx, s.log, s.snapshots, StreamKey(id), eventlog.ToEnd, Fold(),
		snapshot.WithReplayLogger(s.logger))
	if errors.Is(err, eventlog.ErrStreamNotFound) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, err
	}
	if replayed.Version == 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return replayed.State, nil
}

func (s *Service) Place(ctx context.Context, userID string, items []OrderItem) (Order, error) {
	if len(items) == 0 {
		return Order{}, ErrEmptyOrder
	}

	event := OrderCreated{
		OrderID:   uuid.NewString(),
		UserID:    userID,
		Items:     items,
		Total:     total(items),
		CreatedAt: s.now(),
	}
	// A fresh stream cannot be merged into; a conflict abandons the write.
	abandon := func(policy.Context, concurrency.Conflict) ([]eventlog.EventData, error) {
		return nil, nil
	}
	return s.commit(ctx, Order{ID: event.OrderID}, eventlog.NoStream(), time.Time{}, EventOrderCreated, event, abandon)
}

func (s *Service) Pay(ctx context.Context, orderID string) (Order, error) {
	return s.transition(ctx, orderID, StatusPaid, EventOrderPaid, func(now time.Time) any {
		return OrderPaid{OrderID: orderID, PaidAt: now}
	})
}

func (s *Service) Ship(ctx context.Context, orderID string) (Order, error) {
	return s.transition(ctx, orderID, StatusShipped, EventOrderShipped, func(now time.Time) any {
		return OrderShipped{OrderID: orderID, ShippedAt: now}
	})
}

func (s *Service) Cancel(ctx context.Context, orderID, reason string) (Order, error) {
	return s.transition(ctx, orderID, StatusCancelled, EventOrderCancelled, func(now time.Time) any {
		return OrderCancelled{OrderID: orderID, Reason: reason, CancelledAt: now}
	})
}

// transition appends the event moving orderID to target. Under AutomaticRetry
// a conflicting write is merged by re-checking the transition against the
// events committed in between.
func (s *Service) transition(ctx context.Context, orderID string, target Status, eventType string, payload func(time.Time) any) (Order, error) {
	// The read time comes from the log's clock, taken before the replay: a
	// write landing in between reads as a conflict rather than being missed.
	head, err := s.log.Head(ctx, StreamKey(orderID))
	if err != nil {
		return Order{}, err
	}
	current, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := current.check(target); err != nil {
		return Order{}, err
	}

	resolve := func(_ policy.Context, c concurrency.Conflict) ([]eventlog.EventData, error) {
		merged := current
		for _, evt := range c.Current {
			var err error
			if merged, err = Apply(merged, evt); err != nil {
				return nil, err
			}
		}
		if err := merged.check(target); err != nil {
			return nil, err
		}
		current = merged
		return c.Attempted, nil
	}
	return s.commit(ctx, current, eventlog.Exact(current.Version), head.UpdatedAt, eventType, payload(s.now()), resolve)
}

func (s *Service) commit(ctx context.Context, current Order, expected eventlog.ExpectedVersion, lastReadAt time.Time, eventType string, payload any, resolve concurrency.Resolver) (Order, error) {
	stream := StreamKey(current.ID)
	data, err := eventlog.NewEventData(eventType, payload)
	if err != nil {
		return Order{}, err
	}
	out, err := s.controller.Append(ctx, s.pctx, concurrency.Request{
		Stream:     stream,
		Expected:   expected,
		LastReadAt: lastReadAt,
		Events:     []eventlog.EventData{data},
		Resolver:   resolve,
	})
	if err != nil {
		return Order{}, err
	}

	// current may have been merged by the resolver; fold the committed event on top.
	for _, evt := range eventlog.Materialize(stream, out.Version-1, s.now(), []eventlog.EventData{data}) {
		if current, err = Apply(current, evt); err != nil {
			return Order{}, err
		}
	}

	opts := s.pctx.Options()
	if _, err := snapshot.Maintain(ctx, s.snapshots, stream, current.Version, current, Fold(), opts.SnapshotFrequency, opts.SnapshotKeep); err != nil {
		s.logger.Warn().
			Err(err).
			Str("stream", stream).
			Int64("version", current.Version).
			Msg("failed to snapshot order")
	}
	return current, nil
}
