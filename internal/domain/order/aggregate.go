package order

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/snapshot"
)

type Status string

const (
	StatusCreated   Status = "Created"
	StatusPaid      Status = "Paid"
	StatusShipped   Status = "Shipped"
	StatusCancelled Status = "Cancelled"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrEmptyOrder       = errors.New("order must have at least one item")
	ErrInvalidStatus    = errors.New("invalid order status transition")
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	ErrOrderNotPaid     = errors.New("order must be paid before shipping")
	ErrOrderShipped     = errors.New("cannot cancel shipped order")
	ErrOrderCancelled   = errors.New("order is already cancelled")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusCreated:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusCancelled},
	StatusShipped:   {}, // terminal state
	StatusCancelled: {}, // terminal state
}

type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Items     []OrderItem `json:"items"`
	Total     int         `json:"total"`
	Status    Status      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Version   int64       `json:"version"`
}

// StreamKey returns the stream holding the events of order id.
func StreamKey(id string) string {
	return StreamType + "-" + id
}

// CanTransitionTo checks if the order can transition to the target status
func (o Order) CanTransitionTo(target Status) bool {
	return slices.Contains(validTransitions[o.Status], target)
}

// transitionError returns an appropriate error for an invalid transition
func (o Order) transitionError(target Status) error {
	switch {
	case o.Status == StatusCancelled:
		return ErrOrderCancelled
	case o.Status == StatusShipped && target == StatusCancelled:
		return ErrOrderShipped
	case (o.Status == StatusPaid || o.Status == StatusShipped) && target == StatusPaid:
		return ErrOrderAlreadyPaid
	case o.Status == StatusCreated && target == StatusShipped:
		return ErrOrderNotPaid
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, o.Status, target)
	}
}

// check returns nil when the order can move to target.
func (o Order) check(target Status) error {
	if o.CanTransitionTo(target) {
		return nil
	}
	return o.transitionError(target)
}

// Apply folds one event into the order. Unknown event types only advance the
// version.
func Apply(o Order, evt eventlog.Event) (Order, error) {
	switch evt.Type {
	case EventOrderCreated:
		var data OrderCreated
		if err := eventlog.Decode(evt, &data); err != nil {
			return o, err
		}
		o.ID = data.OrderID
		o.UserID = data.UserID
		o.Items = data.Items
		o.Total = data.Total
		o.Status = StatusCreated
		o.CreatedAt = data.CreatedAt
		o.UpdatedAt = data.CreatedAt
	case EventOrderPaid:
		var data OrderPaid
		if err := eventlog.Decode(evt, &data); err != nil {
			return o, err
		}
		o.Status = StatusPaid
		o.UpdatedAt = data.PaidAt
	case EventOrderShipped:
		var data OrderShipped
		if err := eventlog.Decode(evt, &data); err != nil {
			return o, err
		}
		o.Status = StatusShipped
		o.UpdatedAt = data.ShippedAt
	case EventOrderCancelled:
		var data OrderCancelled
		if err := eventlog.Decode(evt, &data); err != nil {
			return o, err
		}
		o.Status = StatusCancelled
		o.Reason = data.Reason
		o.UpdatedAt = data.CancelledAt
	}
	o.Version = evt.Version
	return o, nil
}

// Fold replays orders from their streams and snapshots.
func Fold() snapshot.Fold[Order] {
	return snapshot.Fold[Order]{
		Init:  func() Order { return Order{} },
		Apply: Apply,
	}
}

// total sums price times quantity over items.
func total(items []OrderItem) int {
	var sum int
	for _, item := range items {
		sum += item.Price * item.Quantity
	}
	return sum
}
