package order

import "time"

// StreamType is the stream type of order streams ("order-<id>").
const StreamType = "order"

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderShipped   = "OrderShipped"
	EventOrderCancelled = "OrderCancelled"
)

// Abstract event types every order event also matches.
const (
	TypeOrderEvent  = "OrderEvent"
	TypeDomainEvent = "DomainEvent"
)

// Types is the event type hierarchy of the order domain, most specific
// ancestor first.
var Types = map[string][]string{
	EventOrderCreated:   {TypeOrderEvent, TypeDomainEvent},
	EventOrderPaid:      {TypeOrderEvent, TypeDomainEvent},
	EventOrderShipped:   {TypeOrderEvent, TypeDomainEvent},
	EventOrderCancelled: {TypeOrderEvent, TypeDomainEvent},
}

type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

type OrderCreated struct {
	OrderID   string      `json:"order_id"`
	UserID    string      `json:"user_id"`
	Items     []OrderItem `json:"items"`
	Total     int         `json:"total"`
	CreatedAt time.Time   `json:"created_at"`
}

type OrderPaid struct {
	OrderID string    `json:"order_id"`
	PaidAt  time.Time `json:"paid_at"`
}

type OrderShipped struct {
	OrderID   string    `json:"order_id"`
	ShippedAt time.Time `json:"shipped_at"`
}

type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}
