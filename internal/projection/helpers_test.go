package projection_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/projection"
	"github.com/example/whizbang/internal/readmodel"
)

type orderCreated struct {
	OrderID string `json:"order_id"`
	Total   int    `json:"total"`
}

type orderShipped struct {
	OrderID string `json:"order_id"`
}

type orderView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

var orderTypes = projection.TypeHierarchy{
	"OrderCreated": {"OrderEvent"},
	"OrderShipped": {"OrderEvent"},
	"OrderPoison":  {"OrderEvent"},
}

func summaryHandlers() []projection.Handler {
	return []projection.Handler{
		projection.On("OrderCreated", func(_ policy.Context, evt eventlog.Event, _ projection.Match) (projection.Result, error) {
			var e orderCreated
			if err := eventlog.Decode(evt, &e); err != nil {
				return nil, err
			}
			return projection.UpsertOf("orders", e.OrderID, orderView{ID: e.OrderID, Status: "Created", Total: e.Total})
		}),
		projection.On("OrderShipped", func(_ policy.Context, evt eventlog.Event, _ projection.Match) (projection.Result, error) {
			var e orderShipped
			if err := eventlog.Decode(evt, &e); err != nil {
				return nil, err
			}
			return projection.Update{
				Collection: "orders",
				Where:      readmodel.FieldEquals("id", e.OrderID),
				Mutate:     projection.Set(map[string]any{"status": "Shipped"}),
			}, nil
		}),
		projection.On("OrderPoison", func(policy.Context, eventlog.Event, projection.Match) (projection.Result, error) {
			return projection.Custom{Name: "poison", Op: func(context.Context, readmodel.Tx) error {
				return errPoison
			}}, nil
		}),
	}
}

type poisonError struct{}

func (poisonError) Error() string { return "poison" }

var errPoison = poisonError{}

func appendEvent(t *testing.T, log eventlog.Appender, stream, eventType string, payload any) {
	t.Helper()
	_, err := log.Append(context.Background(), stream, eventlog.Any(), []eventlog.EventData{eventlog.MustEventData(eventType, payload)})
	require.NoError(t, err)
}

func loadView(t *testing.T, store readmodel.Store, id string) orderView {
	t.Helper()
	doc, err := readmodel.Load(context.Background(), store, "orders", id)
	require.NoError(t, err)
	var v orderView
	require.NoError(t, doc.Decode(&v))
	return v
}

func rawEvent(eventType string, payload any) eventlog.Event {
	data, _ := json.Marshal(payload)
	return eventlog.Event{Stream: "order-1", StreamType: "order", Version: 1, Position: 1, Type: eventType, SchemaVersion: 1, Payload: data}
}
