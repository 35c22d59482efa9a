package order

import (
	"strings"

	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/projection"
	"github.com/example/whizbang/internal/readmodel"
)

const (
	SummaryProjection = "order-summary"
	SummaryCollection = "order_summaries"
)

// Summary is the read model of one order.
type Summary struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Status    Status `json:"status"`
	Total     int    `json:"total"`
	ItemCount int    `json:"item_count"`
	Reason    string `json:"reason,omitempty"`
	// Events counts the order events applied so far; LastEvent is the newest.
	Events    int64  `json:"events"`
	LastEvent string `json:"last_event"`
}

// Summaries defines the order summary projection over store.
func Summaries(store readmodel.Store) projection.Definition {
	return projection.Definition{
		Name:        SummaryProjection,
		Store:       store,
		Collections: []string{SummaryCollection},
		Handlers:    SummaryHandlers(),
		Types:       Types,
	}
}

// SummaryHandlers returns the handlers of the summary projection. The audit
// handler on OrderEvent runs after the concrete handler of every event.
func SummaryHandlers() []projection.Handler {
	return []projection.Handler{
		projection.On(EventOrderCreated, onCreated),
		projection.On(EventOrderPaid, setStatus(StatusPaid, nil)),
		projection.On(EventOrderShipped, setStatus(StatusShipped, nil)),
		projection.On(EventOrderCancelled, setStatus(StatusCancelled, func(evt eventlog.Event) (map[string]any, error) {
			var data OrderCancelled
			if err := eventlog.Decode(evt, &data); err != nil {
				return nil, err
			}
			return map[string]any{"reason": data.Reason}, nil
		})),
		projection.On(TypeOrderEvent, audit),
	}
}

func onCreated(_ policy.Context, evt eventlog.Event, _ projection.Match) (projection.Result, error) {
	var data OrderCreated
	if err := eventlog.Decode(evt, &data); err != nil {
		return nil, err
	}
	items := 0
	for _, item := range data.Items {
		items += item.Quantity
	}
	return projection.UpsertOf(SummaryCollection, data.OrderID, Summary{
		ID:        data.OrderID,
		UserID:    data.UserID,
		Status:    StatusCreated,
		Total:     data.Total,
		ItemCount: items,
	})
}

func setStatus(status Status, extra func(eventlog.Event) (map[string]any, error)) projection.ApplyFunc {
	return func(_ policy.Context, evt eventlog.Event, _ projection.Match) (projection.Result, error) {
		fields := map[string]any{"status": status}
		if extra != nil {
			more, err := extra(evt)
			if err != nil {
				return nil, err
			}
			for k, v := range more {
				fields[k] = v
			}
		}
		return projection.Update{
			Collection: SummaryCollection,
			Where:      readmodel.ByID(orderID(evt)),
			Mutate:     projection.Set(fields),
		}, nil
	}
}

// audit advances the event counter to the event's stream version, so
// reapplying an event leaves the counter unchanged.
func audit(_ policy.Context, evt eventlog.Event, _ projection.Match) (projection.Result, error) {
	return projection.Update{
		Collection: SummaryCollection,
		Where:      readmodel.ByID(orderID(evt)),
		Mutate: func(_ string, doc readmodel.Document) (readmodel.Document, error) {
			seen, _ := doc["events"].(float64)
			if float64(evt.Version) > seen {
				doc["events"] = evt.Version
				doc["last_event"] = evt.Type
			}
			return doc, nil
		},
	}, nil
}

func orderID(evt eventlog.Event) string {
	return strings.TrimPrefix(evt.Stream, StreamType+"-")
}
