package eventlog_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/whizbang/internal/eventlog"
)

type orderCreatedV3 struct {
	OrderID  string `json:"order_id"`
	Total    int    `json:"total"`
	Currency string `json:"currency"`
}

func TestUpcasters_ChainsMigrations(t *testing.T) {
	upcasters := eventlog.NewUpcasters()
	require.NoError(t, upcasters.Register("OrderCreated", 1, 2, func(p json.RawMessage) (json.RawMessage, error) {
		var v1 struct {
			ID     string `json:"id"`
			Amount int    `json:"amount"`
		}
		if err := json.Unmarshal(p, &v1); err != nil {
			return nil, err
		}
		return json.Marshal(orderCreated{OrderID: v1.ID, Total: v1.Amount})
	}))
	require.NoError(t, upcasters.Register("OrderCreated", 2, 3, func(p json.RawMessage) (json.RawMessage, error) {
		var v2 orderCreated
		if err := json.Unmarshal(p, &v2); err != nil {
			return nil, err
		}
		return json.Marshal(orderCreatedV3{OrderID: v2.OrderID, Total: v2.Total, Currency: "EUR"})
	}))

	evt := eventlog.Event{Type: "OrderCreated", SchemaVersion: 1, Payload: json.RawMessage(`{"id":"1","amount":100}`)}
	upcast, err := upcasters.Upcast(evt)
	require.NoError(t, err)
	assert.Equal(t, 3, upcast.SchemaVersion)

	var got orderCreatedV3
	require.NoError(t, eventlog.Decode(upcast, &got))
	assert.Equal(t, orderCreatedV3{OrderID: "1", Total: 100, Currency: "EUR"}, got)
}

func TestUpcasters_RejectsDuplicatesAndBackwardSteps(t *testing.T) {
	upcasters := eventlog.NewUpcasters()
	noop := func(p json.RawMessage) (json.RawMessage, error) { return p, nil }

	require.NoError(t, upcasters.Register("OrderCreated", 1, 2, noop))
	assert.ErrorIs(t, upcasters.Register("OrderCreated", 1, 2, noop), eventlog.ErrUpcasterExists)
	assert.Error(t, upcasters.Register("OrderCreated", 2, 2, noop))
	assert.Error(t, upcasters.Register("OrderCreated", 3, 4, nil))
}

func TestUpcasters_PropagatesFailure(t *testing.T) {
	upcasters := eventlog.NewUpcasters()
	boom := errors.New("boom")
	require.NoError(t, upcasters.Register("OrderCreated", 1, 2, func(json.RawMessage) (json.RawMessage, error) { return nil, boom }))

	_, err := upcasters.Upcast(eventlog.Event{Type: "OrderCreated", SchemaVersion: 1})
	assert.ErrorIs(t, err, boom)
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	evt := eventlog.Event{Type: "OrderCreated", SchemaVersion: 1, Payload: json.RawMessage(`{"order_id":"1","total":1,"colour":"red"}`)}
	var got orderCreated
	assert.Error(t, eventlog.Decode(evt, &got))
}
