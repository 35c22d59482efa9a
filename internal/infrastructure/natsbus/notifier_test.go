package natsbus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestServers(t *testing.T) {
	assert.Equal(t,
		[]string{"nats://a:4222", "nats://b:4222"},
		servers(" nats://a:4222 ,nats://b:4222,,"),
	)
	assert.Nil(t, servers(""))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "whizbang.appended.order", subject("whizbang.appended", "order"))
	assert.Equal(t, "whizbang.appended.default", subject("whizbang.appended", ""))
}

func TestOnMessage_WakesWaiters(t *testing.T) {
	n := &Notifier{logger: zerolog.Nop()}
	wait := n.Wait()

	n.onMessage(&nats.Msg{Subject: "whizbang.appended.order", Data: []byte(`{"stream":"order-1","version":2,"position":9}`)})

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestOnMessage_InvalidPayloadStillWakes(t *testing.T) {
	n := &Notifier{logger: zerolog.Nop()}
	wait := n.Wait()

	n.onMessage(&nats.Msg{Subject: "whizbang.appended.order", Data: []byte(`not json`)})

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}
