package web

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"safetyfirst-home/internal/events"
)

func newTestWSHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func TestWSHubAddRemove(t *testing.T) {
	hub := newTestWSHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	if !hub.add(client) {
		t.Fatal("add rejected on a running hub")
	}
	if got := hub.clientCount(); got != 1 {
		t.Errorf("after add: count = %d, want 1", got)
	}

	hub.remove(client)
	if got := hub.clientCount(); got != 0 {
		t.Errorf("after remove: count = %d, want 0", got)
	}
	// A second remove of the same client is a no-op.
	hub.remove(client)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestWSHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.add(c1)
	hub.add(c2)

	hub.Broadcast(events.Event{Type: events.TypeSensorAlarm, Data: map[string]string{"id": "s1"}})

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			if len(msg) == 0 {
				t.Errorf("client %d received empty message", i)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestWSHub()
	go hub.Run()
	defer hub.Stop()

	// No buffer: the first undelivered broadcast marks the client slow.
	slow := &wsClient{send: make(chan []byte)}
	hub.add(slow)

	hub.Broadcast(events.Event{Type: events.TypeSensorUpdate})

	deadline := time.Now().Add(time.Second)
	for hub.clientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow client not evicted: count = %d", hub.clientCount())
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := <-slow.send; ok {
		t.Error("evicted client's send queue not closed")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestWSHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.add(client)

	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed on stop")
	}

	// Stop is idempotent, and a late client is turned away.
	hub.Stop()
	if hub.add(&wsClient{send: make(chan []byte, 1)}) {
		t.Error("add accepted after shutdown")
	}
}
