package zello

import (
	"context"
	"testing"
)

// A silence timer callback can reach emit after Run has closed the events
// channel; delivery after shutdown must be a no-op, not a panic.
func TestEmitAfterShutdown(t *testing.T) {
	c, err := NewClient(ClientConfig{
		Endpoint: "wss://example.invalid/ws",
		Channel:  "Test",
		Username: "user",
		Password: "pw",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	c.emitMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.emitMu.Unlock()

	c.emit(context.Background(), StreamStopped{StreamID: 7})

	if _, ok := <-c.events; ok {
		t.Fatal("got an event delivered after shutdown")
	}
}
