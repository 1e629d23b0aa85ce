package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPongAcksRegisteredNodeAndKeepsSession(t *testing.T) {
	h, _, reg := newTestHandlers(t)
	reg.Register("mac-1", &capturingChannel{})

	rec := doRequest(h.Pong, http.MethodPost, `{"mac":"mac-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if reg.Count() != 1 {
		t.Fatalf("expected the session to remain registered, got count=%d", reg.Count())
	}
}

func TestPongForUnknownNodeIsANoOpAck(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := doRequest(h.Pong, http.MethodPost, `{"mac":"absent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even for an unknown node, got %d", rec.Code)
	}
}

func TestConnectRequiresMacParameter(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/connect?transport=sse", nil)
	rec := httptest.NewRecorder()
	h.Connect(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when mac is missing, got %d", rec.Code)
	}
}

func TestConnectSSERegistersAndUnregistersOnClientDisconnect(t *testing.T) {
	h, _, reg := newTestHandlers(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/connect?mac=mac-1&transport=sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Connect(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reg.Count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if reg.Count() != 1 {
		t.Fatal("expected the SSE connection to register a session")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectSSE never returned after client disconnect")
	}
	if reg.Count() != 0 {
		t.Fatal("expected the session to be unregistered after client disconnect")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream content type, got %q", ct)
	}
}
