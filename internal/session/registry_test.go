package session

import (
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu      sync.Mutex
	frames  []any
	closed  bool
	failAll bool
}

func (f *fakeChannel) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errSendFailed
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var errSendFailed = errNew("boom")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func errNew(s string) error       { return simpleErr(s) }

func TestRegisterReplacesPriorSession(t *testing.T) {
	var evicted []EvictReason
	reg := NewRegistry(0, func(nodeID string, reason EvictReason) {
		evicted = append(evicted, reason)
	}, nil)

	chA := &fakeChannel{}
	sessionA := reg.Register("mac-1", chA)

	chB := &fakeChannel{}
	reg.Register("mac-1", chB)

	if !sessionA.IsClosed() {
		t.Fatal("expected prior session to be closed after replacement")
	}
	if !chA.closed {
		t.Fatal("expected prior channel to be closed")
	}
	if len(evicted) != 1 || evicted[0] != EvictReplaced {
		t.Fatalf("expected one EvictReplaced notification, got %v", evicted)
	}
	if reg.Count() != 1 {
		t.Fatalf("expected exactly one live session, got %d", reg.Count())
	}
}

func TestUnregisterIsIdempotentAndIgnoresStaleHandle(t *testing.T) {
	reg := NewRegistry(0, nil, nil)

	stale := reg.Register("mac-1", &fakeChannel{})
	reg.Register("mac-1", &fakeChannel{}) // replaces, stale is no longer current

	reg.Unregister(stale) // must not remove the current session
	if reg.Count() != 1 {
		t.Fatalf("expected current session to survive unregistering a stale handle, got count %d", reg.Count())
	}

	reg.Unregister(stale) // idempotent, no panic
}

func TestSendNoSuchConnector(t *testing.T) {
	reg := NewRegistry(0, nil, nil)
	if err := reg.Send("absent", nil); err != ErrNoSuchConnector {
		t.Fatalf("expected ErrNoSuchConnector, got %v", err)
	}
}

func TestSendFailureEvictsSession(t *testing.T) {
	var evicted []EvictReason
	reg := NewRegistry(0, func(nodeID string, reason EvictReason) {
		evicted = append(evicted, reason)
	}, nil)

	ch := &fakeChannel{failAll: true}
	reg.Register("mac-1", ch)

	if err := reg.Send("mac-1", nil); err == nil {
		t.Fatal("expected send error")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected session evicted after send failure, got count %d", reg.Count())
	}
	if len(evicted) != 1 || evicted[0] != EvictSendError {
		t.Fatalf("expected EvictSendError notification, got %v", evicted)
	}
}

func TestHeartbeatEvictsOnMissedPings(t *testing.T) {
	var evicted []string
	var mu sync.Mutex
	reg := NewRegistry(20*time.Millisecond, func(nodeID string, reason EvictReason) {
		mu.Lock()
		evicted = append(evicted, nodeID)
		mu.Unlock()
	}, nil)

	reg.Register("mac-1", &fakeChannel{})
	reg.StartHeartbeat()
	defer reg.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(evicted)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "mac-1" {
		t.Fatalf("expected mac-1 to be evicted on missed keepalive, got %v", evicted)
	}
}

func TestPongResetsMissedPingCounter(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, nil, nil)
	reg.Register("mac-1", &fakeChannel{})
	reg.StartHeartbeat()
	defer reg.Stop()

	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		reg.Pong("mac-1")
	}

	if reg.Count() != 1 {
		t.Fatalf("expected session to survive with regular pongs, got count %d", reg.Count())
	}
}
