// Package session implements the Connector session registry: the
// node-id -> live session map backing persistent push channels, and the
// command-send primitive the request broker dispatches over.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/relayhub/router/internal/models"
	"github.com/relayhub/router/pkg/logger"
)

// ErrNoSuchConnector is returned by Send when no session exists for the
// given node id.
var ErrNoSuchConnector = errors.New("no_such_connector")

// EvictReason identifies why a session was removed from the registry.
type EvictReason string

const (
	EvictReplaced  EvictReason = "replaced"
	EvictClosed    EvictReason = "closed"
	EvictKeepalive EvictReason = "keepalive_timeout"
	EvictSendError EvictReason = "send_failed"
)

// EvictFunc is called, outside the registry's lock, whenever a session is
// replaced, fails a send, or misses its keep-alive acks. It is not called
// for an explicit Unregister by the session's own owner, nor for the
// sessions Stop closes. The broker uses this to fail every pending request
// targeting the evicted node.
type EvictFunc func(nodeID string, reason EvictReason)

// Session is one live Connector push channel. At most one Session exists
// per node identifier at any instant.
type Session struct {
	NodeID      string
	ConnectedAt time.Time

	// SessionID is a random correlation id for this session's lifetime,
	// distinct from NodeID: it changes across reconnects of the same
	// node and is carried only in log lines, never on the wire.
	SessionID uuid.UUID

	ch          Channel
	sendMu      sync.Mutex
	closed      atomic.Bool
	missedPings atomic.Int32
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func (s *Session) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.ch.Close()
}

// Registry maintains the node-id -> live session mapping.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	keepaliveInterval time.Duration
	onEvict           EvictFunc
	logger            *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty session registry. onEvict may be nil.
func NewRegistry(keepaliveInterval time.Duration, onEvict EvictFunc, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	if onEvict == nil {
		onEvict = func(string, EvictReason) {}
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		keepaliveInterval: keepaliveInterval,
		onEvict:           onEvict,
		logger:            log.WithComponent("session_registry"),
		stopCh:            make(chan struct{}),
	}
}

// Register installs a new session for nodeID, atomically replacing and
// closing any prior session for the same node id (last-writer-wins).
func (r *Registry) Register(nodeID string, ch Channel) *Session {
	sessionID, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand exhaustion is not a condition callers can recover
		// from meaningfully; fall back to the nil UUID rather than
		// refusing the connection, since SessionID is log-only.
		r.logger.Warn("failed to generate session correlation id", "node_id", nodeID, "error", err)
	}

	session := &Session{NodeID: nodeID, ConnectedAt: time.Now(), SessionID: sessionID, ch: ch}

	r.mu.Lock()
	prior := r.sessions[nodeID]
	r.sessions[nodeID] = session
	r.mu.Unlock()

	if prior != nil {
		prior.close()
		r.logger.Info("session replaced", "node_id", nodeID, "session_id", sessionID, "prior_session_id", prior.SessionID)
		r.onEvict(nodeID, EvictReplaced)
	}

	r.logger.Info("session registered", "node_id", nodeID, "session_id", sessionID)
	return session
}

// Unregister removes session if it is still the current entry for its
// node id. It is idempotent: unregistering a session that has already
// been replaced or removed is a no-op.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	current, ok := r.sessions[s.NodeID]
	if ok && current == s {
		delete(r.sessions, s.NodeID)
	}
	r.mu.Unlock()

	s.close()
}

// Send serializes frame over the session for nodeID. Frames for one node
// id are sent in FIFO order; concurrent callers for the same node id are
// serialized by the session's own send lock. A write error marks the
// session dead, evicts it, and the Request Broker is notified via
// onEvict so it can fail requests targeting the session.
func (r *Registry) Send(nodeID string, frame *models.CommandFrame) error {
	r.mu.RLock()
	s, ok := r.sessions[nodeID]
	r.mu.RUnlock()
	if !ok || s.IsClosed() {
		return ErrNoSuchConnector
	}

	s.sendMu.Lock()
	err := s.ch.Send(frame)
	s.sendMu.Unlock()

	if err != nil {
		r.mu.Lock()
		if current, ok := r.sessions[nodeID]; ok && current == s {
			delete(r.sessions, nodeID)
		}
		r.mu.Unlock()
		s.close()
		r.logger.Warn("command send failed, evicting session", "node_id", nodeID, "error", err)
		r.onEvict(nodeID, EvictSendError)
		return fmt.Errorf("send_failed: %w", err)
	}

	return nil
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []models.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, models.SessionInfo{NodeID: s.NodeID, ConnectedAt: s.ConnectedAt})
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Pong records a keep-alive acknowledgement from nodeID, resetting its
// missed-ping counter.
func (r *Registry) Pong(nodeID string) {
	r.mu.RLock()
	s, ok := r.sessions[nodeID]
	r.mu.RUnlock()
	if ok {
		s.missedPings.Store(0)
	}
}

// StartHeartbeat runs the keep-alive loop until Stop is called: every
// keepaliveInterval it pings every live session and evicts any session
// that has missed two consecutive acks.
func (r *Registry) StartHeartbeat() {
	if r.keepaliveInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.tick()
			}
		}
	}()
}

func (r *Registry) tick() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		// missed counts this tick plus every ping still unanswered; a value
		// above 2 means the two previous pings both went unacknowledged.
		missed := s.missedPings.Add(1)
		if missed > 2 {
			r.mu.Lock()
			if current, ok := r.sessions[s.NodeID]; ok && current == s {
				delete(r.sessions, s.NodeID)
			}
			r.mu.Unlock()
			s.close()
			r.logger.Info("session evicted on missed keepalive", "node_id", s.NodeID)
			r.onEvict(s.NodeID, EvictKeepalive)
			continue
		}

		s.sendMu.Lock()
		err := s.ch.Send(models.NewPingFrame())
		s.sendMu.Unlock()
		if err != nil {
			r.logger.Debug("heartbeat ping failed, will evict on next miss", "node_id", s.NodeID, "error", err)
		}
	}
}

// Stop halts the heartbeat loop and closes every live session, used
// during graceful shutdown.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
