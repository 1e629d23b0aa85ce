package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel is a discrete-frame, send-only view of a Connector's push
// channel. The registry is indifferent to which transport backs a given
// Channel so long as it carries JSON frames in order and reports a
// broken connection as an error from Send.
type Channel interface {
	// Send serializes frame as JSON and writes it as one discrete frame.
	// Implementations must serialize concurrent Send calls themselves;
	// the registry additionally holds a per-session lock around Send so
	// this is a belt-and-braces guarantee, not the only one.
	Send(frame any) error
	// Close releases the underlying transport.
	Close() error
}

// wsChannel implements Channel over a gorilla/websocket connection.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketChannel wraps conn as a Channel.
func NewWebSocketChannel(conn *websocket.Conn) Channel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// sseChannel implements Channel over a flushing http.ResponseWriter, one
// "data:" line per frame per the push-channel framing rules.
type sseChannel struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	gone    chan struct{}
	closed  bool
}

// NewSSEChannel wraps w as a Channel. w must support http.Flusher.
func NewSSEChannel(w http.ResponseWriter) (Channel, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseChannel{w: w, flusher: flusher, gone: make(chan struct{})}, nil
}

func (c *sseChannel) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel closed")
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.gone)
	}
	return nil
}

// Done returns a channel closed once the SSE response has been closed,
// letting the handler goroutine holding the connection know to return.
func (c *sseChannel) Done() <-chan struct{} {
	return c.gone
}
