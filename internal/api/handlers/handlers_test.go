package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/relayhub/router/internal/broker"
	"github.com/relayhub/router/internal/models"
	"github.com/relayhub/router/internal/session"
	"github.com/relayhub/router/pkg/config"
)

// capturingChannel records every frame sent to it, letting tests recover
// the request id the broker generated for a handler call running in its
// own goroutine.
type capturingChannel struct {
	mu     sync.Mutex
	frames []*models.CommandFrame
}

func (c *capturingChannel) Send(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cf, ok := frame.(*models.CommandFrame); ok {
		c.frames = append(c.frames, cf)
	}
	return nil
}

func (c *capturingChannel) Close() error { return nil }

func (c *capturingChannel) waitForFrame(t *testing.T) *models.CommandFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) > 0 {
			f := c.frames[len(c.frames)-1]
			c.mu.Unlock()
			return f
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no command frame dispatched in time")
	return nil
}

func newTestHandlers(t *testing.T) (*Handlers, *broker.Broker, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(0, nil, nil)
	b := broker.New(reg, 1<<20, 4, 1<<20, nil, nil)
	cfg := &config.Config{RequestTimeout: time.Second}
	return New(b, reg, cfg, nil, nil), b, reg
}

func doRequest(h http.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// withURLParam attaches a chi route parameter to req the way the chi
// router would after matching a {request_id} segment.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestRequestSyncHappyPath(t *testing.T) {
	h, b, reg := newTestHandlers(t)
	ch := &capturingChannel{}
	reg.Register("mac-1", ch)

	var status int
	var bodyBytes []byte
	done := make(chan struct{})
	go func() {
		rec := doRequest(h.RequestSync, http.MethodPost, `{"mac":"mac-1","dataset":"dataset_1kb.json"}`)
		status = rec.Code
		bodyBytes = rec.Body.Bytes()
		close(done)
	}()

	frame := ch.waitForFrame(t)

	payload := bytes.Repeat([]byte{0xAB}, 1024)
	if err := b.DeliverResult(frame.RequestID, payload); err != nil {
		t.Fatalf("deliver result: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned")
	}

	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, bodyBytes)
	}
	var resp syncResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SizeBytes != 1024 {
		t.Fatalf("expected size_bytes=1024, got %d", resp.SizeBytes)
	}
	if !bytes.Equal(resp.Data, payload) {
		t.Fatal("returned data does not match uploaded bytes")
	}
}

func TestRequestSyncNoSuchConnector(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := doRequest(h.RequestSync, http.MethodPost, `{"mac":"absent","dataset":"d"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "no_such_connector" {
		t.Fatalf("expected no_such_connector, got %v", body["error"])
	}
}

func TestRequestSyncValidation(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	rec := doRequest(h.RequestSync, http.MethodPost, `{"dataset":"d"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/datasets/status/nope", nil)
	req = withURLParam(req, "request_id", "nope")
	rec := httptest.NewRecorder()
	h.Status(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStatusReturnsSnapshotAfterFulfillment(t *testing.T) {
	h, b, reg := newTestHandlers(t)
	ch := &capturingChannel{}
	reg.Register("mac-1", ch)

	req := b.Begin("mac-1", "d", models.PatternBuffer, time.Second, nil)
	b.Dispatch(req)
	_ = b.DeliverResult(req.RequestID, []byte("x"))
	<-req.Done()

	httpReq := httptest.NewRequest(http.MethodGet, "/datasets/status/"+req.RequestID, nil)
	httpReq = withURLParam(httpReq, "request_id", req.RequestID)
	rec := httptest.NewRecorder()
	h.Status(rec, httpReq)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status models.RequestStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != models.RequestFulfilled {
		t.Fatalf("expected fulfilled, got %s", status.State)
	}
}

func TestResultDispatchesOnBodyShape(t *testing.T) {
	h, b, reg := newTestHandlers(t)
	reg.Register("mac-1", &capturingChannel{})

	req := b.Begin("mac-1", "d", models.PatternOffload, time.Second, nil)
	b.Dispatch(req)

	body, _ := json.Marshal(resultBody{RequestID: req.RequestID, DownloadURL: "http://minio:9000/ds/xyz", SizeBytes: 2048})
	rec := doRequest(h.Result, http.MethodPost, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	<-req.Done()
	_, downloadURL, sizeBytes, _ := req.Result()
	if downloadURL != "http://minio:9000/ds/xyz" || sizeBytes != 2048 {
		t.Fatalf("offload result mismatch: url=%q size=%d", downloadURL, sizeBytes)
	}
}

func TestResultOffloadError(t *testing.T) {
	h, b, reg := newTestHandlers(t)
	reg.Register("mac-1", &capturingChannel{})

	req := b.Begin("mac-1", "d", models.PatternOffload, time.Second, nil)
	b.Dispatch(req)

	body, _ := json.Marshal(resultBody{RequestID: req.RequestID, Error: "disk full"})
	rec := doRequest(h.Result, http.MethodPost, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack from the connector's perspective, got %d", rec.Code)
	}

	<-req.Done()
	if req.State() != models.RequestFailed {
		t.Fatalf("expected failed, got %s", req.State())
	}
	if req.Err() == nil || req.Err().Kind != "offload_failed" {
		t.Fatalf("expected offload_failed, got %v", req.Err())
	}
}

func TestRequestStreamHappyPath(t *testing.T) {
	h, b, reg := newTestHandlers(t)
	ch := &capturingChannel{}
	reg.Register("mac-1", ch)

	var rec *httptest.ResponseRecorder
	done := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/datasets/request-stream", bytes.NewBufferString(`{"mac":"mac-1","dataset":"big.csv"}`))
		rec = httptest.NewRecorder()
		h.RequestStream(rec, req)
		close(done)
	}()

	frame := ch.waitForFrame(t)
	_ = b.StreamInit(frame.RequestID)
	_ = b.StreamChunk(context.Background(), frame.RequestID, 0, []byte("hello "))
	_ = b.StreamChunk(context.Background(), frame.RequestID, 1, []byte("world"))
	_ = b.StreamComplete(frame.RequestID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler never returned")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Fatalf("expected concatenated chunk bytes, got %q", rec.Body.String())
	}
}

func TestRequestSyncClientDisconnectCancels(t *testing.T) {
	h, _, reg := newTestHandlers(t)
	ch := &capturingChannel{}
	reg.Register("mac-1", ch)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"mac":"mac-1","dataset":"d"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.RequestSync(rec, req)
		close(done)
	}()

	ch.waitForFrame(t)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned after client disconnect")
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected no response body written after client disconnect, got %q", rec.Body.String())
	}
}

func TestConnectorsListsRegisteredSessions(t *testing.T) {
	h, _, reg := newTestHandlers(t)
	reg.Register("mac-1", &capturingChannel{})

	rec := doRequest(h.Connectors, http.MethodGet, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []models.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].NodeID != "mac-1" {
		t.Fatalf("expected one session for mac-1, got %v", sessions)
	}
}
