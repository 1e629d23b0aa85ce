// Package broker implements the Request Broker: request-id allocation,
// the pending-request table, and the three transfer patterns (buffering,
// streaming, offloading) rendezvousing an Application's blocked HTTP
// request with an asynchronous Connector upload.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relayhub/router/internal/apierr"
	"github.com/relayhub/router/internal/metrics"
	"github.com/relayhub/router/internal/models"
	"github.com/relayhub/router/internal/session"
	"github.com/relayhub/router/pkg/logger"
)

// backpressureGrace bounds how long a single stream/chunk POST blocks
// before the Broker reports backpressure rather than waiting out the
// whole request deadline.
const backpressureGrace = 5 * time.Second

// Broker is the process-wide Request Broker singleton. It owns no state
// beyond the pending-request map; the Session Registry it dispatches
// through is constructed and owned separately.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest

	registry *session.Registry
	metrics  *metrics.Collector
	logger   *logger.Logger

	maxBufferedBytes int64
	streamQueueDepth int
	maxChunkSize     int64
}

// New constructs a Broker dispatching through registry and bounded by the
// given resource limits. metrics may be nil to disable instrumentation.
func New(registry *session.Registry, maxBufferedBytes int64, streamQueueDepth int, maxChunkSize int64, m *metrics.Collector, log *logger.Logger) *Broker {
	if log == nil {
		log = logger.Default()
	}
	return &Broker{
		pending:          make(map[string]*PendingRequest),
		registry:         registry,
		metrics:          m,
		logger:           log.WithComponent("broker"),
		maxBufferedBytes: maxBufferedBytes,
		streamQueueDepth: streamQueueDepth,
		maxChunkSize:     maxChunkSize,
	}
}

// Begin allocates a request id, inserts a pending record, and arms its
// deadline timer. The caller dispatches separately. processingDelayMS, if
// non-nil, is threaded through to the dispatched command frame and echoed
// back in the request's timings.
func (b *Broker) Begin(nodeID, dataset string, pattern models.Pattern, timeout time.Duration, processingDelayMS *int) *PendingRequest {
	req := newPendingRequest(newRequestID(), nodeID, dataset, pattern, time.Now().Add(timeout), b.streamQueueDepth, processingDelayMS)

	b.mu.Lock()
	b.pending[req.RequestID] = req
	b.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		if req.fail(models.RequestTimedOut, apierr.Timeout("request exceeded its deadline")) {
			b.recordOutcome(req, "timeout")
		}
	})
	go func() {
		<-req.Done()
		timer.Stop()
	}()

	return req
}

// Dispatch sends the pattern's command frame over the node's push
// channel. If the session is absent or the send fails, the request is
// failed immediately and its waitable released.
func (b *Broker) Dispatch(req *PendingRequest) {
	frame := &models.CommandFrame{
		Command:           models.CommandForPattern(req.Pattern),
		RequestID:         req.RequestID,
		DatasetName:       req.Dataset,
		ProcessingDelayMS: req.processingDelayMS,
	}

	if err := b.registry.Send(req.NodeID, frame); err != nil {
		var routerErr *apierr.RouterError
		if errors.Is(err, session.ErrNoSuchConnector) {
			routerErr = apierr.NoSuchConnector(fmt.Sprintf("no live session for node %s", req.NodeID))
		} else {
			routerErr = apierr.ConnectorDisconnected(err.Error())
		}
		if req.fail(models.RequestFailed, routerErr) {
			b.recordOutcome(req, string(routerErr.Kind))
		}
		return
	}

	req.markDispatched()
}

// DeliverResult fulfills a Pattern A request with the Connector's full
// payload.
func (b *Broker) DeliverResult(requestID string, data []byte) *apierr.RouterError {
	req := b.lookup(requestID)
	if req == nil {
		return apierr.UnknownRequest("no such request: " + requestID)
	}
	if req.Pattern != models.PatternBuffer {
		return apierr.ProtocolViolation("request " + requestID + " is not pattern A")
	}
	if int64(len(data)) > b.maxBufferedBytes {
		if req.fail(models.RequestFailed, apierr.PayloadTooLarge(fmt.Sprintf("payload of %d bytes exceeds max_buffered_bytes", len(data)))) {
			b.recordOutcome(req, "payload_too_large")
		}
		return nil
	}
	if !req.fulfillBuffered(data) {
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}
	b.recordOutcome(req, "success")
	return nil
}

// DeliverOffload fulfills a Pattern C request with a download URL.
func (b *Broker) DeliverOffload(requestID, url string, sizeBytes int64) *apierr.RouterError {
	req := b.lookup(requestID)
	if req == nil {
		return apierr.UnknownRequest("no such request: " + requestID)
	}
	if req.Pattern != models.PatternOffload {
		return apierr.ProtocolViolation("request " + requestID + " is not pattern C")
	}
	if !req.fulfillOffload(url, sizeBytes, nil) {
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}
	b.recordOutcome(req, "success")
	return nil
}

// DeliverOffloadError fails a Pattern C request with the Connector's
// reported upload error.
func (b *Broker) DeliverOffloadError(requestID, message string) *apierr.RouterError {
	req := b.lookup(requestID)
	if req == nil {
		return apierr.UnknownRequest("no such request: " + requestID)
	}
	if req.Pattern != models.PatternOffload {
		return apierr.ProtocolViolation("request " + requestID + " is not pattern C")
	}
	if !req.fail(models.RequestFailed, apierr.OffloadFailed(message)) {
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}
	b.recordOutcome(req, "offload_failed")
	return nil
}

// StreamInit checks that requestID names a Pattern B request that is not
// yet terminal. It records nothing on the request and performs no state
// transition; the chunk pipe is already provisioned at Begin.
func (b *Broker) StreamInit(requestID string) *apierr.RouterError {
	req := b.lookup(requestID)
	if req == nil {
		return apierr.UnknownRequest("no such request: " + requestID)
	}
	if req.Pattern != models.PatternStream {
		return apierr.ProtocolViolation("request " + requestID + " is not pattern B")
	}
	if req.State().IsTerminal() {
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}
	return nil
}

// StreamChunk enqueues one chunk, blocking up to backpressureGrace (and
// never past the request's own deadline) when the pipe is full. Chunk
// sequence numbers must be dense starting at 0; a gap fails the whole
// request with protocol_violation.
func (b *Broker) StreamChunk(ctx context.Context, requestID string, seq int, data []byte) *apierr.RouterError {
	req := b.lookup(requestID)
	if req == nil {
		return apierr.UnknownRequest("no such request: " + requestID)
	}
	if req.Pattern != models.PatternStream {
		return apierr.ProtocolViolation("request " + requestID + " is not pattern B")
	}
	if int64(len(data)) > b.maxChunkSize {
		msg := fmt.Sprintf("chunk of %d bytes exceeds max_chunk_size", len(data))
		if req.fail(models.RequestFailed, apierr.PayloadTooLarge(msg)) {
			b.recordOutcome(req, "payload_too_large")
		}
		return apierr.PayloadTooLarge(msg)
	}

	req.streamMu.Lock()
	if req.chunks.applicationDisconnected() {
		req.streamMu.Unlock()
		return apierr.StreamGone("stream reader gone")
	}
	if req.State().IsTerminal() {
		req.streamMu.Unlock()
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}
	if seq != req.nextSeq {
		req.streamMu.Unlock()
		msg := fmt.Sprintf("expected sequence %d, got %d", req.nextSeq, seq)
		if req.fail(models.RequestFailed, apierr.ProtocolViolation(msg)) {
			b.recordOutcome(req, "protocol_violation")
		}
		return apierr.ProtocolViolation(msg)
	}
	req.streamMu.Unlock()

	grace := backpressureGrace
	if remaining := time.Until(req.Deadline); remaining < grace {
		grace = remaining
	}
	pushCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := req.chunks.push(pushCtx, models.ChunkRecord{RequestID: requestID, Seq: seq, Data: data})
	if err == nil {
		req.streamMu.Lock()
		req.nextSeq++
		req.streamBytes += int64(len(data))
		req.streamMu.Unlock()
		return nil
	}

	if errors.Is(err, ErrStreamGone) {
		return apierr.StreamGone("stream reader gone")
	}
	if errors.Is(err, ErrRequestTerminal) {
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}
	if time.Now().After(req.Deadline) {
		if req.fail(models.RequestTimedOut, apierr.Timeout("request deadline exceeded while streaming")) {
			b.recordOutcome(req, "timeout")
		}
		return apierr.Timeout("request deadline exceeded while streaming")
	}
	return apierr.Backpressure("stream queue full, retry")
}

// StreamComplete enqueues the terminal sentinel and fulfills the request.
func (b *Broker) StreamComplete(requestID string) *apierr.RouterError {
	req := b.lookup(requestID)
	if req == nil {
		return apierr.UnknownRequest("no such request: " + requestID)
	}
	if req.Pattern != models.PatternStream {
		return apierr.ProtocolViolation("request " + requestID + " is not pattern B")
	}
	if req.State().IsTerminal() {
		if req.chunks.applicationDisconnected() {
			return apierr.StreamGone("stream reader gone")
		}
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}

	req.streamMu.Lock()
	seq := req.nextSeq
	req.streamMu.Unlock()

	ctx, cancel := context.WithDeadline(context.Background(), req.Deadline)
	defer cancel()
	if err := req.chunks.push(ctx, models.ChunkRecord{RequestID: requestID, Seq: seq, Terminal: true}); err != nil {
		if errors.Is(err, ErrStreamGone) {
			return apierr.StreamGone("stream reader gone")
		}
		if errors.Is(err, ErrRequestTerminal) {
			return apierr.UnknownRequest("request " + requestID + " already terminal")
		}
		if req.fail(models.RequestTimedOut, apierr.Timeout("request deadline exceeded while streaming")) {
			b.recordOutcome(req, "timeout")
		}
		return apierr.Timeout("request deadline exceeded while streaming")
	}

	if req.fulfillBuffered(nil) {
		b.recordOutcome(req, "success")
	}
	return nil
}

// StreamError enqueues a terminal error sentinel and fails the request
// with the Connector's reported message.
func (b *Broker) StreamError(requestID, message string) *apierr.RouterError {
	req := b.lookup(requestID)
	if req == nil {
		return apierr.UnknownRequest("no such request: " + requestID)
	}
	if req.Pattern != models.PatternStream {
		return apierr.ProtocolViolation("request " + requestID + " is not pattern B")
	}

	req.streamMu.Lock()
	seq := req.nextSeq
	req.streamMu.Unlock()

	routerErr := apierr.OffloadFailed(message)
	if !req.fail(models.RequestFailed, routerErr) {
		return apierr.UnknownRequest("request " + requestID + " already terminal")
	}
	// Best-effort: wake a blocked consumer with a terminal error record;
	// fail() has already closed the reader-gone signal as a fallback.
	_ = req.chunks.push(context.Background(), models.ChunkRecord{RequestID: requestID, Seq: seq, Terminal: true, Err: message})
	b.recordOutcome(req, "offload_failed")
	return nil
}

// Cancel transitions a non-terminal request to a terminal failure,
// releasing its waitable and, for Pattern B, closing its chunk pipe.
func (b *Broker) Cancel(requestID string, kind apierr.Kind, message string) {
	req := b.lookup(requestID)
	if req == nil {
		return
	}
	state := models.RequestFailed
	if kind == apierr.KindTimeout {
		state = models.RequestTimedOut
	}
	if req.fail(state, apierr.New(kind, message)) {
		b.recordOutcome(req, string(kind))
	}
}

// CancelClientDisconnected transitions a non-terminal request to the
// cancelled state because the Application's own HTTP connection went
// away before rendezvous completed. Unlike Cancel, this carries no
// apierr.Kind: there is no response left to write, so the pending table
// simply records the reason for GET /datasets/status/{id} observers.
func (b *Broker) CancelClientDisconnected(requestID string) {
	req := b.lookup(requestID)
	if req == nil {
		return
	}
	if req.fail(models.RequestCancelled, nil) {
		b.recordOutcome(req, "client_disconnected")
	}
}

// Get returns a snapshot of a request's current state for the status
// endpoint. ok is false if the request id is unknown.
func (b *Broker) Get(requestID string) (status models.RequestStatus, ok bool) {
	req := b.lookup(requestID)
	if req == nil {
		return models.RequestStatus{}, false
	}
	return req.snapshot(), true
}

// PopChunk blocks until the next chunk of a Pattern B request is ready,
// ctx is done, or the request is aborted. Used by the request-stream
// handler's read loop.
func (b *Broker) PopChunk(ctx context.Context, req *PendingRequest) (models.ChunkRecord, error) {
	return req.chunks.pop(ctx)
}

// CloseStreamReader signals a Pattern B request's producer side that the
// Application's own HTTP connection has disconnected; subsequent chunk
// POSTs fail with stream_gone rather than the unknown_request a request
// gone terminal for some other reason (timeout, eviction, shutdown) would
// produce.
func (b *Broker) CloseStreamReader(req *PendingRequest) {
	if req.chunks != nil {
		req.chunks.closeApplicationReader()
	}
}

// EvictNode is registered as the Session Registry's EvictFunc: it fails
// every non-terminal request targeting nodeID with connector_disconnected.
func (b *Broker) EvictNode(nodeID string, reason session.EvictReason) {
	b.mu.Lock()
	var affected []*PendingRequest
	for _, req := range b.pending {
		if req.NodeID == nodeID && !req.State().IsTerminal() {
			affected = append(affected, req)
		}
	}
	b.mu.Unlock()

	for _, req := range affected {
		if req.fail(models.RequestFailed, apierr.ConnectorDisconnected(fmt.Sprintf("session for %s closed: %s", nodeID, reason))) {
			b.recordOutcome(req, "connector_disconnected")
		}
	}
}

// Shutdown fails every still-pending request with reason shutdown. It
// does not remove entries from the table; callers exit shortly after.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	reqs := make([]*PendingRequest, 0, len(b.pending))
	for _, req := range b.pending {
		reqs = append(reqs, req)
	}
	b.mu.Unlock()

	for _, req := range reqs {
		if req.fail(models.RequestFailed, apierr.ShuttingDown("router is shutting down")) {
			b.recordOutcome(req, "shutdown")
		}
	}
}

// Sweep removes terminal entries older than retention from the pending
// table, bounding its long-run memory footprint. Intended to be called
// periodically from a background ticker.
func (b *Broker) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, req := range b.pending {
		if req.State().IsTerminal() && req.CreatedAt.Before(cutoff) {
			delete(b.pending, id)
			removed++
		}
	}
	return removed
}

func (b *Broker) lookup(requestID string) *PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[requestID]
}

func (b *Broker) recordOutcome(req *PendingRequest, outcome string) {
	b.logger.Info("request completed", "request_id", req.RequestID, "pattern", req.Pattern, "outcome", outcome)
	if b.metrics == nil {
		return
	}
	b.metrics.RequestsTotal.WithLabelValues(string(req.Pattern), outcome).Inc()

	timings := req.TimingsSnapshot()
	if timings.TRespond != 0 && timings.T1RouterRecv != 0 {
		durSec := float64(timings.TRespond-timings.T1RouterRecv) / 1e9
		if durSec >= 0 {
			b.metrics.RequestDuration.WithLabelValues(string(req.Pattern)).Observe(durSec)
		}
	}

	sizeBytes := req.StreamBytes()
	if req.Pattern != models.PatternStream {
		_, _, sizeBytes, _ = req.Result()
	}
	if sizeBytes > 0 {
		b.metrics.BytesTransferred.WithLabelValues(string(req.Pattern)).Add(float64(sizeBytes))
	}
}

// newRequestID returns a random 128-bit value rendered as a URL-safe
// string, per the identifier-generation rule: collisions are treated as
// impossible, and the value is unguessable only incidentally.
func newRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("broker: failed to read random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
