package broker

import (
	"sync"
	"time"

	"github.com/relayhub/router/internal/apierr"
	"github.com/relayhub/router/internal/models"
)

// PendingRequest is one Application request awaiting fulfillment by a
// Connector upload. Once it reaches a terminal state its result/error slot
// is immutable and its done channel has been closed exactly once.
type PendingRequest struct {
	RequestID string
	NodeID    string
	Dataset   string
	Pattern   models.Pattern
	CreatedAt time.Time
	Deadline  time.Time

	mu       sync.Mutex
	state    models.RequestState
	done     chan struct{}
	doneOnce sync.Once

	data        []byte
	downloadURL string
	sizeBytes   int64
	expiresAt   *time.Time
	routerErr   *apierr.RouterError

	chunks *chunkQueue

	streamMu    sync.Mutex
	nextSeq     int
	streamBytes int64

	timings           models.Timings
	processingDelayMS *int
}

func newPendingRequest(requestID, nodeID, dataset string, pattern models.Pattern, deadline time.Time, streamQueueDepth int, processingDelayMS *int) *PendingRequest {
	p := &PendingRequest{
		RequestID:         requestID,
		NodeID:            nodeID,
		Dataset:           dataset,
		Pattern:           pattern,
		CreatedAt:         time.Now(),
		Deadline:          deadline,
		state:             models.RequestPending,
		done:              make(chan struct{}),
		processingDelayMS: processingDelayMS,
	}
	p.timings.T1RouterRecv = time.Now().UnixNano()
	p.timings.ProcessingDelayHintMS = processingDelayMS
	if pattern == models.PatternStream {
		p.chunks = newChunkQueue(streamQueueDepth)
	}
	return p
}

// Done returns a channel closed exactly once, when the request reaches a
// terminal state.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// State returns the request's current state under lock.
func (p *PendingRequest) State() models.RequestState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// release closes the done channel exactly once.
func (p *PendingRequest) release() {
	p.doneOnce.Do(func() { close(p.done) })
}

// markDispatched records t_dispatch. No-op once terminal.
func (p *PendingRequest) markDispatched() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return
	}
	p.timings.TDispatch = time.Now().UnixNano()
}

// fulfillBuffered transitions a Pattern A request to fulfilled with the
// given payload. Returns false if the request was already terminal (first
// writer wins per the spec's deliver_result/cancel race rule); callers
// report that as unknown_request.
func (p *PendingRequest) fulfillBuffered(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return false
	}
	now := time.Now()
	p.timings.TResultRecv = now.UnixNano()
	p.timings.TRespond = now.UnixNano()
	p.data = data
	p.sizeBytes = int64(len(data))
	p.state = models.RequestFulfilled
	p.release()
	return true
}

// fulfillOffload transitions a Pattern C request to fulfilled with a
// download URL.
func (p *PendingRequest) fulfillOffload(url string, sizeBytes int64, expiresAt *time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return false
	}
	now := time.Now()
	p.timings.TResultRecv = now.UnixNano()
	p.timings.TRespond = now.UnixNano()
	p.downloadURL = url
	p.sizeBytes = sizeBytes
	p.expiresAt = expiresAt
	p.state = models.RequestFulfilled
	p.release()
	return true
}

// fail transitions a non-terminal request to a terminal failure state
// carrying the given error. Returns false if already terminal.
func (p *PendingRequest) fail(state models.RequestState, err *apierr.RouterError) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return false
	}
	p.timings.TRespond = time.Now().UnixNano()
	p.routerErr = err
	p.state = state
	if p.chunks != nil {
		p.chunks.closeReader()
	}
	p.release()
	return true
}

// Result returns the buffered payload (Pattern A) or offload URL details
// (Pattern C) of a fulfilled request; use Err for a failed one. Callers
// must only inspect these after Done() has fired.
func (p *PendingRequest) Result() (data []byte, downloadURL string, sizeBytes int64, expiresAt *time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data, p.downloadURL, p.sizeBytes, p.expiresAt
}

// Err returns the terminal error, if any, set after Done() has fired.
func (p *PendingRequest) Err() *apierr.RouterError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routerErr
}

// TimingsSnapshot returns a copy of the request's timing record.
func (p *PendingRequest) TimingsSnapshot() models.Timings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timings
}

// StreamBytes returns the total chunk payload bytes accepted so far for a
// Pattern B request.
func (p *PendingRequest) StreamBytes() int64 {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	return p.streamBytes
}

// snapshot returns the data needed to answer GET /datasets/status/{id}.
func (p *PendingRequest) snapshot() models.RequestStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := models.RequestStatus{
		RequestID: p.RequestID,
		NodeID:    p.NodeID,
		Dataset:   p.Dataset,
		Pattern:   p.Pattern,
		State:     p.state,
		Timings:   p.timings,
		CreatedAt: p.CreatedAt,
	}
	if p.routerErr != nil {
		status.Error = p.routerErr.Message
	}
	return status
}
