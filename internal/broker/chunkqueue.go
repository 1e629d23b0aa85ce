package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/relayhub/router/internal/models"
)

// ErrStreamGone is returned by push once the Application's own reader has
// disconnected and closeApplicationReader has been called; the caller
// must surface stream_gone to the Connector.
var ErrStreamGone = errors.New("stream_gone")

// ErrRequestTerminal is returned by push once the request has reached a
// terminal state for a reason other than the Application disconnecting
// (timeout, cancellation, eviction, shutdown); the caller must surface
// unknown_request to the Connector, per the "ignored if the request is
// unknown or already terminal" rule.
var ErrRequestTerminal = errors.New("request_terminal")

// ErrStreamEnded is returned by pop once the request became terminal
// without a final record ever being pushed — the request was aborted
// (timeout, cancel, connector_disconnected) before any terminal chunk
// arrived. The caller must consult the owning request's state for the
// real reason.
var ErrStreamEnded = errors.New("stream_ended")

// chunkQueue is the bounded single-producer/single-consumer pipe backing
// one Pattern B request. The producer (stream/chunk handler) blocks when
// the queue is full, propagating backpressure to the Connector; the
// consumer (request-stream handler) blocks when the queue is empty.
// closeReader unblocks any pending push whenever the request becomes
// terminal, for any reason, so the producer never deadlocks; appDisconnected
// separately tracks whether that terminal transition was specifically the
// Application's own HTTP reader going away, since that's the only case
// that should surface as stream_gone rather than unknown_request.
type chunkQueue struct {
	ch       chan models.ChunkRecord
	gone     chan struct{}
	goneOnce sync.Once

	appDisconnected atomic.Bool
}

func newChunkQueue(depth int) *chunkQueue {
	if depth <= 0 {
		depth = 16
	}
	return &chunkQueue{
		ch:   make(chan models.ChunkRecord, depth),
		gone: make(chan struct{}),
	}
}

// push enqueues rec, blocking if the queue is full. Returns ErrStreamGone
// if the Application's reader disconnected, ErrRequestTerminal if the
// request instead became terminal for some other reason, or ctx.Err() if
// ctx is done first (used to enforce the request deadline as backpressure
// timeout).
func (q *chunkQueue) push(ctx context.Context, rec models.ChunkRecord) error {
	select {
	case q.ch <- rec:
		return nil
	case <-q.gone:
		if q.appDisconnected.Load() {
			return ErrStreamGone
		}
		return ErrRequestTerminal
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pop dequeues the next record, blocking until one arrives or ctx is done.
func (q *chunkQueue) pop(ctx context.Context) (models.ChunkRecord, error) {
	select {
	case rec := <-q.ch:
		return rec, nil
	case <-q.gone:
		select {
		case rec := <-q.ch:
			return rec, nil
		default:
			return models.ChunkRecord{}, ErrStreamEnded
		}
	case <-ctx.Done():
		return models.ChunkRecord{}, ctx.Err()
	}
}

// closeReader signals every blocked or future push that the request has
// reached a terminal state, for any reason. Idempotent.
func (q *chunkQueue) closeReader() {
	q.goneOnce.Do(func() { close(q.gone) })
}

// closeApplicationReader signals that the Application's own HTTP
// connection disconnected, as distinct from the request becoming
// terminal for some other reason (timeout, eviction, cancellation,
// shutdown). It also closes the generic gone signal so any blocked push
// unblocks.
func (q *chunkQueue) closeApplicationReader() {
	q.appDisconnected.Store(true)
	q.closeReader()
}

// readerGone reports whether the request has reached a terminal state,
// for any reason. Use applicationDisconnected instead to tell a genuine
// Application disconnect apart from any other terminal transition.
func (q *chunkQueue) readerGone() bool {
	select {
	case <-q.gone:
		return true
	default:
		return false
	}
}

// applicationDisconnected reports whether the Application's own HTTP
// reader specifically disconnected, as opposed to the request reaching a
// terminal state for some other reason.
func (q *chunkQueue) applicationDisconnected() bool {
	return q.appDisconnected.Load()
}
