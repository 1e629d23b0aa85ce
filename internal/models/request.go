// Package models provides the data types shared by the session registry,
// the request broker, and the HTTP surface.
package models

import "time"

// Pattern identifies one of the three transfer patterns a pending request
// is dispatched under.
type Pattern string

const (
	// PatternBuffer is Pattern A — the Connector's whole payload is
	// buffered by the Router and returned as one JSON body.
	PatternBuffer Pattern = "A"
	// PatternStream is Pattern B — the Connector's payload is relayed
	// chunk by chunk through a bounded queue.
	PatternStream Pattern = "B"
	// PatternOffload is Pattern C — the Connector uploads directly to
	// the object store and the Router relays only the resulting URL.
	PatternOffload Pattern = "C"
)

// IsValid reports whether p is one of the three defined patterns.
func (p Pattern) IsValid() bool {
	switch p {
	case PatternBuffer, PatternStream, PatternOffload:
		return true
	default:
		return false
	}
}

// RequestState is the terminal-state lattice of a pending request.
// Once a request reaches any state other than Pending, that state is
// final: the result/error slot is immutable and the completion signal
// has been released exactly once.
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestFulfilled RequestState = "fulfilled"
	RequestFailed    RequestState = "failed"
	RequestTimedOut  RequestState = "timed-out"
	RequestCancelled RequestState = "cancelled"
)

// IsTerminal reports whether s is a final state.
func (s RequestState) IsTerminal() bool {
	return s != RequestPending && s != ""
}

// Timings carries the four timestamps the wire protocol reports,
// expressed as wall-clock nanoseconds since the Unix epoch
// (time.Time.UnixNano).
type Timings struct {
	T1RouterRecv int64 `json:"t1_router_recv"`
	TDispatch    int64 `json:"t_dispatch,omitempty"`
	TResultRecv  int64 `json:"t_result_recv,omitempty"`
	TRespond     int64 `json:"t_respond,omitempty"`

	// ProcessingDelayHintMS carries the Connector-facing processing_delay_ms
	// hint through to the status endpoint, so a caller can tell dispatch
	// latency apart from time the Connector spent because of the hint.
	ProcessingDelayHintMS *int `json:"processing_delay_hint_ms,omitempty"`
}

// RequestStatus is the read-only observation of a pending request
// returned by GET /datasets/status/{request_id}.
type RequestStatus struct {
	RequestID string       `json:"request_id"`
	NodeID    string       `json:"mac"`
	Dataset   string       `json:"dataset"`
	Pattern   Pattern      `json:"pattern"`
	State     RequestState `json:"state"`
	Timings   Timings      `json:"timings"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
