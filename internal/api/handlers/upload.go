package handlers

import (
	"net/http"

	"github.com/relayhub/router/internal/apierr"
)

// resultBody is the shared Connector-facing body for POST /datasets/result,
// serving both Pattern A (data) and Pattern C (download_url / error).
type resultBody struct {
	RequestID   string `json:"request_id"`
	Data        []byte `json:"data,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Result handles POST /datasets/result, dispatching on body shape: an
// error field fails a Pattern C offload, a download_url fulfills one, and
// anything else is treated as a Pattern A buffered payload (an absent and
// an explicitly empty data field both decode to a zero-length slice, so
// the empty-dataset case needs no special handling here).
func (h *Handlers) Result(w http.ResponseWriter, r *http.Request) {
	var body resultBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		apierr.WriteError(w, apierr.Validation("request_id is required"))
		return
	}

	var routerErr *apierr.RouterError
	switch {
	case body.Error != "":
		routerErr = h.broker.DeliverOffloadError(body.RequestID, body.Error)
	case body.DownloadURL != "":
		routerErr = h.broker.DeliverOffload(body.RequestID, body.DownloadURL, body.SizeBytes)
	default:
		routerErr = h.broker.DeliverResult(body.RequestID, body.Data)
	}

	if routerErr != nil {
		apierr.WriteError(w, routerErr)
		return
	}
	writeAck(w)
}

type streamInitBody struct {
	RequestID string `json:"request_id"`
	TotalSize *int64 `json:"total_size,omitempty"`
	ChunkSize *int64 `json:"chunk_size,omitempty"`
}

// StreamInit handles POST /datasets/stream/init.
func (h *Handlers) StreamInit(w http.ResponseWriter, r *http.Request) {
	var body streamInitBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		apierr.WriteError(w, apierr.Validation("request_id is required"))
		return
	}
	if routerErr := h.broker.StreamInit(body.RequestID); routerErr != nil {
		apierr.WriteError(w, routerErr)
		return
	}
	writeAck(w)
}

type streamChunkBody struct {
	RequestID string `json:"request_id"`
	Seq       int    `json:"seq"`
	Data      []byte `json:"data"`
}

// StreamChunk handles POST /datasets/stream/chunk. The call blocks inside
// the broker, applying backpressure to the Connector, until the chunk is
// accepted, the queue's grace period elapses, or the request's own
// deadline does.
func (h *Handlers) StreamChunk(w http.ResponseWriter, r *http.Request) {
	var body streamChunkBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		apierr.WriteError(w, apierr.Validation("request_id is required"))
		return
	}
	if routerErr := h.broker.StreamChunk(r.Context(), body.RequestID, body.Seq, body.Data); routerErr != nil {
		apierr.WriteError(w, routerErr)
		return
	}
	writeAck(w)
}

type streamCompleteBody struct {
	RequestID   string `json:"request_id"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

// StreamComplete handles POST /datasets/stream/complete.
func (h *Handlers) StreamComplete(w http.ResponseWriter, r *http.Request) {
	var body streamCompleteBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		apierr.WriteError(w, apierr.Validation("request_id is required"))
		return
	}
	if routerErr := h.broker.StreamComplete(body.RequestID); routerErr != nil {
		apierr.WriteError(w, routerErr)
		return
	}
	writeAck(w)
}

type streamErrorBody struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

// StreamError handles POST /datasets/stream/error.
func (h *Handlers) StreamError(w http.ResponseWriter, r *http.Request) {
	var body streamErrorBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		apierr.WriteError(w, apierr.Validation("request_id is required"))
		return
	}
	if routerErr := h.broker.StreamError(body.RequestID, body.Message); routerErr != nil {
		apierr.WriteError(w, routerErr)
		return
	}
	writeAck(w)
}
