package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/relayhub/router/internal/apierr"
	"github.com/relayhub/router/internal/models"
)

// datasetRequestBody is the shared Application-facing request body for
// all three request-* endpoints.
type datasetRequestBody struct {
	NodeID            string `json:"mac"`
	Dataset           string `json:"dataset"`
	TimeoutS          *int   `json:"timeout_s,omitempty"`
	ProcessingDelayMS *int   `json:"processing_delay_ms,omitempty"`
}

func (b *datasetRequestBody) validate() *apierr.RouterError {
	if strings.TrimSpace(b.NodeID) == "" {
		return apierr.Validation("mac is required")
	}
	if strings.TrimSpace(b.Dataset) == "" {
		return apierr.Validation("dataset is required")
	}
	return nil
}

// timeout resolves the per-request deadline, falling back to the
// configured default when timeout_s is absent or non-positive.
func (h *Handlers) timeout(body datasetRequestBody) time.Duration {
	if body.TimeoutS != nil && *body.TimeoutS > 0 {
		return time.Duration(*body.TimeoutS) * time.Second
	}
	return h.cfg.RequestTimeout
}

type syncResponse struct {
	Status    string         `json:"status"`
	RequestID string         `json:"request_id"`
	Data      []byte         `json:"data"`
	SizeBytes int64          `json:"size_bytes"`
	Timings   models.Timings `json:"timings"`
}

// RequestSync handles POST /datasets/request-sync — Pattern A.
func (h *Handlers) RequestSync(w http.ResponseWriter, r *http.Request) {
	var body datasetRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if verr := body.validate(); verr != nil {
		apierr.WriteError(w, verr)
		return
	}

	req := h.broker.Begin(body.NodeID, body.Dataset, models.PatternBuffer, h.timeout(body), body.ProcessingDelayMS)
	h.broker.Dispatch(req)

	select {
	case <-req.Done():
	case <-r.Context().Done():
		h.broker.CancelClientDisconnected(req.RequestID)
		return
	}

	if routerErr := req.Err(); routerErr != nil {
		apierr.WriteError(w, routerErr)
		return
	}

	data, _, sizeBytes, _ := req.Result()
	apierr.WriteJSON(w, http.StatusOK, syncResponse{
		Status:    "success",
		RequestID: req.RequestID,
		Data:      data,
		SizeBytes: sizeBytes,
		Timings:   req.TimingsSnapshot(),
	})
}

type offloadResponse struct {
	Status      string     `json:"status"`
	RequestID   string     `json:"request_id"`
	DownloadURL string     `json:"download_url"`
	SizeBytes   int64      `json:"size_bytes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RequestOffload handles POST /datasets/request-offload — Pattern C.
func (h *Handlers) RequestOffload(w http.ResponseWriter, r *http.Request) {
	var body datasetRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if verr := body.validate(); verr != nil {
		apierr.WriteError(w, verr)
		return
	}

	req := h.broker.Begin(body.NodeID, body.Dataset, models.PatternOffload, h.timeout(body), body.ProcessingDelayMS)
	h.broker.Dispatch(req)

	select {
	case <-req.Done():
	case <-r.Context().Done():
		h.broker.CancelClientDisconnected(req.RequestID)
		return
	}

	if routerErr := req.Err(); routerErr != nil {
		apierr.WriteError(w, routerErr)
		return
	}

	_, downloadURL, sizeBytes, expiresAt := req.Result()
	apierr.WriteJSON(w, http.StatusOK, offloadResponse{
		Status:      "success",
		RequestID:   req.RequestID,
		DownloadURL: downloadURL,
		SizeBytes:   sizeBytes,
		ExpiresAt:   expiresAt,
	})
}

// RequestStream handles POST /datasets/request-stream — Pattern B. The
// response is held open and each dequeued chunk is written to the body
// in sequence-number order; the status code is written once, on the
// first chunk, since §4.4 requires headers already flushed as 200 by
// that point.
func (h *Handlers) RequestStream(w http.ResponseWriter, r *http.Request) {
	var body datasetRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if verr := body.validate(); verr != nil {
		apierr.WriteError(w, verr)
		return
	}

	req := h.broker.Begin(body.NodeID, body.Dataset, models.PatternStream, h.timeout(body), body.ProcessingDelayMS)
	h.broker.Dispatch(req)

	if routerErr := req.Err(); routerErr != nil {
		// Dispatch failed synchronously (no_such_connector,
		// connector_disconnected): nothing has been written yet.
		apierr.WriteError(w, routerErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteError(w, apierr.Internal("response writer does not support streaming"))
		return
	}

	ctx := r.Context()
	headerWritten := false
	for {
		rec, err := h.broker.PopChunk(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				h.broker.CloseStreamReader(req)
				h.broker.CancelClientDisconnected(req.RequestID)
			}
			if !headerWritten {
				if routerErr := req.Err(); routerErr != nil {
					apierr.WriteError(w, routerErr)
				} else {
					apierr.WriteError(w, apierr.Internal("stream ended without a result"))
				}
			}
			return
		}

		if rec.Terminal {
			return
		}

		if !headerWritten {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			headerWritten = true
		}
		if _, werr := w.Write(rec.Data); werr != nil {
			h.broker.CloseStreamReader(req)
			h.broker.CancelClientDisconnected(req.RequestID)
			return
		}
		flusher.Flush()
	}
}

// Status handles GET /datasets/status/{request_id}.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	status, ok := h.broker.Get(requestID)
	if !ok {
		apierr.WriteError(w, apierr.UnknownRequest("no such request: "+requestID))
		return
	}
	apierr.WriteJSON(w, http.StatusOK, status)
}
