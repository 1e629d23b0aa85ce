// Package apierr defines the router's closed error taxonomy and the JSON
// response helpers every HTTP handler uses to surface it.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is one of the fixed error kinds the router can surface. It is not
// extensible at runtime: every kind maps to exactly one HTTP status.
type Kind string

const (
	KindNoSuchConnector       Kind = "no_such_connector"
	KindConnectorDisconnected Kind = "connector_disconnected"
	KindTimeout               Kind = "timeout"
	KindPayloadTooLarge       Kind = "payload_too_large"
	KindProtocolViolation     Kind = "protocol_violation"
	KindOffloadFailed         Kind = "offload_failed"
	KindUnknownRequest        Kind = "unknown_request"
	KindBackpressure          Kind = "backpressure"
	KindStreamGone            Kind = "stream_gone"
	KindValidation            Kind = "validation_error"
	KindShutdown              Kind = "shutting_down"
	KindInternal              Kind = "internal_error"
)

// httpStatus is the fixed kind-to-status mapping from the error handling
// design table.
var httpStatus = map[Kind]int{
	KindNoSuchConnector:       http.StatusServiceUnavailable,
	KindConnectorDisconnected: http.StatusBadGateway,
	KindTimeout:               http.StatusGatewayTimeout,
	KindPayloadTooLarge:       http.StatusRequestEntityTooLarge,
	KindProtocolViolation:     http.StatusBadRequest,
	KindOffloadFailed:         http.StatusBadGateway,
	KindUnknownRequest:        http.StatusNotFound,
	KindBackpressure:          http.StatusServiceUnavailable,
	KindStreamGone:            http.StatusGone,
	KindValidation:            http.StatusBadRequest,
	KindShutdown:              http.StatusServiceUnavailable,
	KindInternal:              http.StatusInternalServerError,
}

// RouterError is a typed error carrying one of the fixed Kinds.
type RouterError struct {
	Kind    Kind   `json:"error"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the HTTP status the error handling design
// mandates for this kind.
func (e *RouterError) HTTPStatusCode() int {
	if status, ok := httpStatus[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New creates a RouterError of the given kind.
func New(kind Kind, message string) *RouterError {
	return &RouterError{Kind: kind, Message: message}
}

func NoSuchConnector(message string) *RouterError       { return New(KindNoSuchConnector, message) }
func ConnectorDisconnected(message string) *RouterError { return New(KindConnectorDisconnected, message) }
func Timeout(message string) *RouterError               { return New(KindTimeout, message) }
func PayloadTooLarge(message string) *RouterError       { return New(KindPayloadTooLarge, message) }
func ProtocolViolation(message string) *RouterError     { return New(KindProtocolViolation, message) }
func OffloadFailed(message string) *RouterError         { return New(KindOffloadFailed, message) }
func UnknownRequest(message string) *RouterError        { return New(KindUnknownRequest, message) }
func Backpressure(message string) *RouterError          { return New(KindBackpressure, message) }
func StreamGone(message string) *RouterError             { return New(KindStreamGone, message) }
func Validation(message string) *RouterError            { return New(KindValidation, message) }
func ShuttingDown(message string) *RouterError          { return New(KindShutdown, message) }
func Internal(message string) *RouterError              { return New(KindInternal, message) }

// responseEnvelope is the JSON body written for every error response.
type responseEnvelope struct {
	Status  string `json:"status"`
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes a RouterError as the standard error envelope.
func WriteError(w http.ResponseWriter, err *RouterError) {
	if err.Kind == KindBackpressure {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, err.HTTPStatusCode(), responseEnvelope{
		Status:  "error",
		Error:   err.Kind,
		Message: err.Message,
	})
}
