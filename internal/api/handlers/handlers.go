// Package handlers implements the router's HTTP surface: the
// Application-facing dataset-request endpoints, the Connector-facing
// upload endpoints, and the session discovery and push-channel
// connection endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/relayhub/router/internal/apierr"
	"github.com/relayhub/router/internal/broker"
	"github.com/relayhub/router/internal/metrics"
	"github.com/relayhub/router/internal/session"
	"github.com/relayhub/router/pkg/config"
	"github.com/relayhub/router/pkg/logger"
)

// Handlers holds the dependencies every dataset and connector handler
// needs: the Request Broker, the Session Registry, configuration, and
// the ambient logging/metrics stack.
type Handlers struct {
	broker   *broker.Broker
	registry *session.Registry
	cfg      *config.Config
	metrics  *metrics.Collector
	logger   *logger.Logger
}

// New constructs a Handlers. metrics may be nil to disable instrumentation.
func New(b *broker.Broker, reg *session.Registry, cfg *config.Config, m *metrics.Collector, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.Default()
	}
	return &Handlers{
		broker:   b,
		registry: reg,
		cfg:      cfg,
		metrics:  m,
		logger:   log.WithComponent("handlers"),
	}
}

// decodeJSON decodes r's body into dst, writing a validation_error
// response and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierr.WriteError(w, apierr.Validation("malformed request body: "+err.Error()))
		return false
	}
	return true
}

// writeAck writes the standard {"ack": true} body the Connector-facing
// upload endpoints return on success.
func writeAck(w http.ResponseWriter) {
	apierr.WriteJSON(w, http.StatusOK, ackResponse{Ack: true})
}

type ackResponse struct {
	Ack bool `json:"ack"`
}
