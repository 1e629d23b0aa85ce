package apierr

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any error kind the router can surface, the JSON response body must
// carry status="error", the kind string, and a non-empty message, and the
// HTTP status code must be the one fixed by the kind-to-status table.
func TestPropertyErrorResponseFormat(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genKind := gen.OneConstOf(
		KindNoSuchConnector,
		KindConnectorDisconnected,
		KindTimeout,
		KindPayloadTooLarge,
		KindProtocolViolation,
		KindOffloadFailed,
		KindUnknownRequest,
		KindBackpressure,
		KindStreamGone,
		KindValidation,
		KindShutdown,
		KindInternal,
	)
	genMessage := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })

	properties.Property("error response carries kind, message, and fixed status", prop.ForAll(
		func(kind Kind, message string) bool {
			err := New(kind, message)
			rr := httptest.NewRecorder()
			WriteError(rr, err)

			if rr.Code != httpStatus[kind] {
				return false
			}

			var body map[string]any
			if decodeErr := json.NewDecoder(rr.Body).Decode(&body); decodeErr != nil {
				return false
			}

			return body["status"] == "error" &&
				body["error"] == string(kind) &&
				body["message"] == message
		},
		genKind, genMessage,
	))

	properties.TestingRun(t)
}
