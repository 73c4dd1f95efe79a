// ABOUTME: Caller-visible error taxonomy for the hub's HTTP surface
// ABOUTME: Maps internal sentinel errors to a status code and a machine-readable reason

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/burrow/internal/correlator"
	"github.com/2389/burrow/internal/protocol"
	"github.com/2389/burrow/internal/registry"
)

// Error is an HTTP-visible failure.
type Error struct {
	Status  int
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

var (
	ErrTargetNotFound    = &Error{http.StatusNotFound, "target_not_found", "NOT_FOUND"}
	ErrInvalidIdentifier = &Error{http.StatusBadRequest, "invalid_identifier", "Invalid ID Format"}
	ErrInvalidAction     = &Error{http.StatusBadRequest, "invalid_action", "Unsupported action"}
	ErrRequestIDNotFound = &Error{http.StatusBadRequest, "request_id_not_found", "The supplied request_id was not found."}
	ErrUpstreamTimeout   = &Error{http.StatusGatewayTimeout, "upstream_timeout", "The agent did not answer in time."}
	ErrMalformedAnswer   = &Error{http.StatusBadRequest, "malformed_answer", "The answer body is not valid JSON."}
	ErrRateLimited       = &Error{http.StatusTooManyRequests, "rate_limited", "Too many requests."}
	ErrInternal          = &Error{http.StatusInternalServerError, "internal_error", "UNHANDLED_REJECTION"}
)

// classify maps any error from the proxy or callback paths onto the taxonomy.
// Unrecognised errors become ErrInternal so internals never leak.
func classify(err error) *Error {
	var gwErr *Error
	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.Is(err, registry.ErrNotFound):
		return ErrTargetNotFound
	case errors.Is(err, correlator.ErrUnknownCorrelationID):
		return ErrRequestIDNotFound
	case errors.Is(err, correlator.ErrTimeout):
		return ErrUpstreamTimeout
	case errors.Is(err, protocol.ErrMalformed):
		return ErrMalformedAnswer
	default:
		return ErrInternal
	}
}

type errorBody struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError writes err as {"code":..,"error":..,"message":..}.
func writeError(w http.ResponseWriter, err error) *Error {
	e := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: e.Status, Error: e.Reason, Message: e.Message})
	return e
}
