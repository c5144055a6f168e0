// Package apierr defines the server's error taxonomy: a closed set of
// kinds, each with a fixed HTTP status, generalizing the Kind/Retryable
// classification the reference LLM client uses for provider HTTP errors.
package apierr

import (
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/zeebo/blake3"
)

// Kind is one of the error kinds enumerated in the execution API spec.
type Kind string

const (
	BadRequest        Kind = "bad_request"
	SessionNotFound   Kind = "session_not_found"
	SessionBusy       Kind = "session_busy"
	Capacity          Kind = "capacity"
	EngineUnavailable Kind = "engine_unavailable"
	EngineError       Kind = "engine_error"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	WorkerDead        Kind = "worker_dead"
	Internal          Kind = "internal"
)

var statusByKind = map[Kind]int{
	BadRequest:        http.StatusBadRequest,
	SessionNotFound:   http.StatusNotFound,
	SessionBusy:       http.StatusConflict,
	Capacity:          http.StatusConflict,
	EngineUnavailable: http.StatusServiceUnavailable,
	EngineError:       http.StatusOK, // Engine-level failures are not HTTP failures (spec §7).
	Timeout:           http.StatusGatewayTimeout,
	Cancelled:         http.StatusOK,
	WorkerDead:        http.StatusConflict,
	Internal:          http.StatusInternalServerError,
}

// Error is the machine-readable error returned by HTTP handlers and the MCP
// adapter. It satisfies the standard error interface.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string // set only for Kind == Internal
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status returns the HTTP status code this error kind maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns err unchanged if it is already an *Error; otherwise it
// wraps it as an Internal error whose Message is the error text and whose
// correlation ID is a content hash of that text, so identical errors
// share an ID that operators can match against server logs.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	h := blake3.New()
	_, _ = h.Write([]byte(err.Error()))
	sum := h.Sum(nil)
	return &Error{
		Kind:          Internal,
		Message:       err.Error(),
		CorrelationID: hex.EncodeToString(sum[:8]),
	}
}

// Envelope is the JSON body written for any non-success HTTP error response.
type Envelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e *Error) Envelope() Envelope {
	return Envelope{Code: string(e.Kind), Message: e.Message, CorrelationID: e.CorrelationID}
}
