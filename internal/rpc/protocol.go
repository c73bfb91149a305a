// ABOUTME: Wire protocol frames and error codes for the gateway RPC surface
// ABOUTME: Requests and responses are JSON frames correlated by caller-chosen id

package rpc

import "encoding/json"

// Error codes returned in Response.Error.Code.
const (
	CodeValidationFailed = "validation_failed"
	CodeMissingScope     = "missing_scope"
	CodeUnavailable      = "unavailable"
	CodeTimeout          = "timeout"
	CodeLockdown         = "lockdown"
	CodeTamperDetected   = "tamper_detected"
	CodeRateLimited      = "rate_limited"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal"
	CodeUnauthenticated  = "unauthenticated"
)

// Error is a structured method failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// newError builds an Error.
func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Request is one method invocation from a connection.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the reply to a Request, correlated by id. Exactly one of
// Payload and Error is meaningful, selected by OK.
type Response struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// ok builds a success response.
func ok(id string, payload any) Response {
	return Response{ID: id, OK: true, Payload: payload}
}

// fail builds an error response.
func fail(id string, err *Error) Response {
	return Response{ID: id, OK: false, Error: err}
}
