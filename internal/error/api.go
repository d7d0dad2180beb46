// Package derror maps domain failures onto the closed set of API errors
// exposed to clients.
package derror

import (
	"context"
	"errors"
	"fmt"

	"conversation-api/internal/domain"
	"conversation-api/internal/domain/ports/adapter"
)

// Kind is a client-visible failure category. Classify only yields 400, 404,
// 422 and 500; the guards produce 401 and 429 directly.
type Kind int

const (
	KindInvalidParameters Kind = 400
	KindUnauthorized      Kind = 401
	KindNotFound          Kind = 404
	KindUnableToCreate    Kind = 422
	KindTooManyRequests   Kind = 429
	KindInternal          Kind = 500
)

// Default messages per kind. These strings are part of the API contract.
const (
	MsgInvalidParameters = "Invalid parameters provided"
	MsgNotFound          = "Specified resource(s) was not found"
	MsgUnableToCreate    = "Unable to create resource due to errors"
	MsgInternal          = "Internal server error"
	MsgUnauthorized      = "Unauthorized"
	MsgTooManyRequests   = "Too many requests"
	MsgMethodNotAllowed  = "Method not allowed"

	detailInvalidID = "Your conversation id was incorrect."
)

// APIError is the error body returned to clients.
type APIError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Request map[string]any `json:"request,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *APIError) Kind() Kind { return Kind(e.Code) }

// WithRequest attaches the id of the resource the request referred to.
func (e *APIError) WithRequest(id string) *APIError {
	if id == "" {
		return e
	}
	if e.Request == nil {
		e.Request = map[string]any{}
	}
	e.Request["id"] = id
	return e
}

func (e *APIError) withDetail(key string, v any) *APIError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = v
	return e
}

func InvalidParameters(requestID, reason string) *APIError {
	e := &APIError{Code: int(KindInvalidParameters), Message: MsgInvalidParameters}
	if reason != "" {
		e.withDetail("message", reason)
	}
	return e.WithRequest(requestID)
}

// InvalidID is returned for identifiers that are not canonical UUIDs.
func InvalidID(requestID string) *APIError {
	return InvalidParameters(requestID, detailInvalidID)
}

func NotFound(requestID string) *APIError {
	return (&APIError{Code: int(KindNotFound), Message: MsgNotFound}).WithRequest(requestID)
}

func UnableToCreate(requestID string) *APIError {
	return (&APIError{Code: int(KindUnableToCreate), Message: MsgUnableToCreate}).WithRequest(requestID)
}

// Unauthorized is returned by the bearer guard; it never names the request.
func Unauthorized() *APIError {
	return &APIError{Code: int(KindUnauthorized), Message: MsgUnauthorized}
}

func TooManyRequests(requestID string) *APIError {
	return (&APIError{Code: int(KindTooManyRequests), Message: MsgTooManyRequests}).WithRequest(requestID)
}

func MethodNotAllowed() *APIError {
	return &APIError{Code: 405, Message: MsgMethodNotAllowed}
}

func Internal() *APIError {
	return &APIError{Code: int(KindInternal), Message: MsgInternal}
}

// Classify maps err to exactly one API error kind. It never copies raw error
// text into the result unless dev is set. A nil err yields nil.
func Classify(err error, dev bool) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var out *APIError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// checked first: a cancelled completion call is not the caller's fault
		out = Internal()
	case errors.Is(err, domain.ErrInvalidArgument):
		out = InvalidParameters("", "")
	case errors.Is(err, domain.ErrNotFound):
		out = NotFound("")
	case errors.Is(err, domain.ErrCompletionFailed):
		out = UnableToCreate("")
		var ce *adapter.CompletionError
		if errors.As(err, &ce) && ce.RateLimited() {
			out.withDetail("message", "The completion service is rate limiting requests; retry later.")
		}
	default:
		out = Internal()
	}

	if dev {
		out.withDetail("error", err.Error())
	}
	return out
}
