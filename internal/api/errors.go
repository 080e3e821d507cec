package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies the failures a streaming request can hit.
type Kind string

const (
	KindMissingToken        Kind = "missing-token"
	KindInvalidToken        Kind = "invalid-token"
	KindInsufficientScope   Kind = "insufficient-scope"
	KindListNotAuthorized   Kind = "list-not-authorized"
	KindUnknownStream       Kind = "unknown-stream"
	KindMissingParam        Kind = "missing-required-param"
	KindUpstreamUnavailable Kind = "upstream-unavailable"
	KindDBUnavailable       Kind = "db-unavailable"
	KindInternal            Kind = "internal"
)

// StreamError is a failure with a pinned HTTP status and a message safe to
// show to clients. Err carries the underlying cause for logs only.
type StreamError struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return e.Message
}

func (e *StreamError) Unwrap() error { return e.Err }

// IsKind reports whether err is a StreamError of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == kind
}

func MissingToken() *StreamError {
	return &StreamError{Kind: KindMissingToken, Message: "Missing access token", Status: http.StatusUnauthorized}
}

func InvalidToken() *StreamError {
	return &StreamError{Kind: KindInvalidToken, Message: "Invalid access token", Status: http.StatusUnauthorized}
}

func InsufficientScope() *StreamError {
	return &StreamError{Kind: KindInsufficientScope, Message: "Access token does not cover required scopes", Status: http.StatusUnauthorized}
}

func ListNotAuthorized() *StreamError {
	return &StreamError{Kind: KindListNotAuthorized, Message: "Not authorized to stream this list", Status: http.StatusNotFound}
}

func UnknownStream() *StreamError {
	return &StreamError{Kind: KindUnknownStream, Message: "Unknown stream type", Status: http.StatusNotFound}
}

func NoTagProvided() *StreamError {
	return &StreamError{Kind: KindMissingParam, Message: "No tag for stream provided", Status: http.StatusNotFound}
}

func UpstreamUnavailable(err error) *StreamError {
	return &StreamError{Kind: KindUpstreamUnavailable, Message: "Upstream unavailable", Err: err}
}

func DBUnavailable(err error) *StreamError {
	return &StreamError{Kind: KindDBUnavailable, Message: "Database unavailable", Err: err}
}

func Internal(err error) *StreamError {
	return &StreamError{Kind: KindInternal, Message: "An unexpected error occurred", Err: err}
}

// AbortWithError renders err as the public JSON error body. Errors without a
// pinned status render as 500 with a generic message; 404s always render
// "Not found" so list ownership and stream existence stay indistinguishable.
func AbortWithError(c *gin.Context, err error) {
	var se *StreamError
	if !errors.As(err, &se) {
		se = Internal(err)
	}

	status := se.Status
	message := se.Message
	switch {
	case status == 0:
		status = http.StatusInternalServerError
		message = "An unexpected error occurred"
	case status == http.StatusNotFound:
		message = "Not found"
	}

	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
