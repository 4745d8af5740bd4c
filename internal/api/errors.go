package api

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedKind is returned for bodies the send endpoints cannot carry.
	ErrUnsupportedKind = errors.New("message kind cannot be sent")
	ErrEmptyContent    = errors.New("message content is empty")
)

// NetworkError means no HTTP response was received.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RequestError is a response the server rejected.
type RequestError struct {
	Op      string
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
}

// AuthError is a 401. The session has already been cleared when it is returned.
type AuthError struct {
	Op      string
	Message string
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(http.StatusUnauthorized)
	}
	return fmt.Sprintf("%s: unauthorized: %s", e.Op, msg)
}

// IsUnauthorized reports whether err is, or wraps, an *AuthError.
func IsUnauthorized(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
