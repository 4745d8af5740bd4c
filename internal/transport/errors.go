package transport

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned by the send operations while no session is up.
var ErrNotConnected = errors.New("push session not connected")

// ParseError describes an inbound frame that could not be decoded. Such
// frames are dropped; the connection stays open.
type ParseError struct {
	Destination string
	Err         error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse frame from %s: %v", e.Destination, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// BrokerError is an ERROR frame received while connecting.
type BrokerError struct {
	Message string
	Body    string
}

func (e *BrokerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("broker error: %s: %s", e.Message, e.Body)
	}
	return "broker error: " + e.Message
}
