package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost fails requests that were written to a socket which
	// closed before their response arrived
	ErrConnectionLost = errors.New("connection lost before response")

	// ErrClientClosed fails everything still pending when the client is closed
	ErrClientClosed = errors.New("client closed")
)

// ProtocolError is an explicit {error, description} answer from the backend
type ProtocolError struct {
	Name        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Description)
}
