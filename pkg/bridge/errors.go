package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by calls made while no peer is connected.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrTimeout is returned when no reply arrives within the call timeout.
	ErrTimeout = errors.New("bridge: call timed out")

	// ErrDisconnected is returned to calls pending when the connection drops.
	ErrDisconnected = errors.New("bridge: connection lost")

	// ErrRetriesExhausted is returned by Client.Run after too many
	// consecutive failed connection attempts.
	ErrRetriesExhausted = errors.New("bridge: reconnect retries exhausted")

	// ErrUnauthorized is returned when the server rejects the client token.
	ErrUnauthorized = errors.New("bridge: unauthorized")

	// ErrUnknownMessage matches a RemoteError for a name the peer has no
	// handler for.
	ErrUnknownMessage = errors.New("bridge: unknown message")
)

// RemoteError is a failure reported by the peer in a reply.
type RemoteError struct {
	Name    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: remote %s: %s", e.Name, e.Message)
}

// Is lets errors.Is match ErrUnknownMessage.
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownMessage && e.Code == codeUnknown
}

// ValidationError reports a message that failed schema checks.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "bridge: invalid message: " + e.Message
	}
	return fmt.Sprintf("bridge: invalid message: %s: %s", e.Field, e.Message)
}
