package tunnel

import (
	"errors"
	"fmt"
)

// Session errors returned by SendRequest and Send.
var (
	// ErrSessionClosed indicates the session terminated before a
	// response arrived.
	ErrSessionClosed = errors.New("tunnel session closed")
	// ErrRequestTimeout indicates the per-request deadline fired.
	ErrRequestTimeout = errors.New("tunnel request timed out")
	// ErrTunnelBusy indicates the per-session in-flight cap is reached.
	ErrTunnelBusy = errors.New("tunnel at in-flight request capacity")
)

// Registry errors.
var (
	// ErrUnknownTunnel indicates no descriptor exists for the id.
	ErrUnknownTunnel = errors.New("tunnel not found")
	// ErrBadToken indicates the attach token did not match.
	ErrBadToken = errors.New("invalid attach token")
	// ErrAlreadyAttached indicates another session holds the tunnel.
	ErrAlreadyAttached = errors.New("tunnel already attached")
	// ErrCapacity indicates the configured tunnel cap is reached.
	ErrCapacity = errors.New("tunnel capacity exceeded")
)

// ErrInvalidSpec indicates a create request that violates descriptor
// bounds (metadata size, name length).
type ErrInvalidSpec struct {
	Field   string
	Message string
}

func (e *ErrInvalidSpec) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
