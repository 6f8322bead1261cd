package cdp

import (
	"fmt"
	"time"
)

// CloseReason describes why a Connection or Session closed.
type CloseReason int

const (
	// ReasonExplicitClose indicates a caller requested the close.
	ReasonExplicitClose CloseReason = iota
	// ReasonTargetDetached indicates the remote end detached the target.
	ReasonTargetDetached
	// ReasonTransportClosed indicates the transport closed cleanly without an
	// explicit close request.
	ReasonTransportClosed
	// ReasonTransportError indicates the transport failed.
	ReasonTransportError
)

// String returns a human-readable name for the close reason.
func (r CloseReason) String() string {
	switch r {
	case ReasonExplicitClose:
		return "explicit close"
	case ReasonTargetDetached:
		return "target detached"
	case ReasonTransportClosed:
		return "transport closed"
	case ReasonTransportError:
		return "transport error"
	default:
		return "unknown"
	}
}

// ClosedTargetError is the terminal resolution for every command and event
// wait still outstanding when its Session or Connection closes.
type ClosedTargetError struct {
	Reason CloseReason
}

// Error implements the error interface.
func (e *ClosedTargetError) Error() string {
	return fmt.Sprintf("Target closed (%s)", e.Reason)
}

// TimeoutError is returned when a WaitForEvent deadline elapses before a
// matching event arrives and before the session closes. It is deliberately a
// distinct type from ClosedTargetError so callers can tell the two apart.
type TimeoutError struct {
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wait timed out after %s", e.Timeout)
}
