package session

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenFEACore/internal/bus"
)

var (
	// ErrIdentityMismatch indicates that the device answering *IDN? is not of
	// the expected unit family. It is fatal to the open attempt.
	ErrIdentityMismatch = errors.New("identity mismatch")

	// ErrUnknownModule indicates a logical module number that is not part of
	// the device catalog. It is raised before any wire traffic.
	ErrUnknownModule = errors.New("unknown module")

	// ErrTimeout indicates that the operation-complete wait exceeded its bound.
	// The device has still executed the pending operations.
	ErrTimeout = errors.New("operation complete timeout")

	// ErrClosed indicates use of a session after Close.
	ErrClosed = errors.New("session closed")

	// ErrMalformedReply indicates a reply line that does not parse as the
	// expected type.
	ErrMalformedReply = errors.New("malformed reply")
)

// DeviceError is one record drained from the device error queue.
type DeviceError struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("FEA error: %d, '%s'", e.Code, e.Text)
}

// IdentityError carries the identity a device reported when it did not match.
type IdentityError struct {
	Raw          string
	Got          Identity
	ExpectedUnit string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("incorrect identity %q (expected unit %q)", e.Raw, e.ExpectedUnit)
}

func (e *IdentityError) Unwrap() error {
	return ErrIdentityMismatch
}

// TransportError wraps a bus failure with the operation that triggered it.
// It matches both bus.ErrTransportFailure and the underlying error.
type TransportError struct {
	Op      string
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q failed: %v", e.Op, e.Command, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{bus.ErrTransportFailure, e.Err}
}
