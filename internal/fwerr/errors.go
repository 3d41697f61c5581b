// Package fwerr defines the error taxonomy shared by every protocol layer:
// transport, PixArt OTA, RMI register, and the PS/2 adaptor all return one
// of these kinds, wrapped with the phase that produced them.
package fwerr

import "fmt"

// Kind classifies why a device operation failed.
type Kind int

const (
	// ReadError is a transport read that failed, timed out, or returned
	// an unexpected opcode.
	ReadError Kind = iota
	// WriteError is a transport write rejected by the device or a sysfs
	// write that failed.
	WriteError
	// ProtocolError is a structurally malformed response, checksum
	// mismatch, or state-machine violation.
	ProtocolError
	// SecurityError is a device/firmware secure-mode mismatch or an RSA
	// verification failure.
	SecurityError
	// NotSupported is an operation invoked on the wrong transport.
	NotSupported
	// NotBootloader is write_firmware invoked while the device is not in
	// bootloader mode.
	NotBootloader
)

func (k Kind) String() string {
	switch k {
	case ReadError:
		return "read error"
	case WriteError:
		return "write error"
	case ProtocolError:
		return "protocol error"
	case SecurityError:
		return "security error"
	case NotSupported:
		return "not supported"
	case NotBootloader:
		return "not bootloader"
	default:
		return "unknown error"
	}
}

// DeviceError is a fatal error from a device operation, carrying the kind
// and the phase that produced it so the caller can log context without
// re-deriving it from the call stack.
type DeviceError struct {
	Kind  Kind
	Phase string
	Err   error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Kind)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// New builds a DeviceError with a formatted message.
func New(kind Kind, phase string, format string, args ...any) *DeviceError {
	return &DeviceError{Kind: kind, Phase: phase, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches phase context to an existing error without discarding it.
func Wrap(kind Kind, phase string, err error) *DeviceError {
	return &DeviceError{Kind: kind, Phase: phase, Err: err}
}

// Is reports whether err is a DeviceError of the given kind.
func Is(err error, kind Kind) bool {
	de, ok := err.(*DeviceError)
	return ok && de.Kind == kind
}
