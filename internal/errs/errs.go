// Package errs defines the typed error taxonomy shared by every Parley
// component.
//
// Each error type wraps an underlying cause (reachable through
// [errors.Unwrap]) and also matches a sentinel kind via [errors.Is], so
// callers can branch on the category without a type assertion:
//
//	if errors.Is(err, errs.ErrAudioDevice) { ... }
//
// Local, recoverable failures (a single bad frame, one reconnect attempt)
// stay inside the component that produced them. Only errors that prevent
// correct operation are surfaced to the host.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every typed error in this package reports true for
// errors.Is against exactly one of these.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrTransport       = errors.New("transport error")
	ErrProtocol        = errors.New("protocol error")
	ErrAudioDevice     = errors.New("audio device error")
	ErrAudioProcessing = errors.New("audio processing error")
)

// ConfigurationError reports a missing or invalid setting discovered before
// any connection attempt. It is always fatal.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrConfiguration].
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// TransportError reports a connection that failed, timed out, or closed
// unexpectedly. Terminal is set once the reconnect ceiling is exhausted.
type TransportError struct {
	Role     string
	Op       string
	Terminal bool
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport: %s %s: %v", e.Role, e.Op, e.Err)
	if e.Terminal {
		msg += " (giving up)"
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrTransport].
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError reports a malformed or unrecognised envelope, or an error
// envelope sent by the remote side. It is never fatal.
type ProtocolError struct {
	Role string
	Type string
	Code string
	Err  error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("protocol: %s %s [%s]: %v", e.Role, e.Type, e.Code, e.Err)
	case e.Type != "":
		return fmt.Sprintf("protocol: %s %s: %v", e.Role, e.Type, e.Err)
	default:
		return fmt.Sprintf("protocol: %s: %v", e.Role, e.Err)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrProtocol].
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// DeviceCause distinguishes why an audio device could not be acquired.
type DeviceCause string

const (
	// CausePermission means the OS or user denied access to the device.
	CausePermission DeviceCause = "permission"

	// CauseHardware means no usable device exists or it failed to open.
	CauseHardware DeviceCause = "hardware"
)

// AudioDeviceError reports a failure to acquire or drive an audio device.
// It is fatal to Engine.Start.
type AudioDeviceError struct {
	Device string
	Cause  DeviceCause
	Err    error
}

func (e *AudioDeviceError) Error() string {
	return fmt.Sprintf("audio device %s (%s): %v", e.Device, e.Cause, e.Err)
}

func (e *AudioDeviceError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrAudioDevice].
func (e *AudioDeviceError) Is(target error) bool { return target == ErrAudioDevice }

// AudioProcessingError reports a decode or scheduling failure for a single
// frame. The frame is dropped and the session continues.
type AudioProcessingError struct {
	Seq uint64
	Op  string
	Err error
}

func (e *AudioProcessingError) Error() string {
	return fmt.Sprintf("audio processing: frame %d %s: %v", e.Seq, e.Op, e.Err)
}

func (e *AudioProcessingError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrAudioProcessing].
func (e *AudioProcessingError) Is(target error) bool { return target == ErrAudioProcessing }

// Fatal reports whether err should be surfaced to the host and drop
// readiness. Configuration and device errors are always fatal; transport
// errors only when the reconnect ceiling was exhausted.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrAudioDevice) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Terminal
	}
	return false
}
