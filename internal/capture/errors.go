package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Cause classifies why camera acquisition failed. Each cause maps to a
// distinct user-facing message.
type Cause string

const (
	CausePermissionDenied      Cause = "permission_denied"
	CauseNoDevice              Cause = "no_device"
	CauseDeviceBusy            Cause = "device_busy"
	CauseUnsupportedResolution Cause = "unsupported_resolution"
	CauseInsecureOrigin        Cause = "insecure_origin"
)

// Error is a classified camera acquisition failure.
type Error struct {
	Cause Cause
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("camera %s: %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("camera %s", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns the message shown to the user for this failure.
// The permission message includes re-grant instructions since that error
// is recoverable by the user alone.
func (e *Error) UserMessage() string {
	switch e.Cause {
	case CausePermissionDenied:
		return "Camera access was denied. Re-enable camera access for this app in your device settings, then try again."
	case CauseNoDevice:
		return "No camera was found. Check that the camera is connected and its address is correct, then try again."
	case CauseDeviceBusy:
		return "The camera is busy or not responding. Close other apps using it and try again."
	case CauseUnsupportedResolution:
		return "The camera does not support the requested resolution. Try again to use its default settings."
	case CauseInsecureOrigin:
		return "The camera address is not secure. Camera credentials are only sent over an encrypted (https) connection."
	default:
		return "The camera could not be started. Please try again."
	}
}

// classifyTransport maps a transport-level failure from the camera
// collaborator into a Cause. Unknown failures count as a busy device.
func classifyTransport(err error) *Error {
	if capErr := AsError(err); capErr != nil {
		return capErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Cause: CauseDeviceBusy, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Cause: CauseNoDevice, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Cause: CauseNoDevice, Err: err}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Cause: CauseDeviceBusy, Err: err}
	}

	return &Error{Cause: CauseDeviceBusy, Err: err}
}

// classifyStatus maps an HTTP status from the camera collaborator into a Cause.
func classifyStatus(status int) Cause {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CausePermissionDenied
	case http.StatusNotFound, http.StatusGone:
		return CauseNoDevice
	case http.StatusBadRequest, http.StatusRequestedRangeNotSatisfiable:
		return CauseUnsupportedResolution
	default:
		return CauseDeviceBusy
	}
}

// AsError extracts a *Error from an error chain, or nil.
func AsError(err error) *Error {
	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr
	}
	return nil
}
