package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sync"
)

// State is the lifecycle state of the capture provider.
type State string

const (
	StateIdle                 State = "IDLE"
	StateRequestingPermission State = "REQUESTING_PERMISSION"
	StateStreaming            State = "STREAMING"
	StateCaptured             State = "CAPTURED"
	StatePermissionDenied     State = "PERMISSION_DENIED"
	StateDeviceError          State = "DEVICE_ERROR"
)

// jpegQuality is the fixed encoding quality for captured frames.
const jpegQuality = 85

// Constraints describes the preferred capture parameters. The zero value
// means "any camera, no resolution preference".
type Constraints struct {
	Width  int
	Height int
}

// Stream is a live camera stream. Frame returns the most recent frame;
// Close releases the underlying device and must be safe to call twice.
type Stream interface {
	Frame() (image.Image, error)
	Close() error
}

// Device is the opaque platform camera capability. Open acquires a stream
// honouring the given constraints, or fails with a classified *Error.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Provider drives the capture lifecycle over a Device:
// Idle → RequestingPermission → Streaming → Captured, with
// PermissionDenied / DeviceError as retryable error branches.
type Provider struct {
	mu        sync.Mutex
	device    Device
	preferred Constraints
	state     State
	stream    Stream
}

// NewProvider creates a Provider over the given device.
func NewProvider(device Device, preferred Constraints) *Provider {
	return &Provider{
		device:    device,
		preferred: preferred,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start acquires the camera stream. The preferred constraints are tried
// first; on failure a single relaxed attempt (any camera, no resolution
// preference) is made before the error is surfaced. Retrying after an
// error restarts from RequestingPermission.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateStreaming {
		return nil
	}
	p.state = StateRequestingPermission

	stream, err := p.device.Open(ctx, p.preferred)
	if err != nil {
		capErr := AsError(err)
		// Permission problems will not be fixed by relaxing constraints.
		if capErr == nil || capErr.Cause != CausePermissionDenied {
			log.Printf("Camera open with preferred constraints failed, retrying relaxed: %v", err)
			stream, err = p.device.Open(ctx, Constraints{})
		}
	}
	if err != nil {
		capErr := AsError(err)
		if capErr == nil {
			capErr = &Error{Cause: CauseDeviceBusy, Err: err}
		}
		if capErr.Cause == CausePermissionDenied {
			p.state = StatePermissionDenied
		} else {
			p.state = StateDeviceError
		}
		return capErr
	}

	p.stream = stream
	p.state = StateStreaming
	return nil
}

// CaptureFrame encodes the current frame as JPEG and transitions to
// Captured. It is valid only while streaming. A not-yet-ready or
// zero-dimension frame is a silent no-op: no bytes, no error, state
// unchanged, so no partial capture is ever emitted.
func (p *Provider) CaptureFrame() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStreaming {
		return nil, fmt.Errorf("capture requested outside of streaming state (state=%s)", p.state)
	}

	frame, err := p.stream.Frame()
	if err != nil {
		log.Printf("Frame not ready, skipping capture: %v", err)
		return nil, nil
	}
	if frame == nil {
		return nil, nil
	}
	bounds := frame.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode captured frame: %w", err)
	}

	p.state = StateCaptured
	return buf.Bytes(), nil
}

// Stop releases the camera stream. It is idempotent and must be called on
// every exit path (after a capture, on cancel, and on teardown) so the
// device is never leaked.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			log.Printf("Warning: failed to close camera stream: %v", err)
		}
		p.stream = nil
	}
	p.state = StateIdle
}
