package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceUnavailable is returned by Open when the device cannot be
	// acquired. The controller reports it without automatic retries.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrDeviceDisconnected is delivered on the error channel when an open
	// device is lost mid-session. Distinct from a clean Close so the
	// controller can run its bounded retry policy.
	ErrDeviceDisconnected = errors.New("capture: device disconnected")

	// ErrAlreadyOpen is returned when Open is called twice on one source.
	// A source instance is one exclusive device hold; retries use a fresh
	// instance.
	ErrAlreadyOpen = errors.New("capture: source already open")
)

// Frame is a single encoded (JPEG) camera frame.
type Frame struct {
	Data      []byte
	Sequence  uint64
	Timestamp time.Time
}

// Source is the uniform interface over a camera device. Open acquires an
// exclusive hold on the device; Frames delivers encoded frames at the
// device's native rate until Close or device loss. A mid-session loss is
// surfaced on Errors as ErrDeviceDisconnected, after which the frame channel
// is closed.
type Source interface {
	Open(ctx context.Context) error
	Frames() <-chan Frame
	Errors() <-chan error
	Close(ctx context.Context) error
	Device() Device
}

// Factory creates a Source for a device. The session controller uses one
// fresh source per open attempt so a failed or lost handle is never reused.
type Factory func(Device) Source
