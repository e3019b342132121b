package media

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why local media could not be acquired.
type ErrorKind string

const (
	ErrorPermissionDenied  ErrorKind = "permission-denied"
	ErrorDeviceUnavailable ErrorKind = "device-unavailable"
)

var (
	// ErrHandleReleased is returned by Handle methods after Release.
	ErrHandleReleased = errors.New("media handle already released")

	// ErrNoVideoTrack indicates a video-only operation on an audio-only handle.
	ErrNoVideoTrack = errors.New("media handle has no video track")

	// ErrCaptureUnsupported is returned by NewDeviceCapturer on platforms
	// without a native capture driver.
	ErrCaptureUnsupported = errors.New("device capture not supported on this platform")
)

// AcquisitionError reports a failed microphone or camera request.
type AcquisitionError struct {
	Kind   ErrorKind
	Device Kind
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("acquire %s: %s", e.Device, e.Kind)
	}
	return fmt.Sprintf("acquire %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// IsPermissionDenied reports whether err is an AcquisitionError caused by
// the user or OS refusing device access.
func IsPermissionDenied(err error) bool {
	var ae *AcquisitionError
	return errors.As(err, &ae) && ae.Kind == ErrorPermissionDenied
}
