// Package media manages the local audio/video sources of a call.
//
// A Manager turns a capture request into a Handle that owns one microphone
// track and, for video calls, one camera track. Tracks are wrapped so they can
// be muted without releasing the underlying device, and the camera can be
// swapped while the call is live.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a local track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Facing selects a camera by its orientation relative to the user.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other camera facing.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Source is one opened capture device exposed as a pion local track.
// Stop releases the device; it must be safe to call more than once.
type Source interface {
	webrtc.TrackLocal
	Stop() error
}

// Capturer opens capture devices. Implementations must return an
// *AcquisitionError when a device is missing or access is refused.
type Capturer interface {
	Open(ctx context.Context, kind Kind, facing Facing) (Source, error)
}
