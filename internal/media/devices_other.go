//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceOptions tunes hardware capture.
type DeviceOptions struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

// DeviceCapturer is unavailable off Linux; callers fall back to
// SyntheticCapturer.
type DeviceCapturer struct{}

func NewDeviceCapturer(DeviceOptions) (*DeviceCapturer, error) {
	return nil, ErrCaptureUnsupported
}

func (c *DeviceCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) Open(context.Context, Kind, Facing) (Source, error) {
	return nil, ErrCaptureUnsupported
}
