//go:build linux

package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DeviceOptions tunes hardware capture.
type DeviceOptions struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

// DeviceCapturer opens cameras and microphones through pion/mediadevices
// (V4L2 and malgo on Linux).
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
	opts     DeviceOptions
	log      *logrus.Entry
}

// NewDeviceCapturer builds the VP8/Opus encoder selection used for every
// track it opens.
func NewDeviceCapturer(opts DeviceOptions) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if opts.VideoBitRate > 0 {
		vpxParams.BitRate = opts.VideoBitRate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		opts: opts,
		log:  logrus.WithField("component", "media"),
	}, nil
}

// ConfigureMediaEngine registers the encoders this capturer produces. The
// peer connection must be built from the same engine.
func (c *DeviceCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

// Open captures one device. Cameras are picked by enumeration order: the
// first camera serves FacingUser and the second, when present,
// FacingEnvironment.
func (c *DeviceCapturer) Open(ctx context.Context, kind Kind, facing Facing) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}

	switch kind {
	case KindAudio:
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	case KindVideo:
		deviceID, err := c.cameraFor(facing)
		if err != nil {
			return nil, err
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.StringExact(deviceID)
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.opts.MaxWidth > 0 {
				mc.Width = prop.IntRanged{Max: c.opts.MaxWidth}
			}
			if c.opts.MaxHeight > 0 {
				mc.Height = prop.IntRanged{Max: c.opts.MaxHeight}
			}
		}
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err, kind)
	}
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, &AcquisitionError{Kind: ErrorDeviceUnavailable, Device: kind}
	}
	track := tracks[0]
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	track.OnEnded(func(err error) {
		if err != nil {
			c.log.WithError(err).WithField("kind", kind).Warn("Local track ended")
		}
	})
	c.log.WithFields(logrus.Fields{"kind": kind, "facing": facing, "track": track.ID()}).Debug("Device opened")
	return &deviceSource{Track: track}, nil
}

func (c *DeviceCapturer) cameraFor(facing Facing) (string, error) {
	var cams []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d)
		}
	}
	idx := 0
	if facing == FacingEnvironment {
		idx = 1
	}
	if idx >= len(cams) {
		return "", &AcquisitionError{
			Kind:   ErrorDeviceUnavailable,
			Device: KindVideo,
			Err:    fmt.Errorf("no %s-facing camera among %d devices", facing, len(cams)),
		}
	}
	return cams[idx].DeviceID, nil
}

type deviceSource struct {
	mediadevices.Track
	once sync.Once
}

func (s *deviceSource) Stop() error {
	var err error
	s.once.Do(func() { err = s.Track.Close() })
	return err
}
