package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20 ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8Filler stands in for an encoded VP8 frame. Receivers only need RTP to
// flow for the remote stream to surface; nothing decodes it.
var vp8Filler = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}

// SyntheticCapturer produces generated tracks instead of opening hardware.
// It backs headless peers and tests. Set Deny to make a kind fail with the
// given error kind.
type SyntheticCapturer struct {
	Deny map[Kind]ErrorKind

	mu     sync.Mutex
	opened map[Kind]int
}

// NewSyntheticCapturer returns a capturer whose devices always open.
func NewSyntheticCapturer() *SyntheticCapturer {
	return &SyntheticCapturer{opened: make(map[Kind]int)}
}

// Opened returns how many sources of kind have been opened so far.
func (c *SyntheticCapturer) Opened(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened[kind]
}

func (c *SyntheticCapturer) Open(_ context.Context, kind Kind, facing Facing) (Source, error) {
	c.mu.Lock()
	if ek, ok := c.Deny[kind]; ok {
		c.mu.Unlock()
		return nil, &AcquisitionError{Kind: ek, Device: kind}
	}
	c.opened[kind]++
	c.mu.Unlock()

	var (
		capability webrtc.RTPCodecCapability
		frame      []byte
		interval   time.Duration
	)
	switch kind {
	case KindAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		frame, interval = opusSilence, 20*time.Millisecond
	case KindVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		frame, interval = vp8Filler, 100*time.Millisecond
	default:
		return nil, fmt.Errorf("synthetic capturer: unknown kind %q", kind)
	}

	id := fmt.Sprintf("%s-%s", kind, facing)
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, "goopcall-"+uuid.NewString()[:8])
	if err != nil {
		return nil, &AcquisitionError{Kind: ErrorDeviceUnavailable, Device: kind, Err: err}
	}
	s := &syntheticSource{TrackLocalStaticSample: track, stop: make(chan struct{})}
	go s.pump(frame, interval)
	return s, nil
}

type syntheticSource struct {
	*webrtc.TrackLocalStaticSample
	once sync.Once
	stop chan struct{}
}

func (s *syntheticSource) pump(frame []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
				return
			}
		}
	}
}

func (s *syntheticSource) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
