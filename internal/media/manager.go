package media

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Handle owns the local tracks of one call. It is created by Manager.Acquire
// and must be passed to Manager.Release exactly once.
type Handle struct {
	mu       sync.Mutex
	audio    *gatedTrack
	video    *gatedTrack
	facing   Facing
	released bool
}

// Tracks returns the local tracks to attach to a peer connection, audio first.
func (h *Handle) Tracks() []webrtc.TrackLocal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []webrtc.TrackLocal{h.audio}
	if h.video != nil {
		out = append(out, h.video)
	}
	return out
}

// HasVideo reports whether a camera track was acquired.
func (h *Handle) HasVideo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.video != nil
}

// Facing returns the facing of the active camera, or "" for audio-only handles.
func (h *Handle) Facing() Facing {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.facing
}

// Enabled reports whether the track of the given kind is currently sending.
func (h *Handle) Enabled(kind Kind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch kind {
	case KindAudio:
		return h.audio.isEnabled()
	case KindVideo:
		return h.video != nil && h.video.isEnabled()
	}
	return false
}

// Released reports whether Release has been called for this handle.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Manager acquires and releases local capture devices.
type Manager struct {
	capturer Capturer
	log      *logrus.Entry

	mu   sync.Mutex
	live map[*Handle]struct{}
}

// NewManager returns a Manager that opens devices through c.
func NewManager(c Capturer) *Manager {
	return &Manager{
		capturer: c,
		log:      logrus.WithField("component", "media"),
		live:     make(map[*Handle]struct{}),
	}
}

// Acquire opens the microphone and, when withVideo is set, the user-facing
// camera. It never partially succeeds: if the camera fails the microphone is
// stopped before the error is returned.
func (m *Manager) Acquire(ctx context.Context, withVideo bool) (*Handle, error) {
	audio, err := m.capturer.Open(ctx, KindAudio, FacingUser)
	if err != nil {
		return nil, classify(err, KindAudio)
	}
	h := &Handle{audio: newGatedTrack(audio, KindAudio, true)}

	if withVideo {
		video, err := m.capturer.Open(ctx, KindVideo, FacingUser)
		if err != nil {
			if stopErr := audio.Stop(); stopErr != nil {
				m.log.WithError(stopErr).Warn("Stopping microphone after camera failure")
			}
			return nil, classify(err, KindVideo)
		}
		h.video = newGatedTrack(video, KindVideo, true)
		h.facing = FacingUser
	}

	m.mu.Lock()
	m.live[h] = struct{}{}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"video":  withVideo,
		"tracks": len(h.Tracks()),
	}).Info("Local media acquired")
	return h, nil
}

// SetTrackEnabled mutes or unmutes a track without releasing its device.
func (m *Manager) SetTrackEnabled(h *Handle, kind Kind, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrHandleReleased
	}
	switch kind {
	case KindAudio:
		h.audio.setEnabled(enabled)
	case KindVideo:
		if h.video == nil {
			return ErrNoVideoTrack
		}
		h.video.setEnabled(enabled)
	default:
		return errors.New("unknown track kind: " + string(kind))
	}
	m.log.WithFields(logrus.Fields{"kind": kind, "enabled": enabled}).Debug("Track toggled")
	return nil
}

// SwitchCamera opens the camera with the requested facing and hands its
// track to replace, which swaps it into the outgoing stream. Only when replace
// succeeds is the new camera committed and the old one stopped. On any error
// the new camera is closed and the previous one keeps running.
func (m *Manager) SwitchCamera(ctx context.Context, h *Handle, facing Facing, replace func(webrtc.TrackLocal) error) (webrtc.TrackLocal, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrHandleReleased
	}
	if h.video == nil {
		h.mu.Unlock()
		return nil, ErrNoVideoTrack
	}
	old := h.video
	h.mu.Unlock()

	log := m.log.WithField("facing", facing)
	src, err := m.capturer.Open(ctx, KindVideo, facing)
	if err != nil {
		log.WithError(err).Warn("Camera switch failed, keeping current camera")
		return nil, classify(err, KindVideo)
	}
	next := newGatedTrack(src, KindVideo, old.isEnabled())

	if replace != nil {
		if err := replace(next); err != nil {
			log.WithError(err).Warn("Outgoing track not replaced, keeping current camera")
			if stopErr := src.Stop(); stopErr != nil {
				log.WithError(stopErr).Debug("Stopping unused camera")
			}
			return nil, err
		}
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		_ = src.Stop()
		return nil, ErrHandleReleased
	}
	h.video = next
	h.facing = facing
	h.mu.Unlock()

	if err := old.Stop(); err != nil {
		log.WithError(err).Warn("Stopping previous camera")
	}
	log.Info("Camera switched")
	return next, nil
}

// Release stops every track of h. A second call returns ErrHandleReleased
// and has no other effect.
func (m *Manager) Release(h *Handle) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrHandleReleased
	}
	h.released = true
	tracks := []*gatedTrack{h.audio}
	if h.video != nil {
		tracks = append(tracks, h.video)
	}
	h.mu.Unlock()

	m.mu.Lock()
	delete(m.live, h)
	m.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.WithField("tracks", len(tracks)).Info("Local media released")
	return errors.Join(errs...)
}

// Active returns the number of handles acquired and not yet released.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func classify(err error, device Kind) error {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return err
	}
	kind := ErrorDeviceUnavailable
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission") {
		kind = ErrorPermissionDenied
	}
	return &AcquisitionError{Kind: kind, Device: device, Err: err}
}
