// Package peerconn owns the WebRTC peer connection of a single call.
//
// A Controller creates offers and answers, applies remote descriptions, and
// buffers ICE candidates that arrive before the remote description so they
// are applied in arrival order exactly once. Local candidates, remote stream
// arrival and connection state changes are reported on one event channel.
package peerconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	eventBuffer        = 64
	defaultPLIInterval = 3 * time.Second
)

// Config describes how the peer connection is built.
type Config struct {
	ICEServers []webrtc.ICEServer

	// ICE agent timeouts. Zero keeps the pion defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// PLIInterval is how often a keyframe is requested on remote video.
	PLIInterval time.Duration

	// ConfigureMedia registers codecs on the media engine. When nil the pion
	// default codecs are registered.
	ConfigureMedia func(*webrtc.MediaEngine) error
}

// rtcPeer is the part of *webrtc.PeerConnection the controller drives.
type rtcPeer interface {
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	WriteRTCP([]rtcp.Packet) error
	Close() error
}

// Stats counts inbound RTP per media kind.
type Stats struct {
	AudioPackets uint64
	AudioBytes   uint64
	VideoPackets uint64
	VideoBytes   uint64
}

// Controller wraps one peer connection. The zero value is not usable; call
// New then Initialize.
type Controller struct {
	log         *logrus.Entry
	pliInterval time.Duration

	// negMu serialises description and candidate operations so a candidate
	// can never slip between SetRemoteDescription and the queue flush.
	negMu     sync.Mutex
	pc        rtcPeer
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	videoSender *webrtc.RTPSender

	streamMu sync.Mutex
	streams  map[string]struct{}

	audioPackets, audioBytes atomic.Uint64
	videoPackets, videoBytes atomic.Uint64

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// New returns an uninitialised controller. log may be nil.
func New(log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		log:         log.WithField("component", "peerconn"),
		pliInterval: defaultPLIInterval,
		streams:     make(map[string]struct{}),
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
	}
}

// Initialize builds the pion API and peer connection from cfg.
func (c *Controller) Initialize(cfg Config) error {
	if c.closed.Load() {
		return ErrClosed
	}

	mediaEngine := &webrtc.MediaEngine{}
	configure := cfg.ConfigureMedia
	if configure == nil {
		configure = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := configure(mediaEngine); err != nil {
		return err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return err
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.emit(Event{Kind: EventLocalCandidate, Candidate: cand.ToJSON()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.handleRemoteTrack(track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.handleConnectionState(stateFromPion(s))
	})

	if cfg.PLIInterval > 0 {
		c.pliInterval = cfg.PLIInterval
	}

	c.negMu.Lock()
	c.pc = pc
	c.negMu.Unlock()

	c.log.WithField("ice_servers", len(cfg.ICEServers)).Debug("Peer connection ready")
	return nil
}

// Events delivers controller events until Done is closed.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed by Close.
func (c *Controller) Done() <-chan struct{} { return c.done }

// AttachLocalTracks adds the local tracks to the connection. With no tracks
// receive-only transceivers are added so the SDP still carries m-lines.
func (c *Controller) AttachLocalTracks(tracks []webrtc.TrackLocal) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	pc, err := c.peerLocked()
	if err != nil {
		return err
	}

	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.videoSender = sender
		}
		if sender != nil {
			go c.readSenderRTCP(sender)
		}
	}
	c.log.WithField("tracks", len(tracks)).Debug("Local tracks attached")
	return nil
}

// CreateOffer creates and applies the local offer.
func (c *Controller) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	pc, err := c.peerLocked()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, negotiation("create offer", err)
	}
	if err := validateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return webrtc.SessionDescription{}, negotiation("create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, negotiation("set local offer", err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer, flushing queued candidates, and
// returns the local answer.
func (c *Controller) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	pc, err := c.peerLocked()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := validateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return webrtc.SessionDescription{}, negotiation("remote offer", err)
	}
	if err := c.setRemoteLocked(pc, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, negotiation("create answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, negotiation("set local answer", err)
	}
	return answer, nil
}

// SetRemoteDescription applies a remote answer (or offer) and then applies
// every queued candidate in arrival order.
func (c *Controller) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	pc, err := c.peerLocked()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDescription(desc, desc.Type); err != nil {
		return negotiation("remote "+desc.Type.String(), err)
	}
	return c.setRemoteLocked(pc, desc)
}

func (c *Controller) setRemoteLocked(pc rtcPeer, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return negotiation("set remote "+desc.Type.String(), err)
	}
	c.remoteSet = true

	queued := c.pending
	c.pending = nil
	for _, cand := range queued {
		if err := pc.AddICECandidate(cand); err != nil {
			c.log.WithError(err).Warn("Queued ICE candidate rejected")
		}
	}
	if len(queued) > 0 {
		c.log.WithField("candidates", len(queued)).Debug("Flushed queued ICE candidates")
	}
	return nil
}

// AddICECandidate applies cand, or queues it while the remote description is
// unknown. Failures are logged and never returned to the caller.
func (c *Controller) AddICECandidate(cand webrtc.ICECandidateInit) {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	if c.closed.Load() {
		return
	}
	if c.pc == nil || !c.remoteSet {
		c.pending = append(c.pending, cand)
		return
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		c.log.WithError(err).Warn("ICE candidate rejected")
	}
}

// Pending returns how many candidates are waiting for a remote description.
func (c *Controller) Pending() int {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	return len(c.pending)
}

// ReplaceVideoTrack swaps the outgoing camera track without renegotiating.
func (c *Controller) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()
	if _, err := c.peerLocked(); err != nil {
		return err
	}
	if c.videoSender == nil {
		return ErrNoVideoSender
	}
	return c.videoSender.ReplaceTrack(track)
}

// Stats returns inbound RTP counters.
func (c *Controller) Stats() Stats {
	return Stats{
		AudioPackets: c.audioPackets.Load(),
		AudioBytes:   c.audioBytes.Load(),
		VideoPackets: c.videoPackets.Load(),
		VideoBytes:   c.videoBytes.Load(),
	}
}

// Close tears down the peer connection. It is safe to call repeatedly.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		c.negMu.Lock()
		pc := c.pc
		c.pending = nil
		c.negMu.Unlock()

		if pc != nil {
			err = pc.Close()
		}
		c.log.Debug("Peer connection closed")
	})
	return err
}

func (c *Controller) peerLocked() (rtcPeer, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.pc == nil {
		return nil, ErrNotInitialized
	}
	return c.pc, nil
}

func (c *Controller) emit(ev Event) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) handleConnectionState(s State) {
	c.log.WithField("state", s).Info("Connection state changed")
	c.emit(Event{Kind: EventConnectionState, State: s})
}

func (c *Controller) handleRemoteTrack(track *webrtc.TrackRemote) {
	kind := track.Kind()
	c.log.WithFields(logrus.Fields{
		"kind":   kind.String(),
		"stream": track.StreamID(),
		"codec":  track.Codec().MimeType,
	}).Info("Remote track received")

	c.streamMu.Lock()
	_, seen := c.streams[track.StreamID()]
	c.streams[track.StreamID()] = struct{}{}
	c.streamMu.Unlock()
	if !seen {
		c.emit(Event{Kind: EventRemoteStream, StreamID: track.StreamID(), TrackKind: kind})
	}

	if kind == webrtc.RTPCodecTypeVideo {
		go c.requestKeyframes(uint32(track.SSRC()))
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		c.countInbound(kind, pkt)
	}
}

func (c *Controller) countInbound(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	size := uint64(pkt.MarshalSize())
	if kind == webrtc.RTPCodecTypeVideo {
		c.videoPackets.Add(1)
		c.videoBytes.Add(size)
		return
	}
	c.audioPackets.Add(1)
	c.audioBytes.Add(size)
}

// requestKeyframes sends a PLI on an interval so a decoder that joins late
// or drops packets recovers quickly.
func (c *Controller) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(c.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.negMu.Lock()
			pc := c.pc
			c.negMu.Unlock()
			if pc == nil {
				return
			}
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

// readSenderRTCP drains RTCP for a sender so the interceptors run.
func (c *Controller) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				c.log.Trace("Keyframe requested by remote")
			}
		}
	}
}
