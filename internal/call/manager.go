// Package call runs the 1:1 call session state machine.
//
// A Manager owns at most one live session. All session state is owned by a
// single event loop goroutine: user commands, inbound signaling frames, peer
// connection events and the no-answer timer are all turned into closures that
// run on that loop. Device acquisition and SDP work run off the loop; their
// results are applied back on it and are dropped if the session they were
// started for has since ended.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DefaultNoAnswerTimeout is how long an outgoing call rings before it is
// given up as missed.
const DefaultNoAnswerTimeout = 45 * time.Second

// Options wires a Manager to its collaborators.
type Options struct {
	SelfID          string
	NoAnswerTimeout time.Duration

	Signaler Signaler
	Media    MediaSource
	Peers    PeerFactory
	Recorder Recorder
	Clock    Clock
}

// Manager is the call session state machine.
type Manager struct {
	selfID  string
	timeout time.Duration
	sig     Signaler
	media   MediaSource
	peers   PeerFactory
	rec     Recorder
	clock   Clock
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	ops    chan func()
	quit   chan struct{}
	done   chan struct{}
	frames <-chan *signaling.Frame
	unsub  func()

	// Loop-owned.
	sess *session
	gen  uint64
	last *Snapshot

	subMu sync.RWMutex
	subs  map[chan Update]struct{}

	closeOnce sync.Once
}

// New starts a Manager. It subscribes to the signaler immediately so no
// frame published after New returns is missed.
func New(opts Options) *Manager {
	if opts.NoAnswerTimeout <= 0 {
		opts.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = RecorderFunc(func(Summary) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		selfID:  opts.SelfID,
		timeout: opts.NoAnswerTimeout,
		sig:     opts.Signaler,
		media:   opts.Media,
		peers:   opts.Peers,
		rec:     opts.Recorder,
		clock:   opts.Clock,
		log:     logrus.WithFields(logrus.Fields{"component": "call", "self": opts.SelfID}),
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(chan func(), 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[chan Update]struct{}),
	}
	m.frames, m.unsub = opts.Signaler.Subscribe()
	go m.loop()
	return m
}

// Close ends any live session as failed and stops the loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done
		m.unsub()
		m.cancel()

		m.subMu.Lock()
		for ch := range m.subs {
			close(ch)
		}
		m.subs = nil
		m.subMu.Unlock()
	})
}

// Subscribe returns a channel of session updates. Slow subscribers miss
// updates rather than stalling the loop.
func (m *Manager) Subscribe() (ch <-chan Update, cancel func()) {
	out := make(chan Update, 32)
	m.subMu.Lock()
	if m.subs == nil {
		m.subMu.Unlock()
		close(out)
		return out, func() {}
	}
	m.subs[out] = struct{}{}
	m.subMu.Unlock()

	cancel = func() {
		m.subMu.Lock()
		if _, ok := m.subs[out]; ok {
			delete(m.subs, out)
			close(out)
		}
		m.subMu.Unlock()
	}
	return out, cancel
}

// Initiate places an outgoing call. It returns once local media is
// acquired and call:initiate has been sent, with the session ringing.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (Snapshot, error) {
	if req.RecipientID == "" || req.RecipientID == m.selfID {
		return Snapshot{}, ErrInvalidRecipient
	}
	if req.CallType != TypeVoice && req.CallType != TypeVideo {
		return Snapshot{}, ErrInvalidCallType
	}

	reply := make(chan error, 1)
	if err := m.call(ctx, func() error { return m.initiate(req, reply) }); err != nil {
		return Snapshot{}, err
	}
	select {
	case err := <-reply:
		if err != nil {
			return Snapshot{}, err
		}
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	snap, _ := m.Current(ctx)
	return snap, nil
}

// Accept answers the incoming call. It returns after local media is
// acquired and call:accept has been sent.
func (m *Manager) Accept(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := m.call(ctx, func() error { return m.accept(reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reject declines the incoming call.
func (m *Manager) Reject(ctx context.Context) error {
	return m.call(ctx, m.reject)
}

// End hangs up: cancels a ringing call, ends an accepted or connected one,
// or rejects an incoming one.
func (m *Manager) End(ctx context.Context) error {
	return m.call(ctx, m.end)
}

// SetTrackEnabled mutes or unmutes local audio or video.
func (m *Manager) SetTrackEnabled(ctx context.Context, kind media.Kind, enabled bool) error {
	return m.call(ctx, func() error {
		s := m.sess
		if s == nil {
			return ErrNoActiveCall
		}
		if s.media == nil {
			return ErrInvalidState
		}
		if err := m.media.SetTrackEnabled(s.media, kind, enabled); err != nil {
			return err
		}
		m.publish(s, "")
		return nil
	})
}

// SwitchCamera swaps the outgoing camera. An empty facing flips to the
// opposite of the current one. Failures, including a peer that refuses the
// new track, leave the current camera sending and do not affect the call.
func (m *Manager) SwitchCamera(ctx context.Context, facing media.Facing) (media.Facing, error) {
	type target struct {
		s    *session
		h    *media.Handle
		peer PeerConn
		log  *logrus.Entry
	}
	t, err := callValue(m, ctx, func() (target, error) {
		s := m.sess
		if s == nil {
			return target{}, ErrNoActiveCall
		}
		if s.media == nil || s.peer == nil {
			return target{}, ErrInvalidState
		}
		return target{s, s.media, s.peer, s.log}, nil
	})
	if err != nil {
		return "", err
	}
	s, h, peer := t.s, t.h, t.peer
	if facing == "" {
		facing = h.Facing().Opposite()
	}

	if _, err := m.media.SwitchCamera(ctx, h, facing, peer.ReplaceVideoTrack); err != nil {
		t.log.WithError(err).WithField("facing", facing).Warn("Camera switch failed")
		return h.Facing(), err
	}
	_ = m.call(ctx, func() error {
		if m.sess == s {
			m.publish(s, "")
		}
		return nil
	})
	return facing, nil
}

// Current returns the live session, if any.
func (m *Manager) Current(ctx context.Context) (Snapshot, bool) {
	snap, err := callValue(m, ctx, func() (Snapshot, error) {
		if m.sess == nil {
			return Snapshot{}, ErrNoActiveCall
		}
		return m.sess.snapshot(), nil
	})
	return snap, err == nil
}

// Last returns the most recently ended session, if any.
func (m *Manager) Last(ctx context.Context) (Snapshot, bool) {
	snap, err := callValue(m, ctx, func() (Snapshot, error) {
		if m.last == nil {
			return Snapshot{}, ErrNoActiveCall
		}
		return *m.last, nil
	})
	return snap, err == nil
}

// callValue runs fn on the loop and returns its result.
func callValue[T any](m *Manager, ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	res := make(chan result, 1)
	var zero T
	if !m.post(func() {
		v, err := fn()
		res <- result{v, err}
	}) {
		return zero, ErrClosed
	}
	select {
	case r := <-res:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.done:
		return zero, ErrClosed
	}
}

// call runs fn on the loop and waits for its result.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !m.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// post queues fn for the loop. It must never be called from the loop.
func (m *Manager) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.shutdown()
			return
		case fn := <-m.ops:
			fn()
		case f, ok := <-m.frames:
			if !ok {
				m.frames = nil
				continue
			}
			m.onFrame(f)
		}
	}
}

func (m *Manager) shutdown() {
	if s := m.sess; s != nil {
		if s.status == StatusIdle {
			m.abort(s, ErrClosed)
		} else {
			m.finish(s, EndFailed, "Call manager shut down")
		}
	}
	// Run completions that were queued before quit so their resources
	// are released.
	for {
		select {
		case fn := <-m.ops:
			fn()
		default:
			return
		}
	}
}

// async runs work off the loop. work returns a completion that is applied
// on the loop with live=false if the session ended meanwhile; completions
// must release whatever work produced in that case.
func (m *Manager) async(s *session, op string, work func(ctx context.Context) func(live bool)) {
	s.busy++
	s.log.WithField("op", op).Debug("Async operation started")
	go func() {
		complete := work(s.ctx)
		ok := m.post(func() {
			s.busy--
			live := m.sess == s && s.live()
			if !live {
				s.log.WithField("op", op).Debug("Discarding result for ended session")
			}
			complete(live)
			if m.sess == s {
				m.drain(s)
			}
		})
		if !ok {
			complete(false)
		}
	}()
}

// drain replays frames deferred while the session was busy.
func (m *Manager) drain(s *session) {
	for m.sess == s && s.busy == 0 && len(s.deferred) > 0 {
		f := s.deferred[0]
		s.deferred = s.deferred[1:]
		m.handleSessionFrame(s, f)
	}
}

func (m *Manager) newSession(dir Direction) *session {
	m.gen++
	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		gen:       m.gen,
		direction: dir,
		status:    StatusIdle,
		startedAt: m.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.log = m.log.WithField("session", s.gen)
	m.sess = s
	return s
}

func (m *Manager) initiate(req InitiateRequest, reply chan error) error {
	if m.sess != nil {
		return ErrCallActive
	}
	if !m.sig.Connected() {
		return ErrTransportUnavailable
	}

	s := m.newSession(Outgoing)
	s.peerID = req.RecipientID
	s.peerName = req.RecipientName
	s.peerAvatar = req.RecipientAvatar
	s.callType = req.CallType
	s.conversationID = req.ConversationID
	s.reply = reply
	s.log = s.log.WithFields(logrus.Fields{"peer": s.peerID, "direction": Outgoing})
	s.log.WithField("call_type", s.callType).Info("Placing call")

	m.async(s, "prepare-outgoing", func(ctx context.Context) func(bool) {
		h, pc, err := m.prepare(ctx, s)
		return func(live bool) {
			if !live {
				m.discard(h, pc)
				return
			}
			if err != nil {
				m.abort(s, err)
				return
			}
			s.media, s.peer = h, pc
			m.watchPeer(s, pc)

			if err := m.sig.Send(signaling.EventInitiate, signaling.Initiate{
				RecipientID:    s.peerID,
				CallType:       string(s.callType),
				ConversationID: s.conversationID,
			}); err != nil {
				s.log.WithError(err).Warn("call:initiate not sent")
				m.abort(s, ErrTransportUnavailable)
				return
			}
			m.setStatus(s, StatusRinging)
			gen := s.gen
			s.timer = m.clock.AfterFunc(m.timeout, func() {
				m.post(func() { m.onNoAnswer(s, gen) })
			})
			s.answer(nil)
			m.publish(s, "")
		}
	})
	return nil
}

func (m *Manager) accept(reply chan error) error {
	s := m.sess
	if s == nil {
		return ErrNoActiveCall
	}
	if s.status != StatusIncoming || s.busy > 0 || s.reply != nil {
		return ErrInvalidState
	}
	if !m.sig.Connected() {
		return ErrTransportUnavailable
	}
	s.reply = reply
	s.log.Info("Accepting call")

	m.async(s, "prepare-incoming", func(ctx context.Context) func(bool) {
		h, pc, err := m.prepare(ctx, s)
		return func(live bool) {
			if !live {
				m.discard(h, pc)
				return
			}
			if err != nil {
				s.answer(err)
				m.finish(s, EndFailed, failureNotice(err))
				return
			}
			s.media, s.peer = h, pc
			m.watchPeer(s, pc)

			if err := m.sig.Send(signaling.EventAccept, signaling.Accept{
				CallerID: s.peerID,
				CallID:   s.id,
			}); err != nil {
				s.answer(ErrTransportUnavailable)
				m.finish(s, EndFailed, "Connection to server lost")
				return
			}
			m.setStatus(s, StatusAccepted)
			s.answer(nil)
			m.publish(s, "")
		}
	})
	return nil
}

// prepare acquires local media and builds a peer connection with the
// tracks attached. On error nothing is left open.
func (m *Manager) prepare(ctx context.Context, s *session) (*media.Handle, PeerConn, error) {
	h, err := m.media.Acquire(ctx, s.callType == TypeVideo)
	if err != nil {
		return nil, nil, err
	}
	pc, err := m.peers(s.log)
	if err != nil {
		m.releaseMedia(h)
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}
	if err := pc.AttachLocalTracks(h.Tracks()); err != nil {
		_ = pc.Close()
		m.releaseMedia(h)
		return nil, nil, fmt.Errorf("attach local tracks: %w", err)
	}
	return h, pc, nil
}

func (m *Manager) reject() error {
	s := m.sess
	if s == nil {
		return ErrNoActiveCall
	}
	if s.status != StatusIncoming {
		return ErrInvalidState
	}
	if err := m.sig.Send(signaling.EventReject, signaling.Reject{
		CallerID:       s.peerID,
		Reason:         signaling.ReasonRejected,
		CallID:         s.id,
		ConversationID: s.conversationID,
	}); err != nil {
		s.log.WithError(err).Warn("call:reject not sent")
	}
	s.answer(ErrCancelled)
	m.finish(s, EndRejected, "")
	return nil
}

func (m *Manager) end() error {
	s := m.sess
	if s == nil {
		return ErrNoActiveCall
	}
	switch s.status {
	case StatusIdle:
		m.abort(s, ErrCancelled)
	case StatusIncoming:
		return m.reject()
	case StatusRinging:
		m.hangup(s, EndCancelled)
	case StatusAccepted, StatusConnected:
		m.hangup(s, EndCompleted)
	}
	return nil
}

// hangup tells the peer and the relay that this side ended the call.
func (m *Manager) hangup(s *session, reason EndReason) {
	if err := m.sig.Send(signaling.EventEnd, signaling.End{RecipientID: s.peerID, CallID: s.id}); err != nil {
		s.log.WithError(err).Warn("call:end not sent")
	}
	m.finish(s, reason, "")
	if s.id == "" {
		return
	}
	if err := m.sig.Send(signaling.EventEnded, signaling.Ended{
		Meta:           signaling.Meta{CallID: s.id},
		ConversationID: s.conversationID,
		Reason:         string(reason),
		Duration:       s.duration(),
	}); err != nil {
		s.log.WithError(err).Debug("call:ended not sent")
	}
}

func (m *Manager) onNoAnswer(s *session, gen uint64) {
	if m.sess != s || s.gen != gen || s.status != StatusRinging {
		return
	}
	s.log.Info("No answer, giving up")
	if err := m.sig.Send(signaling.EventNoAnswer, signaling.NoAnswer{
		Meta:           signaling.Meta{CallID: s.id},
		RecipientID:    s.peerID,
		ConversationID: s.conversationID,
	}); err != nil {
		s.log.WithError(err).Warn("call:no-answer not sent")
	}
	m.finish(s, EndMissed, "No answer")
}

func (m *Manager) setStatus(s *session, st Status) {
	s.log.WithFields(logrus.Fields{"from": s.status, "status": st}).Info("Call state changed")
	s.status = st
	if st != StatusRinging && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// abort drops a session that never started ringing. No summary is
// recorded and no signaling is sent.
func (m *Manager) abort(s *session, err error) {
	s.log.WithError(err).Info("Call abandoned before ringing")
	m.teardown(s)
	s.answer(err)
	s.deferred = nil
	m.sess = nil
	m.publish(s, failureNotice(err))
}

// finish moves s to its terminal state exactly once, releases every
// resource it owns and records the summary.
func (m *Manager) finish(s *session, reason EndReason, notice string) {
	if !s.live() {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.endedAt = m.clock.Now()
	s.endReason = reason
	s.log.WithFields(logrus.Fields{
		"from":     s.status,
		"status":   StatusEnded,
		"reason":   reason,
		"call_id":  s.id,
		"duration": s.duration(),
	}).Info("Call ended")
	s.status = StatusEnded

	m.teardown(s)
	s.answer(fmt.Errorf("call ended: %s", reason))
	s.deferred = nil
	if m.sess == s {
		m.sess = nil
	}
	snap := s.snapshot()
	m.last = &snap

	m.rec.RecordCall(s.summary())
	m.publish(s, notice)
}

func (m *Manager) teardown(s *session) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	pc, h := s.peer, s.media
	s.peer, s.media = nil, nil
	m.discard(h, pc)
}

func (m *Manager) discard(h *media.Handle, pc PeerConn) {
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.log.WithError(err).Debug("Closing peer connection")
		}
	}
	m.releaseMedia(h)
}

func (m *Manager) releaseMedia(h *media.Handle) {
	if h == nil {
		return
	}
	if err := m.media.Release(h); err != nil {
		m.log.WithError(err).Warn("Releasing local media")
	}
}

// watchPeer forwards controller events onto the loop until the controller
// is closed.
func (m *Manager) watchPeer(s *session, pc PeerConn) {
	go func() {
		for {
			select {
			case <-pc.Done():
				return
			case ev := <-pc.Events():
				if !m.post(func() { m.onPeerEvent(s, ev) }) {
					return
				}
			}
		}
	}()
}

func (m *Manager) publish(s *session, notice string) {
	u := Update{Session: s.snapshot(), Notice: notice}
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func failureNotice(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrCancelled):
		return ""
	case media.IsPermissionDenied(err):
		return "Camera or microphone permission denied"
	case IsMediaError(err):
		return "Camera or microphone unavailable"
	case IsNegotiationError(err):
		return "Could not establish the media connection"
	case errors.Is(err, ErrTransportUnavailable):
		return "Not connected to the call server"
	}
	return "Call failed: " + err.Error()
}

// sendCandidate trickles a local ICE candidate to the peer.
func (m *Manager) sendCandidate(s *session, c webrtc.ICECandidateInit) {
	if err := m.sig.Send(signaling.EventICECandidate, signaling.ICECandidate{
		Meta:        signaling.Meta{CallID: s.id},
		RecipientID: s.peerID,
		Candidate:   c,
	}); err != nil {
		s.log.WithError(err).Debug("ICE candidate not sent")
	}
}
