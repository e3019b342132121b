package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peerconn"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

// fakeSignaler records outbound frames and lets tests inject inbound ones.
type fakeSignaler struct {
	mu        sync.Mutex
	sent      []*signaling.Frame
	connected bool
	in        chan *signaling.Frame
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{connected: true, in: make(chan *signaling.Frame, 64)}
}

func (f *fakeSignaler) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return signaling.ErrNotConnected
	}
	fr, err := signaling.NewFrame(event, payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeSignaler) Subscribe() (<-chan *signaling.Frame, func()) {
	return f.in, func() {}
}

func (f *fakeSignaler) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSignaler) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeSignaler) inject(t *testing.T, event string, payload any) {
	t.Helper()
	fr, err := signaling.NewFrame(event, payload)
	require.NoError(t, err)
	f.in <- fr
}

func (f *fakeSignaler) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.sent {
		if fr.Event == event {
			n++
		}
	}
	return n
}

// waitSent blocks until event has been sent and decodes its last payload.
func (f *fakeSignaler) waitSent(t *testing.T, event string, v any) {
	t.Helper()
	require.Eventually(t, func() bool { return f.count(event) > 0 }, waitFor, time.Millisecond, "waiting for %s", event)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event == event {
			if v != nil {
				require.NoError(t, f.sent[i].Decode(v))
			}
			return
		}
	}
}

// fakePeer stands in for a pion controller.
type fakePeer struct {
	mu         sync.Mutex
	tracks     int
	offers     int
	answers    int
	remote     []webrtc.SessionDescription
	candidates []string
	closed     int
	replaced   int

	offerErr   error
	replaceErr error
	answerGate chan struct{}

	events chan peerconn.Event
	done   chan struct{}
}

func newFakePeer() *fakePeer {
	return &fakePeer{events: make(chan peerconn.Event, 16), done: make(chan struct{})}
}

func (p *fakePeer) AttachLocalTracks(tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	p.tracks = len(tracks)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if p.answerGate != nil {
		select {
		case <-p.answerGate:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	p.remote = append(p.remote, offer)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(_ context.Context, desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	p.candidates = append(p.candidates, c.Candidate)
	p.mu.Unlock()
}

func (p *fakePeer) ReplaceVideoTrack(webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replaceErr != nil {
		return p.replaceErr
	}
	p.replaced++
	return nil
}

func (p *fakePeer) Events() <-chan peerconn.Event { return p.events }

func (p *fakePeer) Done() <-chan struct{} { return p.done }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed == 0 {
		close(p.done)
	}
	p.closed++
	return nil
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) candidateList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type summaries struct {
	mu  sync.Mutex
	all []Summary
}

func (s *summaries) RecordCall(sum Summary) {
	s.mu.Lock()
	s.all = append(s.all, sum)
	s.mu.Unlock()
}

func (s *summaries) list() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Summary(nil), s.all...)
}

// harness wires a Manager to fakes.
type harness struct {
	m        *Manager
	sig      *fakeSignaler
	clock    *fakeClock
	capturer *media.SyntheticCapturer
	media    *media.Manager
	rec      *summaries

	peerMu  sync.Mutex
	peers   []*fakePeer
	nextErr error
	setup   func(*fakePeer)

	// hold, when set, blocks peer creation until closed.
	hold chan struct{}
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()
	logrus.SetLevel(logrus.WarnLevel)
	h := &harness{
		sig:      newFakeSignaler(),
		clock:    newFakeClock(),
		capturer: media.NewSyntheticCapturer(),
		rec:      &summaries{},
	}
	h.media = media.NewManager(h.capturer)
	h.m = New(Options{
		SelfID:   self,
		Signaler: h.sig,
		Media:    h.media,
		Recorder: h.rec,
		Clock:    h.clock,
		Peers: func(*logrus.Entry) (PeerConn, error) {
			if h.hold != nil {
				<-h.hold
			}
			h.peerMu.Lock()
			defer h.peerMu.Unlock()
			if h.nextErr != nil {
				return nil, h.nextErr
			}
			p := newFakePeer()
			if h.setup != nil {
				h.setup(p)
			}
			h.peers = append(h.peers, p)
			return p, nil
		},
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) peer(t *testing.T) *fakePeer {
	t.Helper()
	h.peerMu.Lock()
	defer h.peerMu.Unlock()
	require.NotEmpty(t, h.peers)
	return h.peers[len(h.peers)-1]
}

func (h *harness) waitStatus(t *testing.T, want Status) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = h.m.Current(context.Background())
		return ok && snap.Status == want
	}, waitFor, time.Millisecond, "waiting for status %s", want)
	return snap
}

func (h *harness) waitEnded(t *testing.T) Summary {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.rec.list()) > 0 }, waitFor, time.Millisecond, "waiting for summary")
	_, live := h.m.Current(context.Background())
	require.False(t, live)
	return h.rec.list()[0]
}

// ringing drives an outgoing call to ringing with call id c1.
func (h *harness) ringing(t *testing.T, to string, typ Type) {
	t.Helper()
	_, err := h.m.Initiate(context.Background(), InitiateRequest{RecipientID: to, CallType: typ, ConversationID: "conv-1"})
	require.NoError(t, err)
	h.sig.inject(t, signaling.EventRinging, signaling.Ringing{CallID: "c1"})
	require.Eventually(t, func() bool {
		snap, ok := h.m.Current(context.Background())
		return ok && snap.ID == "c1"
	}, waitFor, time.Millisecond)
}

// incoming delivers call:incoming from caller.
func (h *harness) incoming(t *testing.T, caller, callID string, typ Type) {
	t.Helper()
	h.sig.inject(t, signaling.EventIncoming, signaling.Incoming{
		CallID:         callID,
		CallerID:       caller,
		CallerName:     "Caller " + caller,
		CallType:       string(typ),
		ConversationID: "conv-1",
	})
}

var errBoom = errors.New("boom")
