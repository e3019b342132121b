package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedTrack wraps a Source so outbound RTP can be suppressed while the
// device stays open. Disabling a track keeps the sender bound and the SSRC
// stable, so toggling never requires renegotiation.
type gatedTrack struct {
	Source
	kind    Kind
	enabled atomic.Bool

	mu       sync.Mutex
	bindings map[string]*gatedContext
}

func newGatedTrack(src Source, kind Kind, enabled bool) *gatedTrack {
	g := &gatedTrack{
		Source:   src,
		kind:     kind,
		bindings: make(map[string]*gatedContext),
	}
	g.enabled.Store(enabled)
	return g
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gc := &gatedContext{
		TrackLocalContext: ctx,
		writer:            &gatedWriter{next: ctx.WriteStream(), enabled: &g.enabled},
	}
	g.mu.Lock()
	g.bindings[ctx.ID()] = gc
	g.mu.Unlock()
	return g.Source.Bind(gc)
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	g.mu.Lock()
	gc, ok := g.bindings[ctx.ID()]
	delete(g.bindings, ctx.ID())
	g.mu.Unlock()
	if !ok {
		return g.Source.Unbind(ctx)
	}
	return g.Source.Unbind(gc)
}

func (g *gatedTrack) setEnabled(on bool) { g.enabled.Store(on) }

func (g *gatedTrack) isEnabled() bool { return g.enabled.Load() }

// gatedContext hands the wrapped writer to the inner track.
type gatedContext struct {
	webrtc.TrackLocalContext
	writer *gatedWriter
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter { return c.writer }

// gatedWriter drops packets while the track is disabled. Dropped writes
// report success so encoders keep running.
type gatedWriter struct {
	next    webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.next.Write(b)
}
