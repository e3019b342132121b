package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRelay struct {
	srv      *httptest.Server
	authz    chan string
	conns    chan *Conn
	received chan *Frame
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{
		authz:    make(chan string, 4),
		conns:    make(chan *Conn, 4),
		received: make(chan *Frame, 16),
	}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.authz <- req.Header.Get("Authorization")
		conn := WrapConn(ws, time.Second, 0)
		r.conns <- conn
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				return
			}
			r.received <- f
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func nextFrame(t *testing.T, ch <-chan *Frame) *Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient(Options{URL: "ws://127.0.0.1:1/ws"})
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(EventInitiate, Initiate{RecipientID: "bob"}), ErrNotConnected)
}

func TestClientRoundTrip(t *testing.T) {
	relay := newTestRelay(t)
	c := NewClient(Options{URL: relay.url(), Token: "tok"})
	frames, cancel := c.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, EventTransportConnected, nextFrame(t, frames).Event)
	assert.True(t, c.Connected())
	assert.Equal(t, "Bearer tok", <-relay.authz)

	require.NoError(t, c.Send(EventInitiate, Initiate{RecipientID: "bob", CallType: "video"}))
	got := nextFrame(t, relay.received)
	assert.Equal(t, EventInitiate, got.Event)
	var init Initiate
	require.NoError(t, got.Decode(&init))
	assert.Equal(t, "bob", init.RecipientID)
	assert.Equal(t, "video", init.CallType)

	server := <-relay.conns
	require.NoError(t, server.Emit(EventRinging, Ringing{CallID: "c1"}))
	f := nextFrame(t, frames)
	assert.Equal(t, EventRinging, f.Event)
	var ringing Ringing
	require.NoError(t, f.Decode(&ringing))
	assert.Equal(t, "c1", ringing.CallID)

	require.NoError(t, server.Close())
	assert.Equal(t, EventTransportDisconnected, nextFrame(t, frames).Event)

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClientIgnoresMalformedFrames(t *testing.T) {
	relay := newTestRelay(t)
	c := NewClient(Options{URL: relay.url()})
	frames, cancel := c.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go c.Run(ctx)

	require.Equal(t, EventTransportConnected, nextFrame(t, frames).Event)
	server := <-relay.conns
	require.NoError(t, server.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, server.Emit(EventAccepted, Accepted{}))
	assert.Equal(t, EventAccepted, nextFrame(t, frames).Event)
}

func TestReconnectExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewClient(Options{
		URL:               url,
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
		ReconnectAttempts: 3,
	})
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrReconnectExhausted)
}

func TestBackoffIsCapped(t *testing.T) {
	c := NewClient(Options{ReconnectDelay: time.Second, ReconnectMaxDelay: 5 * time.Second})
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 5*time.Second, c.backoff(4))
	assert.Equal(t, 5*time.Second, c.backoff(10))
}

func TestNewFrameNilPayload(t *testing.T) {
	f, err := NewFrame(EventAccepted, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(f.Data))
}
