package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send while the websocket is down.
var ErrNotConnected = errors.New("signaling transport not connected")

// ErrReconnectExhausted is returned by Run after the configured number of
// consecutive failed dial attempts.
var ErrReconnectExhausted = errors.New("signaling reconnect attempts exhausted")

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// ReconnectAttempts caps consecutive failed dials; zero retries forever.
	ReconnectAttempts int

	WriteTimeout time.Duration
	PingInterval time.Duration

	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Client is a reconnecting websocket signaling client. Inbound frames are
// fanned out to subscribers; connection changes are published as
// transport:connected / transport:disconnected frames.
type Client struct {
	opts Options
	log  *logrus.Entry

	mu   sync.Mutex
	conn *Conn

	connected atomic.Bool

	listenerMu sync.RWMutex
	listeners  map[chan *Frame]struct{}
}

// NewClient returns a client. Call Run to connect.
func NewClient(opts Options) *Client {
	return &Client{
		opts:      opts.withDefaults(),
		log:       logrus.WithField("component", "signaling"),
		listeners: make(map[chan *Frame]struct{}),
	}
}

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Subscribe registers a listener for inbound frames. cancel unregisters and
// closes the channel.
func (c *Client) Subscribe() (ch <-chan *Frame, cancel func()) {
	out := make(chan *Frame, 256)

	c.listenerMu.Lock()
	c.listeners[out] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[out]; ok {
			delete(c.listeners, out)
			close(out)
		}
		c.listenerMu.Unlock()
	}
	return out, cancel
}

// Send emits one event. It fails fast with ErrNotConnected instead of
// buffering while the link is down.
func (c *Client) Send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if err := conn.Emit(event, payload); err != nil {
		c.log.WithError(err).WithField("event", event).Warn("Send failed, dropping connection")
		_ = conn.ws.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.log.WithField("event", event).Debug("Sent")
	return nil
}

// Run dials the relay and keeps the connection alive until ctx is done or
// reconnect attempts run out.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.log.WithError(err).WithField("attempt", failures).Warn("Relay dial failed")
			if c.opts.ReconnectAttempts > 0 && failures >= c.opts.ReconnectAttempts {
				return ErrReconnectExhausted
			}
			if !sleepCtx(ctx, c.backoff(failures)) {
				return nil
			}
			continue
		}
		failures = 0

		conn := WrapConn(ws, c.opts.WriteTimeout, 2*c.opts.PingInterval)
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)
		c.log.WithField("url", c.opts.URL).Info("Connected to relay")
		c.publish(&Frame{Event: EventTransportConnected})

		c.serve(ctx, conn)

		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.log.Warn("Disconnected from relay")
		c.publish(&Frame{Event: EventTransportDisconnected})

		if ctx.Err() != nil {
			return nil
		}
		if !sleepCtx(ctx, c.opts.ReconnectDelay) {
			return nil
		}
	}
}

// Close unregisters every subscriber.
func (c *Client) Close() {
	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = make(map[chan *Frame]struct{})
	c.listenerMu.Unlock()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return ws, nil
}

func (c *Client) serve(ctx context.Context, conn *Conn) {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					_ = conn.ws.Close()
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.log.WithError(err).Debug("Ignoring malformed frame")
				continue
			}
			return
		}
		c.log.WithField("event", f.Event).Debug("Received")
		c.publish(f)
	}
}

func (c *Client) publish(f *Frame) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for ch := range c.listeners {
		select {
		case ch <- f:
		default:
			c.log.WithField("event", f.Event).Warn("Subscriber full, frame dropped")
		}
	}
}

func (c *Client) backoff(failures int) time.Duration {
	d := c.opts.ReconnectDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.opts.ReconnectMaxDelay {
			return c.opts.ReconnectMaxDelay
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
