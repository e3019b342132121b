package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 1 << 20
)

// Conn serialises writes on a websocket. gorilla connections allow one
// concurrent writer; reads must stay on a single goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// WrapConn prepares ws for frame traffic. pongWait of zero disables the
// read deadline.
func WrapConn(ws *websocket.Conn, writeTimeout, pongWait time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws.SetReadLimit(readLimit)
	if pongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// WriteFrame sends f as one text message.
func (c *Conn) WriteFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(f)
}

// Emit encodes payload and sends it under event.
func (c *Conn) Emit(event string, payload any) error {
	f, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	return c.WriteFrame(f)
}

// Ping sends a websocket ping control frame.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
}

// ReadFrame blocks for the next message. Malformed JSON is reported as a
// *DecodeError and leaves the connection usable.
func (c *Conn) ReadFrame() (*Frame, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &f, nil
}

// Close closes the underlying websocket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}

// DecodeError wraps a frame that was read but could not be parsed.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "decode frame: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }
