// Package websocket carries streamnet frames over WebSocket binary messages.
package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn adapts a WebSocket connection to net.Conn. Each Write becomes one binary message;
// Read returns message bytes in order, ignoring message boundaries.
//
// Read deadlines are handled here rather than by the WebSocket connection, whose state is
// corrupt after a read timeout. A timed out Read can be retried.
type Conn struct {
	ws *websocket.Conn

	incoming chan []byte
	buf      []byte
	readErr  error

	mu           sync.Mutex
	readDeadline time.Time

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps ws and starts its read pump.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go c.readPump()
	return c
}

// Dial opens a WebSocket connection to url, such as "ws://localhost:8080/ws".
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

// readPump pumps binary messages from the websocket connection to Read
func (c *Conn) readPump() {
	defer close(c.incoming)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			c.readErr = err
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case c.incoming <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case data, ok := <-c.incoming:
			if !ok {
				// readErr is written before incoming is closed
				return 0, c.readErr
			}
			c.buf = data
		case <-c.closed:
			return 0, net.ErrClosed
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		}
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the client connection
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Conn) CloseWithCode(code int, reason string) error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)

		// Send close message
		message := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage, message, deadline)

		err = c.ws.Close()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
