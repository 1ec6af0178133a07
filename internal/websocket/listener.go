package websocket

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins returns a CheckOriginFn that allows every origin. Development only.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

type ListenerConfig struct {
	Addr        string
	Path        string
	CheckOrigin CheckOriginFn
	// Backlog is how many upgraded connections may wait for Accept.
	Backlog int
	Logger  *slog.Logger
}

// Listener exposes upgraded WebSocket connections through the net.Listener contract, with
// the deadline support the stream server needs for bounded accepts.
type Listener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	accepted  chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
}

// Listen binds cfg.Addr and starts serving WebSocket upgrades on cfg.Path.
func Listen(cfg ListenerConfig) (*Listener, error) {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger:   cfg.Logger.With(slog.String("websocket", ln.Addr().String())),
		accepted: make(chan net.Conn, cfg.Backlog),
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleWebSocket)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket listener stopped", slog.Any("error", err))
		}
	}()
	return l, nil
}

// handleWebSocket upgrades the request and parks the connection until Accept takes it
func (l *Listener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		l.logger.Debug("upgrade failed", slog.Any("error", err))
		return
	}

	c := NewConn(ws)
	select {
	case l.accepted <- c:
	case <-l.closed:
		c.CloseWithCode(websocket.CloseGoingAway, "server closed")
	}
}

// Accept waits for the next upgraded connection or the deadline.
func (l *Listener) Accept() (net.Conn, error) {
	l.mu.Lock()
	deadline := l.deadline
	l.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-timeout:
		return nil, fmt.Errorf("accept %s: %w", l.ln.Addr(), os.ErrDeadlineExceeded)
	}
}

// SetDeadline bounds future Accept calls. A zero time means no deadline.
func (l *Listener) SetDeadline(t time.Time) error {
	l.mu.Lock()
	l.deadline = t
	l.mu.Unlock()
	return nil
}

// Close stops the HTTP server. Connections already accepted are not affected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
