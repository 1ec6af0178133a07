// Package server accepts stream sockets and hands them to connect listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/registry"
	"github.com/luciancaetano/streamnet/internal/updater"
)

var _ streamnet.Server = (*Server)(nil)

type Config struct {
	Address string
	// AcceptTimeout bounds a single accept attempt.
	AcceptTimeout time.Duration
	// TickRate is the interval of the updater that drives accepting.
	TickRate time.Duration
}

// DefaultConfig returns a configuration for addr with a one second accept timeout.
func DefaultConfig(addr string) Config {
	return Config{
		Address:       addr,
		AcceptTimeout: time.Second,
		TickRate:      10 * time.Millisecond,
	}
}

// BindError reports a listening socket that could not be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Listener is a net.Listener whose Accept can be bounded by a deadline.
type Listener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Server implements the streamnet.Server interface
type Server struct {
	ln       Listener
	cfg      Config
	live     *registry.Registry
	updaters *updater.Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []streamnet.ConnectFn
	updater   *updater.Updater
	running   bool
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// consecutive accept failures and the time the next attempt is allowed
	failures int
	retryAt  time.Time
}

// maxAcceptBackoff caps the pause after repeated accept failures.
const maxAcceptBackoff = time.Second

// Listen binds a TCP socket on cfg.Address right away. A failure is a *BindError.
func Listen(cfg Config, live *registry.Registry, updaters *updater.Registry, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, &BindError{Addr: cfg.Address, Err: err}
	}
	return NewFromListener(ln.(*net.TCPListener), cfg, live, updaters, logger), nil
}

// NewFromListener serves an already bound listener and registers the server in live.
func NewFromListener(ln Listener, cfg Config, live *registry.Registry, updaters *updater.Registry, logger *slog.Logger) *Server {
	d := DefaultConfig(cfg.Address)
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = d.AcceptTimeout
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = d.TickRate
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		ln:       ln,
		cfg:      cfg,
		live:     live,
		updaters: updaters,
		logger:   logger.With(slog.String("server", ln.Addr().String())),
		done:     make(chan struct{}),
	}
	if live != nil {
		live.AddServer(s)
	}
	return s
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// OnConnect registers fn. Listeners are called in registration order.
func (s *Server) OnConnect(fn streamnet.ConnectFn) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// OnUpdate waits up to AcceptTimeout for one socket and runs every connect listener on it
// before returning. With no listener registered the socket is closed. After a failed accept
// the next attempts are skipped for a pause that doubles per failure up to one second.
func (s *Server) OnUpdate(ctx context.Context) error {
	if s.isClosed() {
		return streamnet.ErrServerClosed
	}
	if s.backingOff() {
		return nil
	}

	s.ln.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
	nc, err := s.ln.Accept()
	if err != nil {
		if isTimeout(err) || s.isClosed() {
			return nil
		}
		delay := s.acceptFailed()
		return fmt.Errorf("accept (retry in %s): %w", delay, err)
	}
	s.acceptSucceeded()

	host, port := splitAddr(nc.RemoteAddr())
	s.logger.Debug("accepted", slog.String("host", host), slog.Int("port", port))

	s.mu.RLock()
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()

	if len(listeners) == 0 {
		nc.Close()
		return nil
	}
	for _, fn := range listeners {
		fn(host, port, nc)
	}
	return nil
}

// Start launches the accept updater. Accept work runs as the main identity.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return streamnet.ErrServerClosed
	}
	if s.running {
		return streamnet.ErrServerAlreadyRunning
	}
	s.running = true

	s.updater = updater.New(s.updaters, updater.UpdateFunc(s.OnUpdate), s.cfg.TickRate,
		updater.Continuous(),
		updater.WithName("accept-"+s.ln.Addr().String()),
		updater.WithIdentity(identity.Main),
		updater.WithLogger(s.logger),
		updater.OnError(func(err error) {
			s.logger.Error("accept failed", slog.Any("error", err))
		}),
	)
	s.updater.Start(ctx)

	go func(u *updater.Updater) {
		<-u.Done()
		s.Close()
	}(s.updater)

	s.logger.Info("server started")
	return nil
}

// Close stops accepting, closes the listener and unregisters the server. It does not wait
// for the accept updater; use Done for that.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		u := s.updater
		s.mu.Unlock()

		err = s.ln.Close()
		if s.live != nil {
			s.live.RemoveServer(s)
		}
		if u != nil {
			u.Exit()
			go func() {
				<-u.Done()
				close(s.done)
			}()
		} else {
			close(s.done)
		}
		s.logger.Info("server closed")
	})
	return err
}

// Done is closed once the server is closed and its accept updater has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Server) backingOff() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Now().Before(s.retryAt)
}

func (s *Server) acceptFailed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := maxAcceptBackoff
	if s.failures < 16 {
		delay = min(s.cfg.TickRate<<s.failures, maxAcceptBackoff)
	}
	s.failures++
	s.retryAt = time.Now().Add(delay)
	return delay
}

func (s *Server) acceptSucceeded() {
	s.mu.Lock()
	s.failures = 0
	s.retryAt = time.Time{}
	s.mu.Unlock()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
