// Package conn implements one side of a streamnet connection over any net.Conn.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/permission"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/internal/registry"
	"github.com/luciancaetano/streamnet/internal/updater"
)

var _ streamnet.Conn = (*Connection)(nil)

// Options wires a connection to its collaborators. Only Registry is required.
type Options struct {
	Registry *protocol.Registry
	Live     *registry.Registry
	Updaters *updater.Registry
	Handler  streamnet.Handler
	Logger   *slog.Logger
	Config   Config
}

type outbound struct {
	id     protocol.Identity
	data   []byte
	result chan error
}

// Connection implements the streamnet.Conn interface
type Connection struct {
	id         uuid.UUID
	conn       net.Conn
	reader     *bufio.Reader
	remoteAddr string
	reg        *protocol.Registry
	live       *registry.Registry
	cfg        Config
	logger     *slog.Logger
	limiter    *rate.Limiter
	updater    *updater.Updater

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	handler      streamnet.Handler
	observers    []streamnet.Observer
	onDisconnect []streamnet.DisconnectFn
	user         *identity.User

	queue      chan outbound
	urgent     chan outbound
	latest     chan protocol.Packet
	writerDone chan struct{}
	done       chan struct{}

	threshold    atomic.Int64
	lastActivity atomic.Int64
	dropped      atomic.Uint64
	connected    atomic.Bool
	started      atomic.Bool
	exitOnce     sync.Once
	exitReason   atomic.Pointer[string]
}

// New wraps nc. Nothing is read or written until Start.
func New(nc net.Conn, opts Options) *Connection {
	cfg := opts.Config.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         uuid.New(),
		conn:       nc,
		reader:     bufio.NewReader(nc),
		remoteAddr: nc.RemoteAddr().String(),
		reg:        opts.Registry,
		live:       opts.Live,
		cfg:        cfg,
		limiter:    cfg.RateLimit.limiter(),
		ctx:        ctx,
		cancel:     cancel,
		handler:    opts.Handler,
		queue:      make(chan outbound, cfg.QueueSize),
		urgent:     make(chan outbound, 16),
		latest:     make(chan protocol.Packet, cfg.LatestSize),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.logger = logger.With(slog.String("conn", c.id.String()), slog.String("remote", c.remoteAddr))
	c.threshold.Store(int64(cfg.CompressionThreshold))
	c.lastActivity.Store(time.Now().UnixNano())
	c.connected.Store(true)
	c.updater = updater.New(opts.Updaters, updater.UpdateFunc(c.update), cfg.TickRate,
		updater.Continuous(),
		updater.WithName("conn-"+c.id.String()),
		updater.WithLogger(logger),
		updater.OnError(func(err error) { c.Exit(err.Error()) }),
	)
	return c
}

// Dial connects to addr over network and wraps the socket.
func Dial(ctx context.Context, network, addr string, opts Options) (*Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(nc, opts), nil
}

// Start registers the connection and launches its read loop, write loop and updater.
// Cancelling ctx exits the connection.
func (c *Connection) Start(ctx context.Context) {
	if !c.connected.Load() || c.started.Swap(true) {
		return
	}
	if c.live != nil {
		c.live.AddConn(c)
		if !c.connected.Load() {
			// lost a race with Exit
			c.live.RemoveConn(c)
		}
	}

	go c.writeLoop()
	go c.readLoop()
	c.updater.Start(c.ctx)

	go func() {
		select {
		case <-ctx.Done():
			c.Exit(streamnet.ReasonClosed)
		case <-c.ctx.Done():
		}
	}()
	c.logger.Debug("connection started")
}

// ID returns a unique identifier for the connection
func (c *Connection) ID() string {
	return c.id.String()
}

func (c *Connection) UUID() uuid.UUID {
	return c.id
}

// RemoteAddr returns the peer's remote network address
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the connection's lifecycle context
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) Registry() *protocol.Registry {
	return c.reg
}

// Done is closed once Exit has completed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ExitReason returns the reason passed to Exit, or "" while the connection is alive.
func (c *Connection) ExitReason() string {
	if r := c.exitReason.Load(); r != nil {
		return *r
	}
	return ""
}

// LastActivity returns the time the last packet was received.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Dropped returns how many received packets were evicted from the latest-packet buffer unread.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// SendPacket encodes p and queues it for the writer.
func (c *Connection) SendPacket(p protocol.Packet, opts ...streamnet.SendOption) error {
	if !c.connected.Load() {
		return streamnet.ErrNotConnected
	}
	o := streamnet.ApplySendOptions(opts)

	threshold := int(c.threshold.Load())
	if o.NoCompression {
		threshold = protocol.NoCompression
	}
	data, err := protocol.Encode(p, threshold)
	if err != nil {
		return fmt.Errorf("%s: %w", streamnet.ErrMsgFailedToEncode, err)
	}
	item := outbound{id: p.Identity(), data: data}

	if !o.Force {
		select {
		case c.queue <- item:
			return nil
		case <-c.ctx.Done():
			return streamnet.ErrNotConnected
		}
	}

	item.result = make(chan error, 1)
	select {
	case c.urgent <- item:
	case <-c.ctx.Done():
		return streamnet.ErrNotConnected
	}
	select {
	case err := <-item.result:
		return err
	case <-c.ctx.Done():
		select {
		case err := <-item.result:
			return err
		default:
			return streamnet.ErrNotConnected
		}
	}
}

// LatestPacket returns the oldest packet still buffered, waiting up to timeout for one.
func (c *Connection) LatestPacket(ctx context.Context, timeout time.Duration) (protocol.Packet, error) {
	select {
	case p := <-c.latest:
		return p, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-c.latest:
		return p, nil
	case <-timer.C:
		return nil, streamnet.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, streamnet.ErrNotConnected
	}
}

func (c *Connection) Handler() streamnet.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *Connection) SetHandler(h streamnet.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Connection) RegisterObserver(o streamnet.Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// UnregisterObserver detaches o. Observers must be comparable, so an ObserverFunc cannot be
// detached.
func (c *Connection) UnregisterObserver(o streamnet.Observer) {
	c.mu.Lock()
	c.observers = slices.DeleteFunc(c.observers, func(x streamnet.Observer) bool { return x == o })
	c.mu.Unlock()
}

func (c *Connection) OnDisconnect(fn streamnet.DisconnectFn) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

func (c *Connection) User() *identity.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Connection) SetUser(u *identity.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
	if u != nil {
		c.logger.Info("user attached", slog.String("user", u.Name), slog.Int("level", int(u.Level)))
	}
}

// SetCompression applies to packets sent from now on. Packets already queued keep the
// encoding they were queued with.
func (c *Connection) SetCompression(threshold int) {
	c.threshold.Store(int64(threshold))
}

// IsAlive returns true if the connection is still active
func (c *Connection) IsAlive() bool {
	return c.connected.Load()
}

// Exit notifies the peer with a Disconnect packet carrying reason, closes the socket and
// releases everything the connection registered.
func (c *Connection) Exit(reason string) {
	c.exit(reason, true)
}

func (c *Connection) exit(reason string, notify bool) {
	first := false
	c.exitOnce.Do(func() {
		first = true
		c.connected.Store(false)
		c.exitReason.Store(&reason)
		c.logger.Info("connection exiting", slog.String("reason", reason))

		if notify && c.started.Load() {
			c.notifyPeer(reason)
		}
		c.cancel()
		c.conn.Close()
		if c.live != nil {
			c.live.RemoveConn(c)
		}
		c.updater.Exit()
	})
	if !first {
		return
	}

	// callbacks run outside the once so they may call Exit again
	c.mu.RLock()
	h := c.handler
	listeners := slices.Clone(c.onDisconnect)
	c.mu.RUnlock()
	if h != nil {
		h.OnExit(c, reason)
	}
	for _, fn := range listeners {
		fn(c, reason)
	}
	close(c.done)
}

// notifyPeer force-writes a Disconnect packet, giving up after the write timeout.
func (c *Connection) notifyPeer(reason string) {
	data, err := protocol.Encode(&protocol.Disconnect{Reason: reason}, protocol.NoCompression)
	if err != nil {
		c.logger.Warn("encode disconnect notice", slog.Any("error", err))
		return
	}
	item := outbound{id: (&protocol.Disconnect{}).Identity(), data: data, result: make(chan error, 1)}

	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case c.urgent <- item:
	case <-c.writerDone:
		return
	case <-timer.C:
		return
	}
	select {
	case <-item.result:
	case <-c.writerDone:
	case <-timer.C:
		c.logger.Debug("disconnect notice timed out")
	}
}

// writeLoop is the only goroutine writing to the socket. Force-sent packets are always
// taken before queued ones.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		var item outbound
		select {
		case item = <-c.urgent:
		default:
			select {
			case item = <-c.urgent:
			case item = <-c.queue:
			case <-c.ctx.Done():
				return
			}
		}

		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_, err := c.conn.Write(item.data)
		if item.result != nil {
			item.result <- err
		}
		if err != nil {
			c.logger.Debug("write failed", slog.String("packet", item.id.String()), slog.Any("error", err))
			// exit may be waiting on this goroutine, so it must not run here
			go c.exit("write failed: "+err.Error(), false)
			return
		}
	}
}

// readLoop waits for the first byte of each frame with ReadTimeout, polling the connected
// flag between waits, then reads the whole frame.
func (c *Connection) readLoop() {
	for c.connected.Load() {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if _, err := c.reader.Peek(1); err != nil {
			if isTimeout(err) {
				continue
			}
			c.exit(readFailure(err), false)
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.FrameTimeout))
		p, err := protocol.ReadFrame(c.reader, c.reg)
		if err != nil {
			if !c.connected.Load() {
				return
			}
			c.exit("malformed packet: "+err.Error(), true)
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded")
			c.exit(streamnet.ReasonRateLimited, true)
			return
		}
		if err := c.dispatch(p); err != nil {
			c.exit(err.Error(), true)
			return
		}
	}
}

func (c *Connection) dispatch(p protocol.Packet) error {
	if u, ok := p.(*protocol.Unresolved); ok && !c.cfg.AllowUnresolved {
		return &protocol.ProtocolViolation{Packet: u.ID, Reason: "unregistered packet type"}
	}

	c.mu.RLock()
	h := c.handler
	observers := slices.Clone(c.observers)
	c.mu.RUnlock()

	for _, o := range observers {
		o.Observe(c, p)
	}
	c.pushLatest(p)

	if h == nil {
		return nil
	}
	return h.OnPacket(permission.WithUser(c.ctx, c.User()), c, p)
}

// pushLatest never blocks the read loop: when the buffer is full the oldest unread packet
// is dropped.
func (c *Connection) pushLatest(p protocol.Packet) {
	for {
		select {
		case c.latest <- p:
			return
		default:
		}
		select {
		case <-c.latest:
			c.dropped.Add(1)
		default:
		}
	}
}

func (c *Connection) update(ctx context.Context) error {
	h := c.Handler()
	if h == nil || !c.connected.Load() {
		return nil
	}
	return h.OnUpdate(permission.WithUser(ctx, c.User()), c)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func readFailure(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return streamnet.ReasonPeerClosed
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return streamnet.ReasonClosed
	default:
		return "read failed: " + err.Error()
	}
}
