package streamnet

import (
	"context"
	"net"
	"time"

	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/protocol"
)

// Server defines a listening endpoint that hands accepted sockets to its connect listeners.
//
// Accepting is not a blocking loop: every call to OnUpdate makes a single accept attempt
// bounded by the accept timeout, so a shutdown request is observed between attempts.
// Start drives OnUpdate from a fixed-rate updater.
//
// Example usage:
//
//	srv, err := stream.Listen(stream.DefaultServerConfig(":25565"), live, updaters, logger)
//	if err != nil {
//	    return err // *server.BindError
//	}
//	srv.OnConnect(func(host string, port int, c net.Conn) {
//	    conn := stream.NewConn(c, reg, live, updaters, stream.NewServerHandshake(...), cfg, logger)
//	    conn.Start(ctx)
//	})
//	srv.Start(ctx)
type Server interface {
	// Addr returns the bound address.
	Addr() net.Addr

	// OnConnect registers a listener called with the peer host, peer port and accepted
	// socket. Listeners run synchronously, in registration order, before the accepting
	// tick returns.
	OnConnect(fn ConnectFn)

	// OnUpdate performs one bounded accept attempt. A timeout is not an error.
	OnUpdate(ctx context.Context) error

	// Start launches the accept updater. It returns an error if the server is already
	// running or closed.
	Start(ctx context.Context) error

	// Close stops accepting, closes the listener and unregisters the server.
	Close() error
}

// ConnectFn is called for every accepted socket.
type ConnectFn = func(host string, port int, conn net.Conn)

// DisconnectFn is called once when a connection exits.
type DisconnectFn = func(c Conn, reason string)

// Conn represents one side of a packet connection.
//
// Each connection owns a read loop, a write loop draining its outbound queue, and an
// updater ticking the active Handler. Exactly one Handler is active at a time.
//
// Example usage:
//
//	// queued delivery
//	conn.SendPacket(&protocol.PlayerPosition{...})
//
//	// jump the queue and wait for the write
//	conn.SendPacket(&protocol.Disconnect{Reason: "bye"}, streamnet.Force())
//
//	// synchronous request/response on top of the async protocol
//	conn.SendPacket(&protocol.ConnectionInfoRequest{})
//	info, err := streamnet.Await[*protocol.ConnectionInfo](ctx, conn, 5*time.Second)
type Conn interface {
	// ID returns a unique identifier for the connection.
	ID() string

	// RemoteAddr returns the peer's network address, typically "IP:port".
	RemoteAddr() string

	// Context is cancelled when the connection exits.
	Context() context.Context

	// Registry returns the packet registry both ends agreed on.
	Registry() *protocol.Registry

	// SendPacket queues p for asynchronous delivery.
	//
	// With Force the packet is written before every packet still waiting in the queue and
	// SendPacket returns once the write completed. A packet already being written is never
	// interrupted. NoCompression skips the payload compression transform.
	//
	// Returns ErrNotConnected after Exit.
	SendPacket(p protocol.Packet, opts ...SendOption) error

	// LatestPacket returns the oldest received packet not yet taken, blocking up to timeout
	// when none is buffered. Returns ErrTimeout when nothing arrived in time. Every packet is
	// buffered, keepalives included; use Await to wait for one packet type.
	LatestPacket(ctx context.Context, timeout time.Duration) (protocol.Packet, error)

	// Handler returns the active protocol-stage handler.
	Handler() Handler

	// SetHandler replaces the active handler; the old one is discarded.
	SetHandler(h Handler)

	// RegisterObserver attaches an auxiliary observer that sees every decoded packet.
	RegisterObserver(o Observer)

	// UnregisterObserver detaches o.
	UnregisterObserver(o Observer)

	// OnDisconnect registers a listener for the exit of the connection. Listeners may call
	// Exit again; the call returns at once.
	OnDisconnect(fn DisconnectFn)

	// User returns the identity attached by the handshake, or nil.
	User() *identity.User

	// SetUser attaches the authenticated identity.
	SetUser(u *identity.User)

	// SetCompression sets the payload size from which outbound payloads are compressed.
	// protocol.NoCompression disables compression.
	SetCompression(threshold int)

	// IsAlive returns true until Exit.
	IsAlive() bool

	// Exit tears the connection down with reason. It is idempotent.
	Exit(reason string)
}

// Handler is the protocol-stage state machine hosted by a connection.
type Handler interface {
	// OnPacket processes one decoded packet. A returned error exits the connection with
	// the error text as reason.
	OnPacket(ctx context.Context, c Conn, p protocol.Packet) error

	// OnUpdate is called once per connection tick, independent of incoming packets.
	OnUpdate(ctx context.Context, c Conn) error

	// OnExit is called once when the connection exits while this handler is active.
	OnExit(c Conn, reason string)
}

// Observer sees every packet decoded on a connection without owning its protocol stage.
type Observer interface {
	Observe(c Conn, p protocol.Packet)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(c Conn, p protocol.Packet)

func (f ObserverFunc) Observe(c Conn, p protocol.Packet) { f(c, p) }

// Presenter receives the informational traffic of a connection.
type Presenter interface {
	Print(c Conn, level protocol.PrintLevel, message string)
	ConnectionInfo(c Conn, info *protocol.ConnectionInfo)
	Disconnected(c Conn, reason string)
}

// SendOptions control a single SendPacket call.
type SendOptions struct {
	Force         bool
	NoCompression bool
}

type SendOption func(*SendOptions)

// Force makes the packet jump the outbound queue.
func Force() SendOption {
	return func(o *SendOptions) { o.Force = true }
}

// NoCompression skips payload compression for this packet.
func NoCompression() SendOption {
	return func(o *SendOptions) { o.NoCompression = true }
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts []SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
