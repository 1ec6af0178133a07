package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/conn"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/permission"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/internal/registry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type sentPacket struct {
	packet protocol.Packet
	opts   streamnet.SendOptions
}

// fakeConn records what a stage does to its connection
type fakeConn struct {
	conn.Dummy

	id        string
	reg       *protocol.Registry
	mu        sync.Mutex
	sent      []sentPacket
	handler   streamnet.Handler
	user      *identity.User
	threshold int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:        uuid.NewString(),
		reg:       protocol.DefaultRegistry(),
		threshold: protocol.NoCompression,
	}
}

func (f *fakeConn) ID() string                   { return f.id }
func (f *fakeConn) Registry() *protocol.Registry { return f.reg }
func (f *fakeConn) IsAlive() bool                { return true }

func (f *fakeConn) SendPacket(p protocol.Packet, opts ...streamnet.SendOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{packet: p, opts: streamnet.ApplySendOptions(opts)})
	return nil
}

func (f *fakeConn) Handler() streamnet.Handler     { return f.handler }
func (f *fakeConn) SetHandler(h streamnet.Handler) { f.handler = h }
func (f *fakeConn) User() *identity.User           { return f.user }
func (f *fakeConn) SetUser(u *identity.User)       { f.user = u }
func (f *fakeConn) SetCompression(threshold int)   { f.threshold = threshold }

func (f *fakeConn) packets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

func (f *fakeConn) last(t *testing.T) sentPacket {
	t.Helper()
	sent := f.packets()
	if len(sent) == 0 {
		t.Fatal("nothing sent")
	}
	return sent[len(sent)-1]
}

// fakeClock is advanced by hand
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type authFunc func(ctx context.Context, username, token, password string) (*identity.User, error)

func (f authFunc) Authenticate(ctx context.Context, username, token, password string) (*identity.User, error) {
	return f(ctx, username, token, password)
}

func isViolation(err error) bool {
	var v *protocol.ProtocolViolation
	return errors.As(err, &v)
}

// TestCheckDirection covers the direction rule of the stages
func TestCheckDirection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    protocol.Direction
		packet  protocol.Packet
		wantErr bool
	}{
		{name: "client packet on server", want: protocol.DirectionClient, packet: &protocol.Handshake{}},
		{name: "server packet on server", want: protocol.DirectionClient, packet: &protocol.Print{}, wantErr: true},
		{name: "both on server", want: protocol.DirectionClient, packet: &protocol.KeepAlive{}},
		{name: "both on client", want: protocol.DirectionServer, packet: &protocol.Disconnect{}},
		{name: "client packet on client", want: protocol.DirectionServer, packet: &protocol.ConnectionInfoRequest{}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := CheckDirection(tt.want, tt.packet)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckDirection() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !isViolation(err) {
				t.Errorf("error = %T, want *protocol.ProtocolViolation", err)
			}
		})
	}
}

// TestCheckVersion accepts same-major versions not newer than the server
func TestCheckVersion(t *testing.T) {
	t.Parallel()

	server := semver.MustParse("1.2.0")
	tests := []struct {
		client  string
		wantErr bool
	}{
		{client: "1.2.0"},
		{client: "1.0.5"},
		{client: "1.2.1", wantErr: true},
		{client: "1.3.0", wantErr: true},
		{client: "2.0.0", wantErr: true},
		{client: "0.9.0", wantErr: true},
		{client: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.client, func(t *testing.T) {
			t.Parallel()
			err := CheckVersion(server, tt.client)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckVersion(%q) error = %v, wantErr %v", tt.client, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrIncompatibleVersion) {
				t.Errorf("error = %v, want ErrIncompatibleVersion", err)
			}
		})
	}
}

// TestServerHandshake drives the server stage with good and bad handshakes
func TestServerHandshake(t *testing.T) {
	t.Parallel()

	ana := &identity.User{Name: "ana", ID: 3, Level: identity.LevelUser}
	auth := authFunc(func(ctx context.Context, username, token, password string) (*identity.User, error) {
		if username == "ana" && password == "secret" {
			return ana, nil
		}
		return nil, identity.ErrBadPassword
	})

	tests := []struct {
		name          string
		packet        protocol.Packet
		wantAccepted  bool
		wantRejected  bool
		wantViolation bool
		wantThreshold int
	}{
		{
			name:          "accepted with compression",
			packet:        &protocol.Handshake{ProtocolVersion: "1.0.0", Username: "ana", Password: "secret", Compression: true},
			wantAccepted:  true,
			wantThreshold: 256,
		},
		{
			name:          "accepted without compression",
			packet:        &protocol.Handshake{ProtocolVersion: "1.1.0", Username: "ana", Password: "secret"},
			wantAccepted:  true,
			wantThreshold: protocol.NoCompression,
		},
		{
			name:         "bad password",
			packet:       &protocol.Handshake{ProtocolVersion: "1.0.0", Username: "ana", Password: "nope"},
			wantRejected: true,
		},
		{
			name:         "newer client",
			packet:       &protocol.Handshake{ProtocolVersion: "1.5.0", Username: "ana", Password: "secret"},
			wantRejected: true,
		},
		{
			name:          "keepalive before handshake",
			packet:        &protocol.KeepAlive{ID: 1},
			wantViolation: true,
		},
		{
			name:          "server packet from client",
			packet:        &protocol.HandshakeResponse{Accepted: true},
			wantViolation: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next := Nop{}
			h := NewServerHandshake(ServerHandshakeConfig{
				Version:              semver.MustParse("1.1.0"),
				Authenticator:        auth,
				CompressionThreshold: 256,
				Next:                 func(streamnet.Conn) streamnet.Handler { return next },
				Logger:               discard,
			})
			c := newFakeConn()
			c.handler = h

			err := h.OnPacket(context.Background(), c, tt.packet)

			switch {
			case tt.wantViolation:
				if !isViolation(err) {
					t.Fatalf("OnPacket() error = %v, want protocol violation", err)
				}
				if len(c.packets()) != 0 {
					t.Errorf("sent %d packets on violation", len(c.packets()))
				}
				return
			case tt.wantRejected:
				var rejected *HandshakeRejected
				if !errors.As(err, &rejected) {
					t.Fatalf("OnPacket() error = %v, want *HandshakeRejected", err)
				}
				if c.user != nil {
					t.Error("user attached on rejection")
				}
			default:
				if err != nil {
					t.Fatalf("OnPacket() error = %v", err)
				}
			}

			sent := c.last(t)
			resp, ok := sent.packet.(*protocol.HandshakeResponse)
			if !ok {
				t.Fatalf("sent %T, want *protocol.HandshakeResponse", sent.packet)
			}
			if !sent.opts.Force {
				t.Error("handshake response was not forced")
			}
			if resp.Accepted != tt.wantAccepted {
				t.Errorf("Accepted = %v, want %v", resp.Accepted, tt.wantAccepted)
			}
			if !tt.wantAccepted {
				return
			}
			if c.user != ana || resp.User != ana {
				t.Errorf("user = %v, response user = %v", c.user, resp.User)
			}
			if c.threshold != tt.wantThreshold || int(resp.CompressionThreshold) != tt.wantThreshold {
				t.Errorf("threshold = %d/%d, want %d", c.threshold, resp.CompressionThreshold, tt.wantThreshold)
			}
			if c.handler != streamnet.Handler(next) {
				t.Errorf("handler = %T, want the next stage", c.handler)
			}
		})
	}
}

// TestServerHandshakeTwice refuses a second handshake on the same stage
func TestServerHandshakeTwice(t *testing.T) {
	t.Parallel()

	h := NewServerHandshake(ServerHandshakeConfig{Version: semver.MustParse("1.0.0"), Logger: discard})
	c := newFakeConn()
	hs := &protocol.Handshake{ProtocolVersion: "1.0.0", Username: "guest"}

	if err := h.OnPacket(context.Background(), c, hs); err != nil {
		t.Fatalf("first handshake: %v", err)
	}
	if c.user == nil || c.user.Level != identity.LevelGuest {
		t.Errorf("user = %v, want a guest", c.user)
	}
	if err := h.OnPacket(context.Background(), c, hs); !isViolation(err) {
		t.Errorf("second handshake error = %v, want protocol violation", err)
	}
}

// TestServerHandshakeTimeout exits a connection that never completes the handshake
func TestServerHandshakeTimeout(t *testing.T) {
	t.Parallel()

	clock := newClock()
	h := NewServerHandshake(ServerHandshakeConfig{
		Version: semver.MustParse("1.0.0"),
		Timeout: 10 * time.Second,
		Logger:  discard,
		Now:     clock.Now,
	})
	c := newFakeConn()

	clock.Advance(9 * time.Second)
	if err := h.OnUpdate(context.Background(), c); err != nil {
		t.Fatalf("OnUpdate() before deadline = %v", err)
	}
	clock.Advance(2 * time.Second)
	err := h.OnUpdate(context.Background(), c)
	if err == nil || err.Error() != streamnet.ReasonHandshakeTimeout {
		t.Errorf("OnUpdate() after deadline = %v, want %q", err, streamnet.ReasonHandshakeTimeout)
	}
}

// TestClientHandshake covers the client stage
func TestClientHandshake(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()

		var accepted *protocol.HandshakeResponse
		next := Nop{}
		h := NewClientHandshake(ClientHandshakeConfig{
			Version:     "1.0.0",
			Username:    "ana",
			Token:       "tok",
			Compression: true,
			Next:        func(streamnet.Conn) streamnet.Handler { return next },
			OnAccepted:  func(r *protocol.HandshakeResponse) { accepted = r },
			Logger:      discard,
		})
		c := newFakeConn()

		for i := 0; i < 3; i++ {
			if err := h.OnUpdate(context.Background(), c); err != nil {
				t.Fatal(err)
			}
		}
		sent := c.packets()
		if len(sent) != 1 {
			t.Fatalf("sent %d packets, want exactly one handshake", len(sent))
		}
		hs, ok := sent[0].packet.(*protocol.Handshake)
		if !ok || hs.Username != "ana" || hs.Token != "tok" || !hs.Compression {
			t.Errorf("handshake = %+v", sent[0].packet)
		}

		user := &identity.User{Name: "ana", Level: identity.LevelUser}
		resp := &protocol.HandshakeResponse{Accepted: true, ServerVersion: "1.0.0", CompressionThreshold: 128, User: user}
		if err := h.OnPacket(context.Background(), c, resp); err != nil {
			t.Fatalf("OnPacket() error = %v", err)
		}
		if c.user != user || c.threshold != 128 || accepted != resp {
			t.Errorf("user = %v threshold = %d accepted = %v", c.user, c.threshold, accepted)
		}
		if c.handler != streamnet.Handler(next) {
			t.Errorf("handler = %T, want the next stage", c.handler)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		h := NewClientHandshake(ClientHandshakeConfig{Version: "1.0.0", Logger: discard})
		c := newFakeConn()
		h.OnUpdate(context.Background(), c)

		err := h.OnPacket(context.Background(), c, &protocol.HandshakeResponse{Reason: "authentication failed"})
		var rejected *HandshakeRejected
		if !errors.As(err, &rejected) || rejected.Reason != "authentication failed" {
			t.Errorf("OnPacket() error = %v", err)
		}
	})

	t.Run("response before handshake", func(t *testing.T) {
		t.Parallel()

		h := NewClientHandshake(ClientHandshakeConfig{Version: "1.0.0", Logger: discard})
		err := h.OnPacket(context.Background(), newFakeConn(), &protocol.HandshakeResponse{Accepted: true})
		if !isViolation(err) {
			t.Errorf("OnPacket() error = %v, want protocol violation", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		clock := newClock()
		h := NewClientHandshake(ClientHandshakeConfig{Version: "1.0.0", Timeout: time.Second, Logger: discard, Now: clock.Now})
		c := newFakeConn()
		h.OnUpdate(context.Background(), c)
		clock.Advance(2 * time.Second)
		if err := h.OnUpdate(context.Background(), c); err == nil {
			t.Error("OnUpdate() after deadline returned nil")
		}
	})
}

func newDefault(clock *fakeClock, cfg DefaultConfig) *Default {
	cfg.Logger = discard
	cfg.Now = clock.Now
	if cfg.Expect == protocol.DirectionNone {
		cfg.Expect = protocol.DirectionClient
	}
	return NewDefault(cfg)
}

// TestKeepAliveTimeout exits when the keepalive with id 7 is never answered
func TestKeepAliveTimeout(t *testing.T) {
	t.Parallel()

	clock := newClock()
	h := newDefault(clock, DefaultConfig{})
	h.nextID = 6
	c := newFakeConn()

	if err := h.OnUpdate(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	ka, ok := c.last(t).packet.(*protocol.KeepAlive)
	if !ok || ka.ID != 7 || ka.Response {
		t.Fatalf("sent %+v, want KeepAlive{ID: 7}", c.last(t).packet)
	}

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if err := h.OnUpdate(context.Background(), c); err != nil {
			t.Fatalf("OnUpdate() at %ds = %v", i+1, err)
		}
	}
	if len(c.packets()) != 1 {
		t.Errorf("sent %d keepalives while one was outstanding", len(c.packets()))
	}

	clock.Advance(time.Millisecond)
	err := h.OnUpdate(context.Background(), c)
	var timeout *KeepAliveTimeout
	if !errors.As(err, &timeout) || timeout.ID != 7 {
		t.Fatalf("OnUpdate() = %v, want keepalive timeout for id 7", err)
	}
	if !strings.HasPrefix(err.Error(), streamnet.ReasonKeepAliveTimeout) {
		t.Errorf("reason %q does not start with %q", err.Error(), streamnet.ReasonKeepAliveTimeout)
	}
}

// TestKeepAliveAcknowledged resets the deadline on a matching response
func TestKeepAliveAcknowledged(t *testing.T) {
	t.Parallel()

	clock := newClock()
	h := newDefault(clock, DefaultConfig{})
	h.nextID = 6
	c := newFakeConn()
	ctx := context.Background()

	h.OnUpdate(ctx, c)
	clock.Advance(4 * time.Second)

	// stale acknowledgments do not count
	if err := h.OnPacket(ctx, c, &protocol.KeepAlive{ID: 6, Response: true}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	if err := h.OnUpdate(ctx, c); err == nil {
		t.Fatal("stale acknowledgment cleared the keepalive")
	}

	h = newDefault(clock, DefaultConfig{})
	h.nextID = 6
	c = newFakeConn()
	h.OnUpdate(ctx, c)
	clock.Advance(4 * time.Second)
	if err := h.OnPacket(ctx, c, &protocol.KeepAlive{ID: 7, Response: true}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(4 * time.Second)
	if err := h.OnUpdate(ctx, c); err != nil {
		t.Fatalf("OnUpdate() after acknowledgment = %v", err)
	}
	ka, ok := c.last(t).packet.(*protocol.KeepAlive)
	if !ok || ka.ID != 8 {
		t.Errorf("next keepalive = %+v, want id 8", c.last(t).packet)
	}
}

// TestKeepAliveEcho answers the peer's pings
func TestKeepAliveEcho(t *testing.T) {
	t.Parallel()

	h := newDefault(newClock(), DefaultConfig{})
	c := newFakeConn()
	if err := h.OnPacket(context.Background(), c, &protocol.KeepAlive{ID: 3}); err != nil {
		t.Fatal(err)
	}
	ka, ok := c.last(t).packet.(*protocol.KeepAlive)
	if !ok || ka.ID != 3 || !ka.Response {
		t.Errorf("echo = %+v, want KeepAlive{ID: 3, Response: true}", c.last(t).packet)
	}
}

type presenter struct {
	prints       []string
	infos        []*protocol.ConnectionInfo
	disconnected []string
}

func (p *presenter) Print(c streamnet.Conn, level protocol.PrintLevel, message string) {
	p.prints = append(p.prints, level.String()+":"+message)
}

func (p *presenter) ConnectionInfo(c streamnet.Conn, info *protocol.ConnectionInfo) {
	p.infos = append(p.infos, info)
}

func (p *presenter) Disconnected(c streamnet.Conn, reason string) {
	p.disconnected = append(p.disconnected, reason)
}

// TestDefaultClientSide covers informational traffic and disconnect notices
func TestDefaultClientSide(t *testing.T) {
	t.Parallel()

	pres := &presenter{}
	h := newDefault(newClock(), DefaultConfig{Expect: protocol.DirectionServer, Presenter: pres})
	c := newFakeConn()
	ctx := context.Background()

	if err := h.OnPacket(ctx, c, &protocol.Print{Level: protocol.PrintWarn, Message: "low disk"}); err != nil {
		t.Fatal(err)
	}
	info := &protocol.ConnectionInfo{ServerVersion: "1.0.0"}
	if err := h.OnPacket(ctx, c, info); err != nil {
		t.Fatal(err)
	}
	if len(pres.prints) != 1 || len(pres.infos) != 1 || pres.infos[0] != info {
		t.Errorf("presenter saw prints=%v infos=%v", pres.prints, pres.infos)
	}
	if len(c.packets()) != 0 {
		t.Errorf("informational packets caused %d sends", len(c.packets()))
	}

	err := h.OnPacket(ctx, c, &protocol.Disconnect{Reason: "server restarting"})
	var pd *PeerDisconnect
	if !errors.As(err, &pd) || err.Error() != "server restarting" {
		t.Errorf("OnPacket(Disconnect) = %v", err)
	}

	if err := h.OnPacket(ctx, c, &protocol.ConnectionInfoRequest{}); !isViolation(err) {
		t.Errorf("client accepted a client-only packet: %v", err)
	}

	h.OnExit(c, "bye")
	if len(pres.disconnected) != 1 || pres.disconnected[0] != "bye" {
		t.Errorf("Disconnected calls = %v", pres.disconnected)
	}
}

// TestConnectionInfoRequest reports the connection count only to moderators
func TestConnectionInfoRequest(t *testing.T) {
	t.Parallel()

	live := registry.New()
	live.AddConn(newFakeConn())
	live.AddConn(newFakeConn())

	clock := newClock()
	started := clock.Now()
	clock.Advance(3 * time.Second)

	tests := []struct {
		name  string
		user  *identity.User
		count uint32
	}{
		{name: "moderator", user: &identity.User{Name: "mod", Level: identity.LevelMod}, count: 2},
		{name: "user", user: &identity.User{Name: "ana", Level: identity.LevelUser}, count: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newDefault(clock, DefaultConfig{Info: &ServerInfo{Version: "1.0.0", Started: started, Live: live}})
			c := newFakeConn()
			c.user = tt.user

			ctx := permission.WithUser(context.Background(), tt.user)
			if err := h.OnPacket(ctx, c, &protocol.ConnectionInfoRequest{}); err != nil {
				t.Fatal(err)
			}
			info, ok := c.last(t).packet.(*protocol.ConnectionInfo)
			if !ok {
				t.Fatalf("sent %T", c.last(t).packet)
			}
			if info.Connections != tt.count {
				t.Errorf("Connections = %d, want %d", info.Connections, tt.count)
			}
			if info.ConnectionID.String() != c.ID() || info.User != tt.user.Name || info.Level != tt.user.Level {
				t.Errorf("info = %+v", info)
			}
			if info.UptimeMillis != 3000 {
				t.Errorf("UptimeMillis = %d, want 3000", info.UptimeMillis)
			}
		})
	}
}

// TestPacketTypeQuery answers whether a packet type is registered locally
func TestPacketTypeQuery(t *testing.T) {
	t.Parallel()

	h := newDefault(newClock(), DefaultConfig{})
	c := newFakeConn()

	tests := []struct {
		name  string
		id    protocol.Identity
		known bool
	}{
		{name: "registered", id: (&protocol.PlayerPosition{}).Identity(), known: true},
		{name: "unknown", id: protocol.Identity{ID: 99, Name: "x", Direction: protocol.DirectionBoth}},
		{name: "wrong direction", id: protocol.Identity{ID: protocol.IDHandshake, Name: "handshake", Direction: protocol.DirectionServer}},
	}

	for _, tt := range tests {
		tt := tt
		if err := h.OnPacket(context.Background(), c, &protocol.PacketTypeInfo{Type: tt.id, Query: true}); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		answer, ok := c.last(t).packet.(*protocol.PacketTypeInfo)
		if !ok || answer.Query || answer.Type != tt.id || answer.Known != tt.known {
			t.Errorf("%s: answer = %+v, want known=%v", tt.name, c.last(t).packet, tt.known)
		}
	}
}

// TestDefaultStageOrdering refuses handshake packets and hands domain payloads to the fallback
func TestDefaultStageOrdering(t *testing.T) {
	t.Parallel()

	var fallback []protocol.Packet
	h := newDefault(newClock(), DefaultConfig{
		Fallback: func(ctx context.Context, c streamnet.Conn, p protocol.Packet) error {
			fallback = append(fallback, p)
			return nil
		},
	})
	c := newFakeConn()

	if err := h.OnPacket(context.Background(), c, &protocol.Handshake{ProtocolVersion: "1.0.0"}); !isViolation(err) {
		t.Errorf("handshake in steady state: %v", err)
	}
	pos := &protocol.PlayerPosition{Player: uuid.New(), Dimension: protocol.DimensionEnd}
	if err := h.OnPacket(context.Background(), c, pos); err != nil {
		t.Fatal(err)
	}
	if len(fallback) != 1 || fallback[0] != protocol.Packet(pos) {
		t.Errorf("fallback saw %v", fallback)
	}
}
