package conn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/permission"
	"github.com/luciancaetano/streamnet/internal/protocol"
	"github.com/luciancaetano/streamnet/internal/registry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.WriteTimeout = 500 * time.Millisecond
	cfg.TickRate = 10 * time.Millisecond
	cfg.RateLimit = NoRateLimit()
	return cfg
}

// recorder is a handler that records everything it sees
type recorder struct {
	mu      sync.Mutex
	packets chan protocol.Packet
	users   chan *identity.User
	err     error
	updates atomic.Int32
	exits   atomic.Int32
	reason  string
}

func newRecorder() *recorder {
	return &recorder{
		packets: make(chan protocol.Packet, 32),
		users:   make(chan *identity.User, 32),
	}
}

func (r *recorder) OnPacket(ctx context.Context, c streamnet.Conn, p protocol.Packet) error {
	u, _ := permission.Resolve(ctx)
	r.users <- u
	r.packets <- p
	return r.err
}

func (r *recorder) OnUpdate(ctx context.Context, c streamnet.Conn) error {
	r.updates.Add(1)
	return nil
}

func (r *recorder) OnExit(c streamnet.Conn, reason string) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
	r.exits.Add(1)
}

func newPair(t *testing.T, h streamnet.Handler, cfg Config, live *registry.Registry) (*Connection, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	c := New(local, Options{
		Registry: protocol.DefaultRegistry(),
		Live:     live,
		Handler:  h,
		Logger:   discard,
		Config:   cfg,
	})
	t.Cleanup(func() {
		c.exit("test done", false)
		remote.Close()
	})
	return c, remote
}

// drain decodes every frame written to remote
func drain(remote net.Conn) <-chan protocol.Packet {
	ch := make(chan protocol.Packet, 32)
	reg := protocol.DefaultRegistry()
	go func() {
		defer close(ch)
		for {
			p, err := protocol.ReadFrame(remote, reg)
			if err != nil {
				return
			}
			ch <- p
		}
	}()
	return ch
}

func next(t *testing.T, ch <-chan protocol.Packet) protocol.Packet {
	t.Helper()
	select {
	case p, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return nil
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not exit")
	}
}

func printMessage(t *testing.T, p protocol.Packet) string {
	t.Helper()
	pr, ok := p.(*protocol.Print)
	if !ok {
		t.Fatalf("packet = %T, want *protocol.Print", p)
	}
	return pr.Message
}

// TestForceJumpsQueue checks that a forced packet is written before still-queued ones
func TestForceJumpsQueue(t *testing.T) {
	t.Parallel()

	c, remote := newPair(t, nil, testConfig(), nil)

	if err := c.SendPacket(&protocol.Print{Message: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SendPacket(&protocol.Print{Message: "b"}); err != nil {
		t.Fatal(err)
	}

	forced := make(chan error, 1)
	go func() {
		forced <- c.SendPacket(&protocol.Print{Message: "c"}, streamnet.Force())
	}()

	deadline := time.Now().Add(time.Second)
	for len(c.urgent) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("forced packet never reached the urgent lane")
		}
		time.Sleep(time.Millisecond)
	}

	got := drain(remote)
	c.Start(context.Background())

	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, printMessage(t, next(t, got)))
	}
	if strings.Join(order, "") != "cab" {
		t.Errorf("wire order = %v, want [c a b]", order)
	}

	select {
	case err := <-forced:
		if err != nil {
			t.Errorf("forced SendPacket() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("forced SendPacket did not return")
	}
}

// TestForceBlocksUntilWritten verifies a forced send returns only after the write
func TestForceBlocksUntilWritten(t *testing.T) {
	t.Parallel()

	c, remote := newPair(t, nil, testConfig(), nil)
	c.Start(context.Background())

	forced := make(chan error, 1)
	go func() {
		forced <- c.SendPacket(&protocol.Disconnect{Reason: "x"}, streamnet.Force())
	}()

	select {
	case err := <-forced:
		t.Fatalf("SendPacket returned %v before the peer read anything", err)
	case <-time.After(50 * time.Millisecond):
	}

	got := drain(remote)
	if d, ok := next(t, got).(*protocol.Disconnect); !ok || d.Reason != "x" {
		t.Errorf("unexpected packet %v", d)
	}
	if err := <-forced; err != nil {
		t.Errorf("SendPacket() error = %v", err)
	}
}

// TestExit covers the exit sequence and sending afterwards
func TestExit(t *testing.T) {
	t.Parallel()

	live := registry.New()
	h := newRecorder()
	c, remote := newPair(t, h, testConfig(), live)
	got := drain(remote)
	c.Start(context.Background())

	if live.ConnCount() != 1 {
		t.Fatalf("ConnCount() = %d, want 1", live.ConnCount())
	}

	var listened []string
	var lmu sync.Mutex
	c.OnDisconnect(func(conn streamnet.Conn, reason string) {
		lmu.Lock()
		listened = append(listened, reason)
		lmu.Unlock()
	})

	c.Exit("maintenance")
	c.Exit("again")
	waitDone(t, c)

	d, ok := next(t, got).(*protocol.Disconnect)
	if !ok || d.Reason != "maintenance" {
		t.Errorf("peer received %v, want Disconnect{maintenance}", d)
	}
	if err := c.SendPacket(&protocol.KeepAlive{}); !errors.Is(err, streamnet.ErrNotConnected) {
		t.Errorf("SendPacket() after Exit error = %v, want ErrNotConnected", err)
	}
	if c.IsAlive() {
		t.Error("IsAlive() = true after Exit")
	}
	if live.ConnCount() != 0 {
		t.Errorf("ConnCount() = %d after Exit, want 0", live.ConnCount())
	}
	if h.exits.Load() != 1 || h.reason != "maintenance" {
		t.Errorf("OnExit calls = %d reason = %q", h.exits.Load(), h.reason)
	}
	if len(listened) != 1 || listened[0] != "maintenance" {
		t.Errorf("OnDisconnect listeners saw %v", listened)
	}
	if c.Context().Err() == nil {
		t.Error("context not cancelled")
	}
	if c.ExitReason() != "maintenance" {
		t.Errorf("ExitReason() = %q", c.ExitReason())
	}
}

// TestExitBeforeStart must not block or register
func TestExitBeforeStart(t *testing.T) {
	t.Parallel()

	live := registry.New()
	c, _ := newPair(t, nil, testConfig(), live)
	c.Exit("never started")
	c.Start(context.Background())

	waitDone(t, c)
	if live.ConnCount() != 0 {
		t.Errorf("ConnCount() = %d, want 0", live.ConnCount())
	}
}

// TestReceive checks dispatch to observers, the handler and LatestPacket
func TestReceive(t *testing.T) {
	t.Parallel()

	h := newRecorder()
	c, remote := newPair(t, h, testConfig(), nil)
	user := &identity.User{Name: "ana", Level: identity.LevelUser}
	c.SetUser(user)

	observed := make(chan protocol.Packet, 1)
	c.RegisterObserver(streamnet.ObserverFunc(func(conn streamnet.Conn, p protocol.Packet) {
		observed <- p
	}))
	c.Start(context.Background())

	// the peek timeout must fire a few times before the packet arrives
	time.Sleep(60 * time.Millisecond)
	if err := protocol.WriteFrame(remote, &protocol.KeepAlive{ID: 7}, protocol.NoCompression); err != nil {
		t.Fatal(err)
	}

	ka, ok := next(t, h.packets).(*protocol.KeepAlive)
	if !ok || ka.ID != 7 {
		t.Fatalf("handler got %v", ka)
	}
	if u := <-h.users; u != user {
		t.Errorf("handler context resolved %v, want %v", u, user)
	}
	if p := next(t, observed); p.Identity() != ka.Identity() {
		t.Errorf("observer got %v", p)
	}

	p, err := c.LatestPacket(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("LatestPacket() error = %v", err)
	}
	if p != protocol.Packet(ka) {
		t.Errorf("LatestPacket() = %v, want the dispatched packet", p)
	}
	if time.Since(c.LastActivity()) > time.Second {
		t.Errorf("LastActivity() not updated: %v", c.LastActivity())
	}
}

// TestLatestPacketTimeout returns ErrTimeout when nothing arrives
func TestLatestPacketTimeout(t *testing.T) {
	t.Parallel()

	c, _ := newPair(t, nil, testConfig(), nil)
	c.Start(context.Background())

	start := time.Now()
	_, err := c.LatestPacket(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, streamnet.ErrTimeout) {
		t.Fatalf("LatestPacket() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("LatestPacket returned before the timeout")
	}
}

// TestLatestPacketDropsOldest keeps the newest packets when the buffer is full
func TestLatestPacketDropsOldest(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.LatestSize = 2
	h := newRecorder()
	c, remote := newPair(t, h, cfg, nil)
	c.Start(context.Background())

	for i := uint64(1); i <= 3; i++ {
		if err := protocol.WriteFrame(remote, &protocol.KeepAlive{ID: i}, protocol.NoCompression); err != nil {
			t.Fatal(err)
		}
		next(t, h.packets)
	}

	for _, want := range []uint64{2, 3} {
		p, err := c.LatestPacket(context.Background(), time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if got := p.(*protocol.KeepAlive).ID; got != want {
			t.Errorf("LatestPacket() id = %d, want %d", got, want)
		}
	}
	if c.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", c.Dropped())
	}
}

// TestFatalInbound covers the inbound conditions that end a connection
func TestFatalInbound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handlerErr error
		rateLimit  *RateLimitConfig
		packets    []protocol.Packet
		wantReason string
	}{
		{
			name: "unregistered packet type",
			packets: []protocol.Packet{
				&protocol.Unresolved{ID: protocol.Identity{ID: 99, Name: "mystery", Direction: protocol.DirectionBoth}, Payload: []byte{1}},
			},
			wantReason: "protocol violation",
		},
		{
			name:       "handler error",
			handlerErr: errors.New("stage rejected packet"),
			packets:    []protocol.Packet{&protocol.KeepAlive{}},
			wantReason: "stage rejected packet",
		},
		{
			name:       "rate limit",
			rateLimit:  &RateLimitConfig{PacketsPerSecond: 0.001, Burst: 1, Enabled: true},
			packets:    []protocol.Packet{&protocol.KeepAlive{ID: 1}, &protocol.KeepAlive{ID: 2}},
			wantReason: streamnet.ReasonRateLimited,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			if tt.rateLimit != nil {
				cfg.RateLimit = tt.rateLimit
			}
			h := newRecorder()
			h.err = tt.handlerErr
			c, remote := newPair(t, h, cfg, nil)
			got := drain(remote)
			c.Start(context.Background())

			go func() {
				for _, p := range tt.packets {
					if protocol.WriteFrame(remote, p, protocol.NoCompression) != nil {
						return
					}
				}
			}()

			waitDone(t, c)
			if !strings.Contains(c.ExitReason(), tt.wantReason) {
				t.Errorf("ExitReason() = %q, want it to contain %q", c.ExitReason(), tt.wantReason)
			}
			d, ok := next(t, got).(*protocol.Disconnect)
			if !ok || d.Reason != c.ExitReason() {
				t.Errorf("peer got %v, want Disconnect with the exit reason", d)
			}
		})
	}
}

// TestPeerCloseExits ends the connection when the socket reaches EOF
func TestPeerCloseExits(t *testing.T) {
	t.Parallel()

	h := newRecorder()
	c, remote := newPair(t, h, testConfig(), nil)
	c.Start(context.Background())
	remote.Close()

	waitDone(t, c)
	if c.ExitReason() != streamnet.ReasonPeerClosed {
		t.Errorf("ExitReason() = %q, want %q", c.ExitReason(), streamnet.ReasonPeerClosed)
	}
	if h.exits.Load() != 1 {
		t.Errorf("OnExit calls = %d, want 1", h.exits.Load())
	}
}

// TestContextCancelExits ties the connection to the context given to Start
func TestContextCancelExits(t *testing.T) {
	t.Parallel()

	c, remote := newPair(t, nil, testConfig(), nil)
	drain(remote)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	cancel()

	waitDone(t, c)
	if c.ExitReason() != streamnet.ReasonClosed {
		t.Errorf("ExitReason() = %q", c.ExitReason())
	}
}

// TestUpdaterDrivesHandler ticks the active handler and follows handler swaps
func TestUpdaterDrivesHandler(t *testing.T) {
	t.Parallel()

	first, second := newRecorder(), newRecorder()
	c, _ := newPair(t, first, testConfig(), nil)
	c.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	if first.updates.Load() == 0 {
		t.Fatal("handler never updated")
	}

	c.SetHandler(second)
	if c.Handler() != second {
		t.Fatal("Handler() did not return the new handler")
	}
	before := first.updates.Load()
	time.Sleep(50 * time.Millisecond)
	if second.updates.Load() == 0 {
		t.Error("new handler never updated")
	}
	if first.updates.Load() > before+1 {
		t.Errorf("old handler still updated: %d -> %d", before, first.updates.Load())
	}
}

// TestUnregisterObserver stops delivery to a detached observer
func TestUnregisterObserver(t *testing.T) {
	t.Parallel()

	h := newRecorder()
	c, remote := newPair(t, h, testConfig(), nil)

	var seen atomic.Int32
	obs := &countingObserver{n: &seen}
	c.RegisterObserver(obs)
	c.UnregisterObserver(obs)
	c.Start(context.Background())

	if err := protocol.WriteFrame(remote, &protocol.KeepAlive{}, protocol.NoCompression); err != nil {
		t.Fatal(err)
	}
	next(t, h.packets)
	if seen.Load() != 0 {
		t.Errorf("detached observer saw %d packets", seen.Load())
	}
}

type countingObserver struct{ n *atomic.Int32 }

func (o *countingObserver) Observe(streamnet.Conn, protocol.Packet) { o.n.Add(1) }

// TestCompressionRoundTrip sends compressed and uncompressed payloads
func TestCompressionRoundTrip(t *testing.T) {
	t.Parallel()

	c, remote := newPair(t, nil, testConfig(), nil)
	got := drain(remote)
	c.Start(context.Background())
	c.SetCompression(0)

	long := strings.Repeat("compressible ", 200)
	if err := c.SendPacket(&protocol.Print{Message: long}); err != nil {
		t.Fatal(err)
	}
	if err := c.SendPacket(&protocol.Print{Message: "plain"}, streamnet.NoCompression()); err != nil {
		t.Fatal(err)
	}
	if msg := printMessage(t, next(t, got)); msg != long {
		t.Errorf("compressed message corrupted: %d bytes", len(msg))
	}
	if msg := printMessage(t, next(t, got)); msg != "plain" {
		t.Errorf("message = %q", msg)
	}
}

// TestDummy checks the inert connection
func TestDummy(t *testing.T) {
	t.Parallel()

	var d streamnet.Conn = Dummy{}
	if err := d.SendPacket(&protocol.KeepAlive{}); !errors.Is(err, streamnet.ErrNotConnected) {
		t.Errorf("SendPacket() error = %v", err)
	}
	if _, err := d.LatestPacket(context.Background(), time.Millisecond); !errors.Is(err, streamnet.ErrNotConnected) {
		t.Errorf("LatestPacket() error = %v", err)
	}
	if d.IsAlive() {
		t.Error("Dummy is alive")
	}
	d.Exit("noop")
	if d.User() != nil || d.Handler() != nil {
		t.Error("Dummy carries state")
	}
}

// TestRateLimiterCreation tests rate limiter creation with different configs
func TestRateLimiterCreation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *RateLimitConfig
		wantNil bool
	}{
		{name: "enabled", config: DefaultRateLimitConfig()},
		{name: "disabled", config: NoRateLimit(), wantNil: true},
		{name: "nil", config: nil, wantNil: true},
		{name: "custom", config: &RateLimitConfig{PacketsPerSecond: 10, Burst: 20, Enabled: true}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.config.limiter(); (got == nil) != tt.wantNil {
				t.Errorf("limiter() = %v, wantNil %v", got, tt.wantNil)
			}
		})
	}
}

type exitOnExit struct{}

func (exitOnExit) OnPacket(context.Context, streamnet.Conn, protocol.Packet) error { return nil }
func (exitOnExit) OnUpdate(context.Context, streamnet.Conn) error                  { return nil }
func (exitOnExit) OnExit(c streamnet.Conn, reason string)                          { c.Exit("from handler") }

// TestExitFromCallbacks lets the handler and disconnect listeners call Exit again
func TestExitFromCallbacks(t *testing.T) {
	t.Parallel()

	c, remote := newPair(t, exitOnExit{}, testConfig(), nil)
	drain(remote)
	c.Start(context.Background())

	var calls atomic.Int32
	c.OnDisconnect(func(conn streamnet.Conn, reason string) {
		calls.Add(1)
		conn.Exit("from listener")
	})

	returned := make(chan struct{})
	go func() {
		c.Exit("first")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Exit blocked on a nested Exit")
	}
	waitDone(t, c)
	if c.ExitReason() != "first" {
		t.Errorf("ExitReason() = %q, want first", c.ExitReason())
	}
	if calls.Load() != 1 {
		t.Errorf("OnDisconnect calls = %d, want 1", calls.Load())
	}
}
