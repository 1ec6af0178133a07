package updater

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/permission"
)

const tick = 20 * time.Millisecond

type counter struct {
	calls   atomic.Int32
	block   chan struct{}
	entered chan struct{}
}

func (c *counter) OnUpdate(ctx context.Context) error {
	c.calls.Add(1)
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	return nil
}

// TestCoalescing checks that a burst of MarkDirty calls produces one callback
func TestCoalescing(t *testing.T) {
	t.Parallel()

	c := &counter{}
	u := New(NewRegistry(), c, tick)
	for i := 0; i < 5; i++ {
		u.MarkDirty()
	}
	u.Start(context.Background())
	defer u.Exit()

	time.Sleep(5 * tick)
	if got := c.calls.Load(); got != 1 {
		t.Errorf("OnUpdate calls = %d, want 1", got)
	}
}

// TestCoalescingDuringCallback collapses dirty marks made while a callback runs
func TestCoalescingDuringCallback(t *testing.T) {
	t.Parallel()

	c := &counter{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	u := New(nil, c, tick)
	u.MarkDirty()
	u.Start(context.Background())
	defer u.Exit()

	select {
	case <-c.entered:
	case <-time.After(time.Second):
		t.Fatal("first callback never ran")
	}
	for i := 0; i < 5; i++ {
		u.MarkDirty()
	}
	close(c.block)

	time.Sleep(6 * tick)
	if got := c.calls.Load(); got != 2 {
		t.Errorf("OnUpdate calls = %d, want 2", got)
	}
}

// TestIdleTicksDoNothing verifies that nothing runs without MarkDirty
func TestIdleTicksDoNothing(t *testing.T) {
	t.Parallel()

	c := &counter{}
	u := New(nil, c, tick)
	u.Start(context.Background())
	defer u.Exit()

	time.Sleep(4 * tick)
	if got := c.calls.Load(); got != 0 {
		t.Errorf("OnUpdate calls = %d, want 0", got)
	}
}

// TestContinuousRate bounds the callback rate to one per tick
func TestContinuousRate(t *testing.T) {
	t.Parallel()

	c := &counter{}
	u := New(nil, c, tick, Continuous())
	u.Start(context.Background())

	time.Sleep(10 * tick)
	u.Exit()
	<-u.Done()

	got := c.calls.Load()
	if got < 3 || got > 12 {
		t.Errorf("OnUpdate calls = %d, want roughly 10", got)
	}
	if uint64(got) != u.Ticks() {
		t.Errorf("Ticks() = %d, calls = %d", u.Ticks(), got)
	}
}

// TestExitIsPromptAndIdempotent checks termination within one tick and deregistration
func TestExitIsPromptAndIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	u := New(reg, &counter{}, 50*time.Millisecond, Continuous())
	u.Start(context.Background())

	if reg.Len() != 1 {
		t.Fatalf("registry Len() = %d, want 1", reg.Len())
	}

	start := time.Now()
	u.Exit()
	u.Exit()
	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("updater did not stop")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("exit took %v", elapsed)
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d after exit, want 0", reg.Len())
	}
}

// TestExitBeforeStart makes Done usable even when the loop never ran
func TestExitBeforeStart(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	u := New(reg, &counter{}, tick)
	u.Exit()
	u.Start(context.Background())

	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

// TestContextCancellationExits stops the loop when its context ends
func TestContextCancellationExits(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	u := New(reg, &counter{}, tick, Continuous())
	u.Start(ctx)
	cancel()

	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("updater ignored context cancellation")
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

// TestIdentityReachesCallback checks the attached identity resolves inside OnUpdate
func TestIdentityReachesCallback(t *testing.T) {
	t.Parallel()

	admin := &identity.User{Name: "ticker", Level: identity.LevelAdmin}
	result := make(chan error, 1)
	u := New(nil, UpdateFunc(func(ctx context.Context) error {
		result <- permission.Require(ctx, "tick", identity.LevelAdmin)
		return nil
	}), tick, WithIdentity(admin))
	u.MarkDirty()
	u.Start(context.Background())
	defer u.Exit()

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Require() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

// TestOnError routes callback errors to the hook
func TestOnError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	got := make(chan error, 1)
	u := New(nil, UpdateFunc(func(ctx context.Context) error { return sentinel }), tick,
		OnError(func(err error) {
			select {
			case got <- err:
			default:
			}
		}))
	u.MarkDirty()
	u.Start(context.Background())
	defer u.Exit()

	select {
	case err := <-got:
		if !errors.Is(err, sentinel) {
			t.Errorf("error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnError never called")
	}
}

// TestRegistryExitAll stops every registered updater
func TestRegistryExitAll(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		New(reg, &counter{}, tick, Continuous()).Start(context.Background())
	}
	if reg.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", reg.Len())
	}
	reg.ExitAll()
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after ExitAll, want 0", reg.Len())
	}
}

// TestIdentityUnderMainContext resolves the updater's own identity when started from main
func TestIdentityUnderMainContext(t *testing.T) {
	t.Parallel()

	guest := &identity.User{Name: "guest-ticker", Level: identity.LevelGuest}
	got := make(chan *identity.User, 1)
	u := New(nil, UpdateFunc(func(ctx context.Context) error {
		user, _ := permission.Resolve(ctx)
		select {
		case got <- user:
		default:
		}
		return nil
	}), tick, WithIdentity(guest))
	u.MarkDirty()
	u.Start(permission.WithMain(context.Background()))
	defer u.Exit()

	select {
	case user := <-got:
		if user != guest {
			t.Errorf("resolved %v, want %q", user, guest.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}
