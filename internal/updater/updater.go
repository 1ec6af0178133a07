// Package updater implements a fixed-rate scheduler that coalesces update requests.
//
// An Updater runs its owner's OnUpdate at most once per tick and only when it was marked
// dirty since the previous callback started. Any number of MarkDirty calls arriving while a
// callback runs collapse into a single follow-up callback.
package updater

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/permission"
)

// Updatable is driven by an Updater.
type Updatable interface {
	OnUpdate(ctx context.Context) error
}

// UpdateFunc adapts a function to Updatable.
type UpdateFunc func(ctx context.Context) error

func (f UpdateFunc) OnUpdate(ctx context.Context) error { return f(ctx) }

// Updater is one independently scheduled unit of execution.
type Updater struct {
	name       string
	owner      Updatable
	interval   time.Duration
	registry   *Registry
	user       *identity.User
	continuous bool
	logger     *slog.Logger
	onError    func(error)

	dirty   atomic.Bool
	started atomic.Bool
	ticks   atomic.Uint64

	stopCh   chan struct{}
	doneCh   chan struct{}
	exitOnce sync.Once
}

type Option func(*Updater)

// WithIdentity attaches the identity privileged calls made from OnUpdate run as.
// It must be set before Start and is never changed afterwards.
func WithIdentity(u *identity.User) Option {
	return func(up *Updater) { up.user = u }
}

// Continuous makes every tick run the callback, as if MarkDirty were called each time.
func Continuous() Option {
	return func(up *Updater) { up.continuous = true }
}

func WithLogger(logger *slog.Logger) Option {
	return func(up *Updater) { up.logger = logger }
}

func WithName(name string) Option {
	return func(up *Updater) { up.name = name }
}

// OnError is called with every error returned by the owner's OnUpdate.
func OnError(fn func(error)) Option {
	return func(up *Updater) { up.onError = fn }
}

// New creates a stopped updater. reg may be nil.
func New(reg *Registry, owner Updatable, interval time.Duration, opts ...Option) *Updater {
	u := &Updater{
		name:     "updater",
		owner:    owner,
		interval: interval,
		registry: reg,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With(slog.String("updater", u.name))
	return u
}

// Start registers the updater and launches its loop. It is a no-op after the first call
// or after Exit. Cancelling ctx exits the updater.
func (u *Updater) Start(ctx context.Context) {
	if u.started.Swap(true) {
		return
	}
	if u.registry != nil {
		u.registry.add(u)
		select {
		case <-u.stopCh:
			// lost a race with Exit
			u.registry.remove(u)
		default:
		}
	}
	go u.loop(permission.WithUpdaterIdentity(ctx, u.user))
}

// MarkDirty requests one callback on the next tick.
func (u *Updater) MarkDirty() {
	u.dirty.Store(true)
}

// Exit stops the loop and deregisters the updater. It is idempotent, safe to call from
// inside OnUpdate, and does not wait; use Done for that.
func (u *Updater) Exit() {
	u.exitOnce.Do(func() {
		close(u.stopCh)
		if u.registry != nil {
			u.registry.remove(u)
		}
		if !u.started.Swap(true) {
			// never started, so no loop will close doneCh
			close(u.doneCh)
		}
	})
}

// Done is closed once the loop has terminated.
func (u *Updater) Done() <-chan struct{} {
	return u.doneCh
}

// Identity returns the attached identity, or nil.
func (u *Updater) Identity() *identity.User {
	return u.user
}

func (u *Updater) Name() string {
	return u.name
}

func (u *Updater) Interval() time.Duration {
	return u.interval
}

// Ticks returns the number of callbacks run so far.
func (u *Updater) Ticks() uint64 {
	return u.ticks.Load()
}

func (u *Updater) loop(ctx context.Context) {
	defer close(u.doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		select {
		case <-u.stopCh:
			return
		case <-ctx.Done():
			u.Exit()
			return
		default:
		}

		start := time.Now()
		// the flag is cleared before the callback starts, so a MarkDirty racing with the
		// callback schedules exactly one more run
		if u.dirty.CompareAndSwap(true, false) || u.continuous {
			u.run(ctx)
		}

		wait := u.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-u.stopCh:
			return
		case <-ctx.Done():
			u.Exit()
			return
		case <-timer.C:
		}
	}
}

func (u *Updater) run(ctx context.Context) {
	u.ticks.Add(1)
	if err := u.owner.OnUpdate(ctx); err != nil {
		if u.onError != nil {
			u.onError(err)
			return
		}
		u.logger.Warn("update failed", slog.Any("error", err))
	}
}
