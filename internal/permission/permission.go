// Package permission resolves the acting identity of a call and gates privileged operations.
//
// Identity always travels in the context. Resolution order:
//
//  1. a context marked with WithMain, and not since handed to an updater, resolves to
//     identity.Main;
//  2. a context carrying an updater identity (set by the AsyncUpdater that runs the call)
//     resolves to that identity;
//  3. a context carrying an explicit WithUser identity resolves to it.
//
// Anything else is unresolved and compares as identity.LevelNone.
package permission

import (
	"context"
	"fmt"

	"github.com/luciancaetano/streamnet/internal/identity"
)

type ctxKey int

const (
	mainKey ctxKey = iota
	updaterKey
	userKey
)

// WithMain marks ctx as the process's primary context.
func WithMain(ctx context.Context) context.Context {
	return context.WithValue(ctx, mainKey, true)
}

// WithUpdaterIdentity attaches the identity of the scheduled unit running the call. The main
// marker of a parent context is cleared, so an updater started from the primary context
// never resolves as main; with a nil u the call falls through to an explicit user.
func WithUpdaterIdentity(ctx context.Context, u *identity.User) context.Context {
	ctx = context.WithValue(ctx, mainKey, false)
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, updaterKey, u)
}

// WithUser attaches an explicit acting identity.
func WithUser(ctx context.Context, u *identity.User) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, userKey, u)
}

// Resolve returns the acting identity of ctx, or false when none can be resolved.
func Resolve(ctx context.Context) (*identity.User, bool) {
	if main, _ := ctx.Value(mainKey).(bool); main {
		return identity.Main, true
	}
	if u, ok := ctx.Value(updaterKey).(*identity.User); ok {
		return u, true
	}
	if u, ok := ctx.Value(userKey).(*identity.User); ok {
		return u, true
	}
	return nil, false
}

// AuthorizationError reports a failed permission check.
type AuthorizationError struct {
	Op       string
	User     string
	Required identity.Level
	Actual   identity.Level
}

func (e *AuthorizationError) Error() string {
	who := e.User
	if who == "" {
		who = "unresolved identity"
	}
	return fmt.Sprintf("%s: permission denied for %s: requires level %d, has %d", e.Op, who, e.Required, e.Actual)
}

// Require fails with an *AuthorizationError when the acting identity of ctx is below level.
// It has no side effect when the check passes.
func Require(ctx context.Context, op string, level identity.Level) error {
	u, _ := Resolve(ctx)
	actual := identity.LevelOf(u)
	if actual >= level {
		return nil
	}
	e := &AuthorizationError{Op: op, Required: level, Actual: actual}
	if u != nil {
		e.User = u.Name
	}
	return e
}

// Guard runs fn only when Require passes.
func Guard(ctx context.Context, op string, level identity.Level, fn func(ctx context.Context) error) error {
	if err := Require(ctx, op, level); err != nil {
		return err
	}
	return fn(ctx)
}
