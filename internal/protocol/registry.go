package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/luciancaetano/streamnet/internal/codec"
)

var (
	ErrNilFactory        = errors.New("packet factory is nil")
	ErrMissingName       = errors.New("packet name is empty")
	ErrInvalidDirection  = errors.New("packet direction is invalid")
	ErrDuplicateIdentity = errors.New("packet identity already registered")
	ErrCodecRoundTrip    = errors.New("packet encode/decode round trip failed")
)

// Factory returns a fresh, zero-valued packet ready for Decode.
type Factory func() Packet

type entry struct {
	identity Identity
	factory  Factory
}

// Registry holds the packet types both ends of a connection agreed on.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register validates and adds a packet type.
//
// A type is rejected when its identity is incomplete, when an identity with the same id and
// name is registered for an overlapping direction, or when a zero value of it does not
// survive an encode/decode round trip.
func (r *Registry) Register(factory Factory) error {
	if factory == nil {
		return ErrNilFactory
	}
	sample := factory()
	if sample == nil {
		return ErrNilFactory
	}
	id := sample.Identity()
	if id.Name == "" {
		return fmt.Errorf("%w: id %d", ErrMissingName, id.ID)
	}
	if !id.Direction.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDirection, id)
	}
	if err := roundTrip(factory, sample); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCodecRoundTrip, id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if confusable(e.identity, id) {
			return fmt.Errorf("%w: %s conflicts with %s", ErrDuplicateIdentity, id, e.identity)
		}
	}
	r.entries = append(r.entries, entry{identity: id, factory: factory})
	return nil
}

// MustRegister is Register for package-level setup code; it panics on error.
func (r *Registry) MustRegister(factories ...Factory) *Registry {
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
	return r
}

// confusable reports whether a and b could both match the same frame at dispatch time.
func confusable(a, b Identity) bool {
	if a.ID != b.ID || a.Name != b.Name {
		return false
	}
	return a.Direction == b.Direction || a.Direction == DirectionBoth || b.Direction == DirectionBoth
}

func roundTrip(factory Factory, sample Packet) error {
	var buf bytes.Buffer
	w := codec.NewWriter(&buf)
	sample.Encode(w)
	if err := w.Err(); err != nil {
		return err
	}
	fresh := factory()
	rd := codec.NewReader(&buf)
	fresh.Decode(rd)
	if err := rd.Err(); err != nil {
		return err
	}
	if buf.Len() != 0 {
		return fmt.Errorf("%d trailing bytes", buf.Len())
	}
	return nil
}

// Lookup returns a fresh instance of the first type matching all three identity fields.
func (r *Registry) Lookup(id Identity) (Packet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.identity == id {
			return e.factory(), true
		}
	}
	return nil, false
}

// Resolve is Lookup that falls back to an *Unresolved placeholder instead of failing.
func (r *Registry) Resolve(id Identity) Packet {
	if p, ok := r.Lookup(id); ok {
		return p
	}
	return &Unresolved{ID: id}
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id Identity) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Identities lists the registered identities in registration order.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.identity
	}
	return out
}

// Len returns the number of registered packet types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// WriteType serializes a reference to the packet type of p (identity only, no payload).
func WriteType(w *codec.Writer, p Packet) {
	WriteIdentity(w, p.Identity())
}

// ReadType reads a packet type reference and resolves it against the registry.
// An unknown type yields an *Unresolved placeholder.
func (r *Registry) ReadType(rd *codec.Reader) Packet {
	id := ReadIdentity(rd)
	if rd.Err() != nil {
		return nil
	}
	return r.Resolve(id)
}
