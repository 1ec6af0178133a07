package protocol

import (
	"fmt"

	"github.com/luciancaetano/streamnet/internal/codec"
)

// Direction tells which end of a connection a packet is expected to originate from.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionServer
	DirectionClient
	DirectionBoth
)

func (d Direction) Valid() bool { return d <= DirectionBoth }

func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionServer:
		return "server"
	case DirectionClient:
		return "client"
	case DirectionBoth:
		return "both"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Accepts reports whether a packet tagged d may be received by a side expecting want.
func (d Direction) Accepts(want Direction) bool {
	return d == DirectionBoth || d == want
}

// Identity is the (id, name, direction) triple that names a packet type on the wire.
type Identity struct {
	ID        uint16
	Name      string
	Direction Direction
}

func (i Identity) String() string {
	return fmt.Sprintf("%d:%s/%s", i.ID, i.Name, i.Direction)
}

// Packet is a self-describing unit of protocol data.
//
// Encode and Decode operate on the payload only; the identity header is written by the
// frame codec. Encode must not mutate the packet.
type Packet interface {
	Identity() Identity
	Encode(w *codec.Writer)
	Decode(r *codec.Reader)
}

// WriteIdentity writes the wire form of a packet type reference.
func WriteIdentity(w *codec.Writer, id Identity) {
	w.Uint16(id.ID)
	w.String(id.Name)
	codec.WriteEnum8(w, id.Direction)
}

// ReadIdentity reads a packet type reference written by WriteIdentity.
func ReadIdentity(r *codec.Reader) Identity {
	var id Identity
	id.ID = r.Uint16()
	id.Name = r.String()
	id.Direction = codec.ReadEnum8[Direction](r, "direction")
	return id
}

// Unresolved stands in for a packet whose identity is not registered locally.
// The caller decides whether receiving one is fatal.
type Unresolved struct {
	ID      Identity
	Payload []byte
}

func (u *Unresolved) Identity() Identity { return u.ID }

func (u *Unresolved) Encode(w *codec.Writer) {
	w.Raw(u.Payload)
}

func (u *Unresolved) Decode(r *codec.Reader) {}
