package protocol

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/luciancaetano/streamnet/internal/codec"
	"github.com/luciancaetano/streamnet/internal/identity"
)

// Packet ids of the built-in protocol.
const (
	IDHandshake uint16 = iota
	IDHandshakeResponse
	IDKeepAlive
	IDDisconnect
	IDPrint
	IDConnectionInfoRequest
	IDConnectionInfo
	IDPacketTypeInfo
	IDDataRange
	IDPlayerPosition
)

// Handshake opens a session. Exactly one of Token or Password is normally set.
type Handshake struct {
	ProtocolVersion string
	Username        string
	Token           string
	Password        string
	Compression     bool
}

func (*Handshake) Identity() Identity {
	return Identity{ID: IDHandshake, Name: "handshake", Direction: DirectionClient}
}

func (p *Handshake) Encode(w *codec.Writer) {
	w.String(p.ProtocolVersion)
	w.String(p.Username)
	w.String(p.Token)
	w.String(p.Password)
	w.Bool(p.Compression)
}

func (p *Handshake) Decode(r *codec.Reader) {
	p.ProtocolVersion = r.String()
	p.Username = r.String()
	p.Token = r.String()
	p.Password = r.String()
	p.Compression = r.Bool()
}

// HandshakeResponse closes the handshake stage.
// CompressionThreshold is NoCompression when the server declined compression.
type HandshakeResponse struct {
	Accepted             bool
	Reason               string
	ServerVersion        string
	CompressionThreshold int32
	User                 *identity.User
}

func (*HandshakeResponse) Identity() Identity {
	return Identity{ID: IDHandshakeResponse, Name: "handshake_response", Direction: DirectionServer}
}

func (p *HandshakeResponse) Encode(w *codec.Writer) {
	w.Bool(p.Accepted)
	w.String(p.Reason)
	w.String(p.ServerVersion)
	w.Int32(p.CompressionThreshold)
	w.Bool(p.User != nil)
	if p.User != nil {
		identity.WriteUser(w, p.User)
	}
}

func (p *HandshakeResponse) Decode(r *codec.Reader) {
	p.Accepted = r.Bool()
	p.Reason = r.String()
	p.ServerVersion = r.String()
	p.CompressionThreshold = r.Int32()
	if r.Bool() {
		p.User = identity.ReadUser(r)
	}
}

// KeepAlive is both the liveness ping and, with Response set, its acknowledgment.
type KeepAlive struct {
	ID       uint64
	Response bool
}

func (*KeepAlive) Identity() Identity {
	return Identity{ID: IDKeepAlive, Name: "keepalive", Direction: DirectionBoth}
}

func (p *KeepAlive) Encode(w *codec.Writer) {
	w.Uint64(p.ID)
	w.Bool(p.Response)
}

func (p *KeepAlive) Decode(r *codec.Reader) {
	p.ID = r.Uint64()
	p.Response = r.Bool()
}

// Disconnect tells the peer the connection is ending and why.
type Disconnect struct {
	Reason string
}

func (*Disconnect) Identity() Identity {
	return Identity{ID: IDDisconnect, Name: "disconnect", Direction: DirectionBoth}
}

func (p *Disconnect) Encode(w *codec.Writer) { w.String(p.Reason) }

func (p *Disconnect) Decode(r *codec.Reader) { p.Reason = r.String() }

// PrintLevel is the severity of a Print message.
type PrintLevel uint8

const (
	PrintInfo PrintLevel = iota
	PrintWarn
	PrintError
)

func (l PrintLevel) Valid() bool { return l <= PrintError }

func (l PrintLevel) String() string {
	switch l {
	case PrintInfo:
		return "info"
	case PrintWarn:
		return "warn"
	case PrintError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Print is an informational message for the presentation layer.
type Print struct {
	Level   PrintLevel
	Message string
}

func (*Print) Identity() Identity {
	return Identity{ID: IDPrint, Name: "print", Direction: DirectionServer}
}

func (p *Print) Encode(w *codec.Writer) {
	codec.WriteEnum8(w, p.Level)
	w.String(p.Message)
}

func (p *Print) Decode(r *codec.Reader) {
	p.Level = codec.ReadEnum8[PrintLevel](r, "print level")
	p.Message = r.String()
}

// ConnectionInfoRequest asks the server for a ConnectionInfo.
type ConnectionInfoRequest struct{}

func (*ConnectionInfoRequest) Identity() Identity {
	return Identity{ID: IDConnectionInfoRequest, Name: "connection_info_request", Direction: DirectionClient}
}

func (*ConnectionInfoRequest) Encode(*codec.Writer) {}

func (*ConnectionInfoRequest) Decode(*codec.Reader) {}

// ConnectionInfo describes the session as the server sees it.
type ConnectionInfo struct {
	ConnectionID  uuid.UUID
	ServerVersion string
	Connections   uint32
	UptimeMillis  int64
	User          string
	Level         identity.Level
}

func (*ConnectionInfo) Identity() Identity {
	return Identity{ID: IDConnectionInfo, Name: "connection_info", Direction: DirectionServer}
}

func (p *ConnectionInfo) Encode(w *codec.Writer) {
	w.UUID(p.ConnectionID)
	w.String(p.ServerVersion)
	w.Uint32(p.Connections)
	w.Int64(p.UptimeMillis)
	w.String(p.User)
	w.Int32(int32(p.Level))
}

func (p *ConnectionInfo) Decode(r *codec.Reader) {
	p.ConnectionID = r.UUID()
	p.ServerVersion = r.String()
	p.Connections = r.Uint32()
	p.UptimeMillis = r.Int64()
	p.User = r.String()
	p.Level = identity.Level(r.Int32())
}

// PacketTypeInfo references a packet type without carrying an instance of it.
// A query asks the peer whether it knows Type; the answer echoes Type with Known filled in.
type PacketTypeInfo struct {
	Type  Identity
	Query bool
	Known bool
}

func (*PacketTypeInfo) Identity() Identity {
	return Identity{ID: IDPacketTypeInfo, Name: "packet_type_info", Direction: DirectionBoth}
}

func (p *PacketTypeInfo) Encode(w *codec.Writer) {
	WriteIdentity(w, p.Type)
	w.Bool(p.Query)
	w.Bool(p.Known)
}

func (p *PacketTypeInfo) Decode(r *codec.Reader) {
	p.Type = ReadIdentity(r)
	p.Query = r.Bool()
	p.Known = r.Bool()
}

// DataRange announces that ids [From, To] of a data stream are available.
type DataRange struct {
	Stream string
	From   uint64
	To     uint64
}

func (*DataRange) Identity() Identity {
	return Identity{ID: IDDataRange, Name: "data_range", Direction: DirectionServer}
}

func (p *DataRange) Encode(w *codec.Writer) {
	w.String(p.Stream)
	w.Uint64(p.From)
	w.Uint64(p.To)
}

func (p *DataRange) Decode(r *codec.Reader) {
	p.Stream = r.String()
	p.From = r.Uint64()
	p.To = r.Uint64()
}

// Dimension names the world a position belongs to.
type Dimension int32

const (
	DimensionNether    Dimension = -1
	DimensionOverworld Dimension = 0
	DimensionEnd       Dimension = 1
)

func (d Dimension) Valid() bool { return d >= DimensionNether && d <= DimensionEnd }

// PlayerPosition is a domain payload built only from codec primitives.
type PlayerPosition struct {
	Player    uuid.UUID
	Position  mgl64.Vec3
	Dimension Dimension
}

func (*PlayerPosition) Identity() Identity {
	return Identity{ID: IDPlayerPosition, Name: "player_position", Direction: DirectionBoth}
}

func (p *PlayerPosition) Encode(w *codec.Writer) {
	w.UUID(p.Player)
	w.Vec3(p.Position)
	codec.WriteEnum32(w, p.Dimension)
}

func (p *PlayerPosition) Decode(r *codec.Reader) {
	p.Player = r.UUID()
	p.Position = r.Vec3()
	p.Dimension = codec.ReadEnum32[Dimension](r, "dimension")
}

// DefaultRegistry returns a registry holding every built-in packet type.
func DefaultRegistry() *Registry {
	return NewRegistry().MustRegister(
		func() Packet { return &Handshake{} },
		func() Packet { return &HandshakeResponse{} },
		func() Packet { return &KeepAlive{} },
		func() Packet { return &Disconnect{} },
		func() Packet { return &Print{} },
		func() Packet { return &ConnectionInfoRequest{} },
		func() Packet { return &ConnectionInfo{} },
		func() Packet { return &PacketTypeInfo{} },
		func() Packet { return &DataRange{} },
		func() Packet { return &PlayerPosition{} },
	)
}
