package conn

import (
	"context"
	"time"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/identity"
	"github.com/luciancaetano/streamnet/internal/protocol"
)

var _ streamnet.Conn = Dummy{}

// Dummy is an inert connection. It is never registered, never receives anything and
// refuses every send.
type Dummy struct{}

func (Dummy) ID() string                   { return "dummy" }
func (Dummy) RemoteAddr() string           { return "" }
func (Dummy) Context() context.Context     { return context.Background() }
func (Dummy) Registry() *protocol.Registry { return protocol.NewRegistry() }

func (Dummy) SendPacket(protocol.Packet, ...streamnet.SendOption) error {
	return streamnet.ErrNotConnected
}

func (Dummy) LatestPacket(context.Context, time.Duration) (protocol.Packet, error) {
	return nil, streamnet.ErrNotConnected
}

func (Dummy) Handler() streamnet.Handler            { return nil }
func (Dummy) SetHandler(streamnet.Handler)          {}
func (Dummy) RegisterObserver(streamnet.Observer)   {}
func (Dummy) UnregisterObserver(streamnet.Observer) {}
func (Dummy) OnDisconnect(streamnet.DisconnectFn)   {}
func (Dummy) User() *identity.User                  { return nil }
func (Dummy) SetUser(*identity.User)                {}
func (Dummy) SetCompression(int)                    {}
func (Dummy) IsAlive() bool                         { return false }
func (Dummy) Exit(string)                           {}
