// Package handler holds the protocol stages a connection moves through: a handshake stage on
// each side, followed by the steady-state Default stage.
package handler

import (
	"context"
	"fmt"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/protocol"
)

// PeerDisconnect is returned by a stage that received a Disconnect packet. Its text is the
// reason the peer gave, so the connection exits with exactly that reason.
type PeerDisconnect struct {
	Reason string
}

func (e *PeerDisconnect) Error() string { return e.Reason }

// KeepAliveTimeout is returned when a keepalive went unanswered past its deadline.
type KeepAliveTimeout struct {
	ID uint64
}

func (e *KeepAliveTimeout) Error() string {
	return fmt.Sprintf("%s: no response to id %d", streamnet.ReasonKeepAliveTimeout, e.ID)
}

// CheckDirection rejects packets a side expecting want cannot receive.
func CheckDirection(want protocol.Direction, p protocol.Packet) error {
	return protocol.CheckDirection(want, p)
}

// PacketFunc handles packets a stage does not consume itself.
type PacketFunc func(ctx context.Context, c streamnet.Conn, p protocol.Packet) error

// Nop is a stage that accepts everything and does nothing.
type Nop struct{}

func (Nop) OnPacket(context.Context, streamnet.Conn, protocol.Packet) error { return nil }
func (Nop) OnUpdate(context.Context, streamnet.Conn) error                  { return nil }
func (Nop) OnExit(streamnet.Conn, string)                                   {}
