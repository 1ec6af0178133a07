package protocol

import "fmt"

// ProtocolViolation is raised when a peer sends a packet the current stage cannot accept.
// It is fatal to the connection.
type ProtocolViolation struct {
	Packet Identity
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s: %s", e.Packet, e.Reason)
}

// CheckDirection returns a *ProtocolViolation when p cannot be received by a side that
// expects packets originating from want.
func CheckDirection(want Direction, p Packet) error {
	id := p.Identity()
	if id.Direction.Accepts(want) {
		return nil
	}
	return &ProtocolViolation{
		Packet: id,
		Reason: fmt.Sprintf("direction %s, expected %s", id.Direction, want),
	}
}

// Unexpected builds a *ProtocolViolation for a packet that is out of sequence for stage.
func Unexpected(stage string, p Packet) error {
	return &ProtocolViolation{
		Packet: p.Identity(),
		Reason: "unexpected during " + stage,
	}
}
