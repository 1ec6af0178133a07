package streamnet

import (
	"context"
	"time"

	"github.com/luciancaetano/streamnet/internal/protocol"
)

// Await reads received packets until one of type T arrives, skipping the others, and waits
// up to timeout in total. It returns ErrTimeout when none arrived in time.
//
// Example usage:
//
//	conn.SendPacket(&protocol.ConnectionInfoRequest{})
//	info, err := streamnet.Await[*protocol.ConnectionInfo](ctx, conn, 5*time.Second)
func Await[T protocol.Packet](ctx context.Context, c Conn, timeout time.Duration) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return zero, ErrTimeout
		}
		p, err := c.LatestPacket(ctx, remaining)
		if err != nil {
			return zero, err
		}
		if want, ok := p.(T); ok {
			return want, nil
		}
	}
}
