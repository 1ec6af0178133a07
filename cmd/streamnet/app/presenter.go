package app

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/protocol"
)

// printer renders server messages for a terminal.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

var _ streamnet.Presenter = (*printer)(nil)

func (p *printer) Print(c streamnet.Conn, level protocol.PrintLevel, message string) {
	p.printf("[%s] %s\n", level, message)
}

func (p *printer) ConnectionInfo(c streamnet.Conn, info *protocol.ConnectionInfo) {
	uptime := (time.Duration(info.UptimeMillis) * time.Millisecond).Round(time.Second)
	p.printf("connection %s\n  server version: %s\n  uptime: %s\n  user: %s (level %s)\n",
		info.ConnectionID, info.ServerVersion, uptime, info.User, info.Level)
	if info.Connections > 0 {
		p.printf("  connections: %d\n", info.Connections)
	}
}

func (p *printer) Disconnected(c streamnet.Conn, reason string) {
	p.printf("disconnected: %s\n", reason)
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}
