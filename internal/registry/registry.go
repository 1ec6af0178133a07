// Package registry tracks the live connections and servers of a process.
package registry

import (
	"sort"
	"sync"

	"github.com/luciancaetano/streamnet"
	"github.com/luciancaetano/streamnet/internal/protocol"
)

// Registry is safe for concurrent use. Entries are added when a connection or server starts
// and removed when it exits.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]streamnet.Conn
	servers map[streamnet.Server]struct{}
}

func New() *Registry {
	return &Registry{
		conns:   make(map[string]streamnet.Conn),
		servers: make(map[streamnet.Server]struct{}),
	}
}

func (r *Registry) AddConn(c streamnet.Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

func (r *Registry) RemoveConn(c streamnet.Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[c.ID()]; ok && cur == c {
		delete(r.conns, c.ID())
	}
	r.mu.Unlock()
}

// Conn returns a connection by ID.
func (r *Registry) Conn(id string) (streamnet.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Conns returns a snapshot of the live connections ordered by ID.
func (r *Registry) Conns() []streamnet.Conn {
	r.mu.RLock()
	out := make([]streamnet.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) AddServer(s streamnet.Server) {
	r.mu.Lock()
	r.servers[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) RemoveServer(s streamnet.Server) {
	r.mu.Lock()
	delete(r.servers, s)
	r.mu.Unlock()
}

// Servers returns a snapshot of the running servers.
func (r *Registry) Servers() []streamnet.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]streamnet.Server, 0, len(r.servers))
	for s := range r.servers {
		out = append(out, s)
	}
	return out
}

// Broadcast queues p on every live connection. Connections that exited in between are
// skipped; the number of successful sends is returned.
func (r *Registry) Broadcast(p protocol.Packet, opts ...streamnet.SendOption) int {
	sent := 0
	for _, c := range r.Conns() {
		if err := c.SendPacket(p, opts...); err == nil {
			sent++
		}
	}
	return sent
}

// Shutdown closes every server and exits every connection with reason.
func (r *Registry) Shutdown(reason string) {
	for _, s := range r.Servers() {
		s.Close()
	}
	for _, c := range r.Conns() {
		c.Exit(reason)
	}
}
