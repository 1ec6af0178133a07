package updater

import "sync"

// Registry tracks the updaters that are currently running.
type Registry struct {
	mu     sync.Mutex
	active map[*Updater]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[*Updater]struct{})}
}

func (r *Registry) add(u *Updater) {
	r.mu.Lock()
	r.active[u] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(u *Updater) {
	r.mu.Lock()
	delete(r.active, u)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Each calls fn for a snapshot of the active updaters.
func (r *Registry) Each(fn func(u *Updater)) {
	r.mu.Lock()
	snapshot := make([]*Updater, 0, len(r.active))
	for u := range r.active {
		snapshot = append(snapshot, u)
	}
	r.mu.Unlock()

	for _, u := range snapshot {
		fn(u)
	}
}

// ExitAll exits every active updater and waits for their loops to end.
func (r *Registry) ExitAll() {
	var all []*Updater
	r.Each(func(u *Updater) {
		all = append(all, u)
		u.Exit()
	})
	for _, u := range all {
		<-u.Done()
	}
}
