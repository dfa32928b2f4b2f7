package session

import (
	"sort"
	"sync"

	"github.com/route-beacon/route-feeder/internal/metrics"
)

// Registry is the set of live sessions. A session is present from the
// moment it is accepted until its worker tears it down or the driver
// prunes it.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*Session)}
}

// Add registers s under a fresh id and returns it.
func (r *Registry) Add(s *Session) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.id = r.nextID
	r.sessions[s.id] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return s.id
}

// Remove deletes exactly s. It reports false if s was not present, which
// happens when the driver pruned it first.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.id)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of all sessions ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tick prunes sessions whose engine is terminal or panics and ticks the
// rest. Pruned sessions have their connection closed so their worker exits.
func (r *Registry) Tick() (pruned int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if s.tick() {
			continue
		}
		delete(r.sessions, id)
		s.shutdown()
		pruned++
	}
	if pruned > 0 {
		metrics.SessionsTotal.WithLabelValues("pruned").Add(float64(pruned))
		metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	return pruned
}

// StopAll asks every registered session to stop.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
