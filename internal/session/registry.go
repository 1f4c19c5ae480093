package session

import (
	"log"
	"sync"
	"time"
)

// Registry tracks live sessions. It is injected into the handlers that
// need it rather than living as a package global, so tests can run
// against a private instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Manager
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Manager)}
}

func (r *Registry) Add(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[m.ID] = m
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[id]
	return m, ok
}

func (r *Registry) List() []*Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// KillAll tears down every live session concurrently and waits up to
// grace for the teardowns to finish. Used on server shutdown.
func (r *Registry) KillAll(grace time.Duration) {
	managers := r.List()
	if len(managers) == 0 {
		return
	}
	log.Printf("Terminating %d active session(s)", len(managers))

	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			m.Kill()
		}(m)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("WARNING: session teardown still running after %s, continuing shutdown", grace)
	}

	r.mu.Lock()
	r.sessions = make(map[string]*Manager)
	r.mu.Unlock()
}
