package session

import (
	"sync"
	"time"
)

// Registry tracks the sessions of the currently mounted views. A view is attached to its session while
// it holds an event stream. A session that stays without any attached stream for the grace period,
// including one whose view never attached at all, is closed and unregistered.
type Registry struct {
	grace time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	session *Session
	streams int

	// gen invalidates expiry timers that were stopped too late to keep them from firing.
	gen   int
	timer *time.Timer
}

// NewRegistry creates an empty registry. A grace of zero or less keeps detached sessions until they
// are removed explicitly.
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		grace:   grace,
		entries: make(map[string]*registryEntry),
	}
}

// Add registers s under its ID. It counts as detached until Attach is called.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &registryEntry{session: s}
	r.entries[s.ID()] = e
	r.armLocked(s.ID(), e)
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Attach records a new event stream for the session with the given ID and cancels its pending expiry.
// Every successful Attach must be paired with a Detach.
func (r *Registry) Attach(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.streams++
	r.disarmLocked(e)
	return e.session, true
}

// Detach records the end of an event stream. When the last one ends the grace period starts.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	if e.streams > 0 {
		e.streams--
	}
	if e.streams == 0 {
		r.armLocked(id, e)
	}
}

// Remove unregisters and closes the session with the given ID. It does nothing if there is none.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.disarmLocked(e)
	}
	r.mu.Unlock()

	if ok {
		e.session.Close()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// CloseAll closes and unregisters every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	for _, e := range entries {
		r.disarmLocked(e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.session.Close()
	}
}

func (r *Registry) armLocked(id string, e *registryEntry) {
	r.disarmLocked(e)
	if r.grace <= 0 {
		return
	}

	gen := e.gen
	e.timer = time.AfterFunc(r.grace, func() {
		r.expire(id, e, gen)
	})
}

func (r *Registry) disarmLocked(e *registryEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

func (r *Registry) expire(id string, e *registryEntry, gen int) {
	r.mu.Lock()
	cur, ok := r.entries[id]
	if !ok || cur != e || e.gen != gen || e.streams > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	e.timer = nil
	r.mu.Unlock()

	e.session.Close()
}
