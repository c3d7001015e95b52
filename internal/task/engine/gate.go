package engine

import "sync"

// RunState tracks whether a single-flight unit is already running.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

// TryAcquire marks the state running; it returns false when already running.
func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// KeyGate admits at most one in-flight run per key across the process.
// Entries are dropped on release, so the set stays proportional to the
// number of keys currently running.
type KeyGate struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewKeyGate() *KeyGate {
	return &KeyGate{keys: make(map[string]struct{})}
}

// TryAcquire claims key. It returns false if key is already held.
func (g *KeyGate) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		return false
	}
	g.keys[key] = struct{}{}
	return true
}

func (g *KeyGate) Release(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

// InFlight returns the number of held keys.
func (g *KeyGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}
