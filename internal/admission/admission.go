// Package admission decides whether a generate request may enter the
// upstream path.
//
// GlobalGate admits one request at a time across the whole process; every
// other request is turned away immediately. KeyedGate admits one request
// per key, so distinct fingerprints proceed concurrently while duplicates
// of an in-flight fingerprint are still rejected.
package admission

import (
	"sync"
	"sync/atomic"
)

// Gate is a non-blocking admission gate. A successful TryAcquire must be
// paired with exactly one Release of the same key.
type Gate interface {
	TryAcquire(key string) bool
	Release(key string)
}

// GlobalGate ignores the key.
type GlobalGate struct {
	busy atomic.Bool
}

// NewGlobalGate returns an open gate.
func NewGlobalGate() *GlobalGate { return &GlobalGate{} }

func (g *GlobalGate) TryAcquire(string) bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release clears the gate. Safe to call when not held.
func (g *GlobalGate) Release(string) {
	g.busy.Store(false)
}

// Busy reports whether a request currently holds the gate.
func (g *GlobalGate) Busy() bool { return g.busy.Load() }

// KeyedGate holds one slot per key.
type KeyedGate struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewKeyedGate returns an empty gate.
func NewKeyedGate() *KeyedGate {
	return &KeyedGate{inflight: make(map[string]struct{})}
}

func (g *KeyedGate) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inflight[key]; ok {
		return false
	}
	g.inflight[key] = struct{}{}
	return true
}

// Release frees key. Safe to call when not held.
func (g *KeyedGate) Release(key string) {
	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
}

// InFlight returns the number of keys currently held.
func (g *KeyedGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// New returns the gate for mode: "fingerprint" yields a KeyedGate, anything
// else a GlobalGate.
func New(mode string) Gate {
	if mode == ModeFingerprint {
		return NewKeyedGate()
	}
	return NewGlobalGate()
}

// Admission modes.
const (
	ModeGlobal      = "global"
	ModeFingerprint = "fingerprint"
)
