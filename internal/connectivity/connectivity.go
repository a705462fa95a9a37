// Package connectivity tracks whether the dashboard integration is reachable
// and signals the transitions the sync queue drains on.
package connectivity

import (
	"sync"
)

// broadcaster fans a regained signal out to every listener without blocking.
type broadcaster struct {
	mu        sync.Mutex
	online    bool
	listeners []chan struct{}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

// Regained returns a fresh channel that receives after every offline to
// online transition. Signals coalesce if the listener is slow.
func (b *broadcaster) Regained() <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()
	return ch
}

// set records the state and reports whether it changed.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.online == online {
		return false
	}
	b.online = online
	if online {
		for _, ch := range b.listeners {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	return true
}

// Manual is switched by hand. The local daemon uses it when no probe URL is
// configured, and tests use it to simulate outages.
type Manual struct {
	broadcaster
}

func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// Set changes the state; going online wakes Regained listeners.
func (m *Manual) Set(online bool) {
	m.set(online)
}
