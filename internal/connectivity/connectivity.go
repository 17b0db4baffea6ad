// Package connectivity reports whether the device believes it has a network path.
package connectivity

import "sync"

// Observer is the capability the sync engine subscribes to.
type Observer interface {
	Online() bool
	// Subscribe registers a listener for transitions. The returned func unsubscribes.
	Subscribe(listener func(online bool)) func()
}

// broadcaster fans transitions out to listeners; listeners run without the lock held.
type broadcaster struct {
	mu        sync.Mutex
	online    bool
	listeners map[int64]func(bool)
	next      int64
}

func newBroadcaster(initial bool) *broadcaster {
	return &broadcaster{online: initial, listeners: make(map[int64]func(bool))}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe(listener func(bool)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = listener
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// set stores the value and notifies listeners when it changed.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	listeners := make([]func(bool), 0, len(b.listeners))
	for _, listener := range b.listeners {
		listeners = append(listeners, listener)
	}
	b.mu.Unlock()

	for _, listener := range listeners {
		listener(online)
	}
	return true
}

// Manual is an Observer toggled by the host, for tests and the --offline CLI flag.
type Manual struct {
	*broadcaster
}

// NewManual constructs a Manual observer with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(online)}
}

// Set changes the state and reports whether it was a transition.
func (m *Manual) Set(online bool) bool {
	return m.set(online)
}

var (
	_ Observer = (*Manual)(nil)
	_ Observer = (*Prober)(nil)
)
