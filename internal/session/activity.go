package session

import "sync"

// ActivityKind is a coarse user interaction.
type ActivityKind string

const (
	ActivityPointerDown ActivityKind = "pointerdown"
	ActivityKeyPress    ActivityKind = "keypress"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouchStart  ActivityKind = "touchstart"
)

// ActivityBus fans user interactions out to listeners. Producers call Emit;
// the Manager listens only while a session is authenticated.
type ActivityBus struct {
	mu        sync.Mutex
	listeners map[int]func(ActivityKind)
	nextID    int
}

func NewActivityBus() *ActivityBus {
	return &ActivityBus{listeners: map[int]func(ActivityKind){}}
}

func (b *ActivityBus) Subscribe(fn func(ActivityKind)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
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

func (b *ActivityBus) Emit(kind ActivityKind) {
	b.mu.Lock()
	fns := make([]func(ActivityKind), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(kind)
	}
}

// Listeners reports how many listeners are attached.
func (b *ActivityBus) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
