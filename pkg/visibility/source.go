package visibility

import "sync"

// State is the visibility of the display the application is shown on
type State int

const (
	Unknown State = iota
	Visible
	Hidden
)

// String returns the lowercase name of the state
func (s State) String() string {
	switch s {
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	default:
		return "unknown"
	}
}

// ParseState converts a state name back into a State
func ParseState(name string) State {
	switch name {
	case "visible":
		return Visible
	case "hidden":
		return Hidden
	default:
		return Unknown
	}
}

// Source is the interface that all visibility signal implementations must satisfy
type Source interface {
	// State returns the current visibility
	State() State

	// Subscribe registers fn to be called on every visibility change.
	// The returned function removes the subscription.
	Subscribe(fn func()) (unsubscribe func())
}

// Broadcaster is an in-memory Source. Watchers feed it with Set.
type Broadcaster struct {
	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]func()
}

// NewBroadcaster creates a Broadcaster reporting initial
func NewBroadcaster(initial State) *Broadcaster {
	return &Broadcaster{
		state: initial,
		subs:  make(map[int]func()),
	}
}

// State returns the last state passed to Set
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe registers fn for change notifications
func (b *Broadcaster) Subscribe(fn func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscriptions
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Set stores the new state and notifies subscribers if it changed.
// Handlers run on the caller's goroutine, outside the lock.
func (b *Broadcaster) Set(state State) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	b.state = state
	handlers := make([]func(), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// Static is a Source whose state never changes
type Static State

// State returns the fixed state
func (s Static) State() State {
	return State(s)
}

// Subscribe never calls fn
func (s Static) Subscribe(fn func()) func() {
	return func() {}
}
