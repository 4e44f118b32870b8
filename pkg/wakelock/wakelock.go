// Package wakelock keeps the display awake through a platform lock and
// re-acquires it when the display becomes visible again.
package wakelock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the variant of lock requested from the platform
type Kind string

const (
	// KindScreen prevents the display from dimming or blanking
	KindScreen Kind = "screen"
)

var (
	// ErrUnsupported is returned by providers that cannot hold a lock here
	ErrUnsupported = errors.New("wake lock not supported on this system")

	// ErrUnsupportedKind is returned when a provider cannot hold the requested kind
	ErrUnsupportedKind = errors.New("wake lock kind not supported")

	// ErrNotRequested is used by callers that need to report a release or
	// destroy issued before any successful request
	ErrNotRequested = errors.New("wake lock was never requested")
)

// Fallbacks for handles that cannot report their released flag.
// After a release notification "released" is assumed, right after a
// successful acquisition "held" is assumed.
const (
	releasedWhenNotified = true
	releasedAfterAcquire = false
)

// ReleaseEvent describes a lock that stopped having effect
type ReleaseEvent struct {
	HandleID string
	Kind     Kind
	Reason   string
	At       time.Time
}

// Provider is the platform capability that hands out locks
type Provider interface {
	// Supported reports whether the platform exposes the lock capability
	Supported() bool

	// Acquire requests a new lock of the given kind
	Acquire(ctx context.Context, kind Kind) (Handle, error)
}

// Handle is an active platform lock
type Handle interface {
	ID() string
	Kind() Kind

	// Release lets the platform drop the lock. Releasing an already
	// released handle is a no-op.
	Release(ctx context.Context) error

	// Released reports the platform's released flag. ok is false when
	// the platform cannot tell.
	Released() (released bool, ok bool)

	// OnRelease sets the callback fired once the lock stops having effect,
	// whether released explicitly or revoked by the platform.
	OnRelease(fn func(ReleaseEvent))
}

// BaseHandle implements the bookkeeping shared by provider handles
type BaseHandle struct {
	id   string
	kind Kind

	mu        sync.Mutex
	released  bool
	onRelease func(ReleaseEvent)
}

// NewBaseHandle creates a held handle with a fresh ID
func NewBaseHandle(kind Kind) *BaseHandle {
	return &BaseHandle{
		id:   uuid.NewString(),
		kind: kind,
	}
}

func (h *BaseHandle) ID() string { return h.id }

func (h *BaseHandle) Kind() Kind { return h.kind }

// Released always knows its flag
func (h *BaseHandle) Released() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released, true
}

func (h *BaseHandle) OnRelease(fn func(ReleaseEvent)) {
	h.mu.Lock()
	h.onRelease = fn
	h.mu.Unlock()
}

// MarkReleased flips the handle to released and fires the release callback.
// It returns false if the handle was already released.
func (h *BaseHandle) MarkReleased(reason string) bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	fn := h.onRelease
	h.mu.Unlock()

	if fn != nil {
		fn(ReleaseEvent{
			HandleID: h.id,
			Kind:     h.kind,
			Reason:   reason,
			At:       time.Now(),
		})
	}
	return true
}

// Unsupported is the provider used when no platform lock is available
type Unsupported struct{}

func (Unsupported) Supported() bool { return false }

func (Unsupported) Acquire(context.Context, Kind) (Handle, error) {
	return nil, ErrUnsupported
}
