package wakelock

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keepawake/keepawake/pkg/visibility"
)

// Status is the tri-state released flag of a Controller
type Status int

const (
	// StatusUnknown means no lock has been acquired yet
	StatusUnknown Status = iota
	StatusHeld
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusHeld:
		return "held"
	case StatusReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Released converts the status to the released flag. known is false for
// StatusUnknown.
func (s Status) Released() (released bool, known bool) {
	return s == StatusReleased, s != StatusUnknown
}

func statusOf(released bool) Status {
	if released {
		return StatusReleased
	}
	return StatusHeld
}

// Options are the optional notifications a Controller emits
type Options struct {
	// OnError receives acquisition and release failures
	OnError func(err error)

	// OnRequest fires after a lock was acquired
	OnRequest func()

	// OnReacquire fires before a visibility return re-acquires a lock the
	// platform released. OnRequest or OnError follows in the same operation.
	OnReacquire func()

	// OnRelease fires when the platform reports the lock released
	OnRelease func(ev ReleaseEvent)

	// OnDestroy fires after a full teardown
	OnDestroy func()
}

// Snapshot is a consistent read of the controller state
type Snapshot struct {
	Supported bool
	Active    bool
	Kind      Kind
	HandleID  string
	Status    Status
}

// Controller owns at most one platform lock at a time.
//
// Request, Release and Destroy never fail towards the caller: misuse and
// missing platform support are logged as warnings, acquisition failures go
// to Options.OnError.
type Controller struct {
	provider   Provider
	visibility visibility.Source
	opts       Options
	log        zerolog.Logger
	ctx        context.Context
	supported  bool

	// opMu serializes operations, mu guards the fields below it
	opMu        sync.Mutex
	mu          sync.Mutex
	handle      Handle
	status      Status
	unsubscribe func()
}

// New creates a controller. ctx carries the logger and is used for
// re-acquisitions triggered by visibility changes.
func New(ctx context.Context, provider Provider, source visibility.Source, opts Options) *Controller {
	if provider == nil {
		provider = Unsupported{}
	}
	if source == nil {
		source = visibility.Static(visibility.Visible)
	}

	return &Controller{
		provider:   provider,
		visibility: source,
		opts:       opts,
		log:        zerolog.Ctx(ctx).With().Str("component", "wakelock").Logger(),
		ctx:        ctx,
		supported:  provider.Supported(),
	}
}

// IsSupported reports whether the platform exposes the lock capability.
// It is computed once at construction.
func (c *Controller) IsSupported() bool {
	return c.supported
}

// Released returns the tri-state released flag
func (c *Controller) Released() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Type returns the kind of the current lock
func (c *Controller) Type() (Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return "", false
	}
	return c.handle.Kind(), true
}

// Snapshot returns the current state in one read
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Supported: c.supported,
		Status:    c.status,
	}
	if c.handle != nil {
		s.Active = true
		s.Kind = c.handle.Kind()
		s.HandleID = c.handle.ID()
	}
	return s
}

// Request acquires a lock of the given kind, KindScreen by default.
// An active lock is destroyed first.
func (c *Controller) Request(ctx context.Context, kind ...Kind) {
	k := KindScreen
	if len(kind) > 0 && kind[0] != "" {
		k = kind[0]
	}

	if !c.supported {
		c.log.Warn().Str("kind", string(k)).Msg("wake lock is not supported on this system")
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.request(ctx, k)
}

func (c *Controller) request(ctx context.Context, kind Kind) {
	if c.current() != nil {
		if !c.destroy(ctx) {
			return
		}
	}

	handle, err := c.provider.Acquire(ctx, kind)
	if err != nil {
		c.log.Debug().Err(err).Str("kind", string(kind)).Msg("wake lock request failed")
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		return
	}

	handle.OnRelease(func(ev ReleaseEvent) {
		c.handleRelease(handle, ev)
	})
	unsubscribe := c.visibility.Subscribe(c.handleVisibilityChange)

	c.mu.Lock()
	c.handle = handle
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.log.Debug().Str("kind", string(kind)).Str("handle", handle.ID()).Msg("wake lock acquired")

	if c.opts.OnRequest != nil {
		c.opts.OnRequest()
	}

	released, ok := handle.Released()
	if !ok {
		released = releasedAfterAcquire
	}
	c.mu.Lock()
	if c.handle == handle {
		c.status = statusOf(released)
	}
	c.mu.Unlock()
}

func (c *Controller) handleRelease(handle Handle, ev ReleaseEvent) {
	released, ok := handle.Released()
	if !ok {
		released = releasedWhenNotified
	}

	c.mu.Lock()
	// a superseded handle must not overwrite the status of its successor
	if c.handle == nil || c.handle == handle {
		c.status = statusOf(released)
	}
	c.mu.Unlock()

	c.log.Debug().Str("handle", ev.HandleID).Str("reason", ev.Reason).Msg("wake lock released")

	if c.opts.OnRelease != nil {
		c.opts.OnRelease(ev)
	}
}

// handleVisibilityChange runs on every visibility change. It re-acquires the
// lock when the display is visible again and the platform released the
// handle while it was hidden.
func (c *Controller) handleVisibilityChange() {
	if c.visibility.State() != visibility.Visible {
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	handle := c.current()
	if handle == nil {
		return
	}
	if released, ok := handle.Released(); !ok || !released {
		return
	}

	c.log.Debug().Str("handle", handle.ID()).Msg("display visible again, re-acquiring wake lock")
	if c.opts.OnReacquire != nil {
		c.opts.OnReacquire()
	}
	c.request(c.ctx, KindScreen)
}

// Release asks the platform to drop the lock. The handle reference and the
// visibility subscription are kept, so the released flag stays observable.
// It reports whether a lock was active, false meaning the call was a no-op.
func (c *Controller) Release(ctx context.Context) bool {
	if !c.supported {
		c.log.Warn().Msg("wake lock is not supported on this system")
		return false
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	handle := c.current()
	if handle == nil {
		c.log.Warn().Msg("wake lock release before request has no effect")
		return false
	}

	if err := handle.Release(ctx); err != nil {
		c.log.Warn().Err(err).Str("handle", handle.ID()).Msg("wake lock release failed")
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
	}
	return true
}

// Destroy releases the lock, drops the visibility subscription and forgets
// the handle. It reports whether a lock was active, false meaning the call
// was a no-op.
func (c *Controller) Destroy(ctx context.Context) bool {
	if !c.supported {
		c.log.Warn().Msg("wake lock is not supported on this system")
		return false
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current() == nil {
		c.log.Warn().Msg("wake lock destroy before request has no effect")
		return false
	}
	c.destroy(ctx)
	return true
}

// destroy tears down the current handle, which must be set. It reports
// whether the teardown happened.
func (c *Controller) destroy(ctx context.Context) bool {
	handle := c.current()

	if err := handle.Release(ctx); err != nil {
		c.log.Warn().Err(err).Str("handle", handle.ID()).Msg("wake lock destroy failed")
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		return false
	}

	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.handle = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if c.opts.OnDestroy != nil {
		c.opts.OnDestroy()
	}
	return true
}

func (c *Controller) current() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}
