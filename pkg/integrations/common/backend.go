package common

import "github.com/keepawake/keepawake/pkg/wakelock"

// Backend names
const (
	BackendPortal      = "portal"
	BackendFreedesktop = "freedesktop"
	BackendX11         = "x11"
	BackendNone        = "none"
)

// Backend is a wake lock provider tied to one platform mechanism
type Backend interface {
	wakelock.Provider

	// Name identifies the mechanism (e.g., "portal", "x11")
	Name() string

	// Priority ranks backends, higher is preferred
	Priority() int

	// Close releases connections held by the backend
	Close() error
}

// None is the backend used when no mechanism is available
type None struct {
	wakelock.Unsupported
}

func (None) Name() string  { return BackendNone }
func (None) Priority() int { return 0 }
func (None) Close() error  { return nil }
