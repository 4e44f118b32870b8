package x11

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keepawake/keepawake/pkg/integrations/common"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

const defaultPollInterval = 30 * time.Second

// Provider implements common.Backend with the X11 core screensaver settings.
// Acquiring disables the screensaver timeout; releasing restores the
// settings that were in effect before.
type Provider struct {
	display      string
	pollInterval time.Duration

	mu     sync.Mutex
	client *client
	err    error
}

// NewProvider creates a new X11 provider. An empty display uses $DISPLAY.
func NewProvider(display string, pollInterval time.Duration) *Provider {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	p := &Provider{
		display:      display,
		pollInterval: pollInterval,
	}
	p.client, p.err = dial(display)
	return p
}

// Supported reports whether the X server accepted a connection
func (p *Provider) Supported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil
}

// Err returns the reason the provider is unsupported
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Name returns "x11"
func (p *Provider) Name() string {
	return common.BackendX11
}

// Priority ranks x11 below the D-Bus mechanisms, which also cover DPMS
func (p *Provider) Priority() int {
	return 10
}

// Acquire disables the screensaver timeout and starts watching for other
// clients turning it back on
func (p *Provider) Acquire(ctx context.Context, kind wakelock.Kind) (wakelock.Handle, error) {
	if kind != wakelock.KindScreen {
		return nil, fmt.Errorf("%w: %s", wakelock.ErrUnsupportedKind, kind)
	}

	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return nil, wakelock.ErrUnsupported
	}

	saved, err := c.saverSettings()
	if err != nil {
		return nil, err
	}
	if err := c.setSaverSettings(saved.disabled()); err != nil {
		return nil, err
	}
	c.resetIdle()

	h := &handle{
		BaseHandle: wakelock.NewBaseHandle(kind),
		client:     c,
		saved:      saved,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go h.watch(p.pollInterval)

	return h, nil
}

// Close closes the X connection
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.close()
		p.client = nil
	}
	return nil
}

type handle struct {
	*wakelock.BaseHandle
	client *client
	saved  saverSettings

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// watch keeps the idle timer reset and notices when another client
// re-enables the screensaver timeout
func (h *handle) watch(interval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			current, err := h.client.saverSettings()
			if err != nil {
				h.MarkReleased(fmt.Sprintf("lost X11 connection: %v", err))
				return
			}
			if revoked(current) {
				h.MarkReleased("screensaver timeout re-enabled by another client")
				return
			}
			h.client.resetIdle()
		}
	}
}

func (h *handle) stopWatch() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Release restores the saved screensaver settings
func (h *handle) Release(ctx context.Context) error {
	h.stopWatch()

	if released, _ := h.Released(); released {
		return nil
	}
	if err := h.client.setSaverSettings(h.saved); err != nil {
		return err
	}
	h.MarkReleased("explicit")
	return nil
}

// revoked reports whether the timeout is active again
func revoked(current saverSettings) bool {
	return current.Timeout != 0
}
