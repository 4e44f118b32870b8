package hybrid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/keepawake/keepawake/pkg/integrations/common"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

// Provider implements common.Backend by delegating to the highest priority
// supported backend. The choice is made once at construction.
type Provider struct {
	backends []common.Backend
	active   common.Backend
}

// NewProvider ranks the backends and picks the first supported one
func NewProvider(backends ...common.Backend) *Provider {
	ranked := make([]common.Backend, 0, len(backends))
	for _, b := range backends {
		if b != nil {
			ranked = append(ranked, b)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority() > ranked[j].Priority()
	})

	p := &Provider{backends: ranked}
	for _, b := range ranked {
		if b.Supported() {
			p.active = b
			break
		}
	}
	return p
}

func (p *Provider) Supported() bool {
	return p.active != nil
}

// Name returns the active backend's name
func (p *Provider) Name() string {
	if p.active == nil {
		return common.BackendNone
	}
	return p.active.Name()
}

func (p *Provider) Priority() int {
	if p.active == nil {
		return 0
	}
	return p.active.Priority()
}

// Active returns the selected backend, nil if none is supported
func (p *Provider) Active() common.Backend {
	return p.active
}

// Acquire delegates to the active backend
func (p *Provider) Acquire(ctx context.Context, kind wakelock.Kind) (wakelock.Handle, error) {
	if p.active == nil {
		return nil, wakelock.ErrUnsupported
	}
	h, err := p.active.Acquire(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.active.Name(), err)
	}
	return h, nil
}

// Describe lists every candidate backend with its availability
func (p *Provider) Describe() string {
	parts := make([]string, 0, len(p.backends))
	for _, b := range p.backends {
		state := "unavailable"
		if b.Supported() {
			state = "available"
		}
		if b == p.active {
			state = "active"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", b.Name(), state))
	}
	return strings.Join(parts, " ")
}

// Close closes every candidate backend
func (p *Provider) Close() error {
	var errs []error
	for _, b := range p.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
