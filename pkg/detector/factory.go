package detector

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/keepawake/keepawake/pkg/integrations/common"
	"github.com/keepawake/keepawake/pkg/integrations/freedesktop"
	"github.com/keepawake/keepawake/pkg/integrations/hybrid"
	"github.com/keepawake/keepawake/pkg/integrations/logind"
	"github.com/keepawake/keepawake/pkg/integrations/portal"
	"github.com/keepawake/keepawake/pkg/integrations/x11"
	"github.com/keepawake/keepawake/pkg/visibility"
)

// Visibility source names
const (
	SourceAuto   = "auto"
	SourceLogind = "logind"
	SourceX11    = "x11"
	SourceNone   = "none"
)

// BackendAuto selects the best available backend
const BackendAuto = "auto"

// Options select and configure the platform integrations
type Options struct {
	Backend      string
	Visibility   string
	Display      string
	AppName      string
	Reason       string
	PollInterval time.Duration
}

// Watcher is a visibility source that needs a running loop
type Watcher interface {
	visibility.Source
	Run(ctx context.Context) error
	Close() error
}

// NewProvider builds the wake lock backend named by opts.Backend
func NewProvider(ctx context.Context, opts Options) (common.Backend, error) {
	switch opts.Backend {
	case "", BackendAuto:
		return newAutoProvider(ctx, opts), nil
	case common.BackendPortal:
		return portal.NewProvider(ctx, opts.Reason), nil
	case common.BackendFreedesktop:
		return freedesktop.NewProvider(ctx, opts.AppName, opts.Reason), nil
	case common.BackendX11:
		return x11.NewProvider(opts.Display, opts.PollInterval), nil
	case common.BackendNone:
		return common.None{}, nil
	default:
		return nil, fmt.Errorf("unknown wake lock backend: %s", opts.Backend)
	}
}

// newAutoProvider probes the mechanisms that make sense for the current
// display server
func newAutoProvider(ctx context.Context, opts Options) *hybrid.Provider {
	log := zerolog.Ctx(ctx)
	server := DetectDisplayServer()

	candidates := []common.Backend{
		portal.NewProvider(ctx, opts.Reason),
		freedesktop.NewProvider(ctx, opts.AppName, opts.Reason),
	}
	if server == "x11" {
		candidates = append(candidates, x11.NewProvider(opts.Display, opts.PollInterval))
	}

	p := hybrid.NewProvider(candidates...)
	log.Debug().Str("display_server", server).Str("backends", p.Describe()).Msg("wake lock backends probed")
	return p
}

// NewVisibility builds the visibility watcher named by opts.Visibility
func NewVisibility(ctx context.Context, opts Options) (Watcher, error) {
	switch opts.Visibility {
	case "", SourceAuto:
		if w, err := logind.NewWatcher(ctx); err == nil {
			return w, nil
		}
		if DetectDisplayServer() == "x11" {
			if w, err := x11.NewWatcher(opts.Display, opts.PollInterval); err == nil {
				return w, nil
			}
		}
		return NewStatic(visibility.Visible), nil
	case SourceLogind:
		return logind.NewWatcher(ctx)
	case SourceX11:
		return x11.NewWatcher(opts.Display, opts.PollInterval)
	case SourceNone:
		return NewStatic(visibility.Visible), nil
	default:
		return nil, fmt.Errorf("unknown visibility source: %s", opts.Visibility)
	}
}

// Static is a Watcher that never changes
type Static struct {
	visibility.Static
}

// NewStatic returns a watcher fixed at state
func NewStatic(state visibility.State) *Static {
	return &Static{Static: visibility.Static(state)}
}

// Run blocks until ctx is done
func (s *Static) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *Static) Close() error { return nil }

// DetectDisplayServer reports "wayland", "x11" or "unknown"
func DetectDisplayServer() string {
	sessionType := os.Getenv("XDG_SESSION_TYPE")
	waylandDisplay := os.Getenv("WAYLAND_DISPLAY")
	x11Display := os.Getenv("DISPLAY")

	if sessionType == "wayland" || waylandDisplay != "" {
		return "wayland"
	}

	if sessionType == "x11" || x11Display != "" {
		return "x11"
	}

	return "unknown"
}
