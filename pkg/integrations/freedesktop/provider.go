// Package freedesktop holds the display awake through the
// org.freedesktop.ScreenSaver D-Bus service (KDE, Xfce, GNOME via shim).
package freedesktop

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/keepawake/keepawake/pkg/integrations/common"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

const (
	serviceName  = "org.freedesktop.ScreenSaver"
	servicePath  = "/org/freedesktop/ScreenSaver"
	serviceIface = "org.freedesktop.ScreenSaver"

	busName  = "org.freedesktop.DBus"
	busIface = "org.freedesktop.DBus"
)

// Provider implements common.Backend with ScreenSaver.Inhibit/UnInhibit
type Provider struct {
	appName string
	reason  string
	log     zerolog.Logger

	mu        sync.Mutex
	conn      *dbus.Conn
	supported bool
}

// NewProvider connects to the session bus and checks that the screensaver
// service has an owner
func NewProvider(ctx context.Context, appName, reason string) *Provider {
	p := &Provider{
		appName: appName,
		reason:  reason,
		log:     zerolog.Ctx(ctx).With().Str("backend", common.BackendFreedesktop).Logger(),
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		p.log.Debug().Err(err).Msg("cannot connect to D-Bus session bus")
		return p
	}
	p.conn = conn

	var owned bool
	if err := conn.BusObject().Call(busIface+".NameHasOwner", 0, serviceName).Store(&owned); err != nil {
		p.log.Debug().Err(err).Msg("cannot query screensaver service owner")
		return p
	}
	p.supported = owned
	p.log.Debug().Bool("available", owned).Msg("screensaver service probed")
	return p
}

func (p *Provider) Supported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supported
}

func (p *Provider) Name() string {
	return common.BackendFreedesktop
}

func (p *Provider) Priority() int {
	return 20
}

// Acquire calls Inhibit(application_name, reason) and keeps the cookie
func (p *Provider) Acquire(ctx context.Context, kind wakelock.Kind) (wakelock.Handle, error) {
	if kind != wakelock.KindScreen {
		return nil, fmt.Errorf("%w: %s", wakelock.ErrUnsupportedKind, kind)
	}

	p.mu.Lock()
	conn, supported := p.conn, p.supported
	p.mu.Unlock()
	if !supported || conn == nil {
		return nil, wakelock.ErrUnsupported
	}

	var cookie uint32
	err := conn.Object(serviceName, servicePath).CallWithContext(ctx,
		serviceIface+".Inhibit", 0, p.appName, p.reason).Store(&cookie)
	if err != nil {
		return nil, fmt.Errorf("screensaver inhibit: %w", err)
	}

	h := &handle{
		BaseHandle: wakelock.NewBaseHandle(kind),
		conn:       conn,
		cookie:     cookie,
		stop:       make(chan struct{}),
	}
	if err := h.subscribe(); err != nil {
		p.log.Debug().Err(err).Msg("failed to watch screensaver service owner")
	} else {
		go h.watch()
	}

	p.log.Info().Uint32("cookie", cookie).Str("reason", p.reason).Msg("screensaver inhibited")
	return h, nil
}

// Close releases the D-Bus connection
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		p.supported = false
		return err
	}
	return nil
}

type handle struct {
	*wakelock.BaseHandle
	conn    *dbus.Conn
	cookie  uint32
	signals chan *dbus.Signal

	stopOnce sync.Once
	stop     chan struct{}
}

func (h *handle) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(busIface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, serviceName),
	}
}

func (h *handle) subscribe() error {
	if err := h.conn.AddMatchSignal(h.matchOptions()...); err != nil {
		return err
	}
	h.signals = make(chan *dbus.Signal, 4)
	h.conn.Signal(h.signals)
	return nil
}

// watch marks the handle released when the screensaver service loses its
// owner; every cookie it handed out is void then
func (h *handle) watch() {
	defer func() {
		h.conn.RemoveSignal(h.signals)
		_ = h.conn.RemoveMatchSignal(h.matchOptions()...)
	}()

	for {
		select {
		case <-h.stop:
			return
		case sig, ok := <-h.signals:
			if !ok || sig == nil {
				return
			}
			if sig.Name != busIface+".NameOwnerChanged" {
				continue
			}
			if ownerLost(sig.Body) {
				h.MarkReleased("screensaver service went away")
				return
			}
		}
	}
}

// Release calls UnInhibit(cookie)
func (h *handle) Release(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })

	if released, _ := h.Released(); released {
		return nil
	}

	err := h.conn.Object(serviceName, servicePath).CallWithContext(ctx,
		serviceIface+".UnInhibit", 0, h.cookie).Err
	if err != nil {
		return fmt.Errorf("screensaver uninhibit: %w", err)
	}
	h.MarkReleased("explicit")
	return nil
}

// ownerLost checks a NameOwnerChanged(name, old_owner, new_owner) body for
// the screensaver service losing its owner
func ownerLost(body []interface{}) bool {
	if len(body) < 3 {
		return false
	}
	name, _ := body[0].(string)
	newOwner, _ := body[2].(string)
	return name == serviceName && newOwner == ""
}
