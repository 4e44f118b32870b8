// Package portal holds the display awake through the XDG Desktop Portal.
// This works on Wayland with any compositor that ships a portal backend
// (GNOME, KDE, wlroots via xdg-desktop-portal-wlr, etc.).
package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/keepawake/keepawake/pkg/integrations/common"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

const (
	portalDest      = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	portalInterface = "org.freedesktop.portal.Inhibit"
	requestIface    = "org.freedesktop.portal.Request"

	// Inhibit flags of org.freedesktop.portal.Inhibit
	flagLogout     = 1
	flagUserSwitch = 2
	flagSuspend    = 4
	flagIdle       = 8
)

// Provider implements common.Backend using org.freedesktop.portal.Inhibit
type Provider struct {
	conn      *dbus.Conn
	supported bool
	version   uint32
	reason    string
	log       zerolog.Logger

	mu sync.Mutex
}

// NewProvider connects to the session bus and probes the portal.
// It returns a usable provider even if D-Bus is unavailable.
func NewProvider(ctx context.Context, reason string) *Provider {
	p := &Provider{
		reason: reason,
		log:    zerolog.Ctx(ctx).With().Str("backend", common.BackendPortal).Logger(),
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		p.log.Debug().Err(err).Msg("cannot connect to D-Bus session bus")
		return p
	}
	p.conn = conn

	obj := conn.Object(portalDest, portalPath)
	v, err := obj.GetProperty(portalInterface + ".version")
	if err != nil {
		p.log.Debug().Err(err).Msg("inhibit portal not available")
		return p
	}
	if version, ok := v.Value().(uint32); ok {
		p.version = version
	}

	p.supported = true
	p.log.Debug().Uint32("version", p.version).Msg("inhibit portal available")
	return p
}

func (p *Provider) Supported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supported
}

func (p *Provider) Name() string {
	return common.BackendPortal
}

// Priority prefers the portal: it is the only mechanism that works inside
// sandboxes and on every Wayland compositor
func (p *Provider) Priority() int {
	return 30
}

// Acquire calls Inhibit(window, flags, options) and watches the returned
// request object
func (p *Provider) Acquire(ctx context.Context, kind wakelock.Kind) (wakelock.Handle, error) {
	if kind != wakelock.KindScreen {
		return nil, fmt.Errorf("%w: %s", wakelock.ErrUnsupportedKind, kind)
	}
	p.mu.Lock()
	conn := p.conn
	supported := p.supported
	p.mu.Unlock()
	if !supported || conn == nil {
		return nil, wakelock.ErrUnsupported
	}

	options := map[string]dbus.Variant{
		"reason": dbus.MakeVariant(p.reason),
	}

	var requestPath dbus.ObjectPath
	err := conn.Object(portalDest, portalPath).CallWithContext(ctx,
		portalInterface+".Inhibit", 0,
		"",               // window identifier, empty for non-sandboxed
		uint32(flagIdle), // keep the display from idling
		options,
	).Store(&requestPath)
	if err != nil {
		return nil, fmt.Errorf("portal inhibit: %w", err)
	}

	h := &handle{
		BaseHandle: wakelock.NewBaseHandle(kind),
		conn:       conn,
		path:       requestPath,
		stop:       make(chan struct{}),
		log:        p.log,
	}
	if err := h.subscribe(); err != nil {
		p.log.Debug().Err(err).Msg("failed to watch inhibit request")
	} else {
		go h.watch()
	}

	p.log.Info().
		Str("request", string(requestPath)).
		Str("reason", p.reason).
		Msg("inhibit portal activated")

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
	conn *dbus.Conn
	path dbus.ObjectPath
	log  zerolog.Logger

	mu sync.Mutex
	// completed is true once the portal sent a Response; the request
	// object no longer exists then and must not be closed
	completed bool
	signals   chan *dbus.Signal

	stopOnce sync.Once
	stop     chan struct{}
}

func (h *handle) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(h.path),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
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

// watch waits for the Response signal on the request object. Some portals
// (GNOME in particular) answer immediately with success while keeping the
// inhibition, others answer only when the inhibition ends.
func (h *handle) watch() {
	defer func() {
		h.conn.RemoveSignal(h.signals)
		_ = h.conn.RemoveMatchSignal(h.matchOptions()...)
	}()
	h.receive(h.signals)
}

// receive handles signals until the Response arrives or the handle is released
func (h *handle) receive(signals <-chan *dbus.Signal) {
	for {
		select {
		case <-h.stop:
			return
		case sig, ok := <-signals:
			if !ok || sig == nil {
				return
			}
			if h.handleSignal(sig) {
				return
			}
		}
	}
}

// handleSignal records a Response for this request and reports whether it
// was one. The request object is gone after its Response.
func (h *handle) handleSignal(sig *dbus.Signal) bool {
	if sig.Path != h.path || sig.Name != requestIface+".Response" {
		return false
	}

	code := responseCode(sig.Body)
	h.mu.Lock()
	h.completed = true
	h.mu.Unlock()

	if reason, ended := responseReason(code); ended {
		h.log.Debug().Uint32("code", code).Msg("inhibit request ended by portal")
		h.MarkReleased(reason)
	}
	return true
}

// Release closes the request object unless the portal already completed it
func (h *handle) Release(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })

	if released, _ := h.Released(); released {
		return nil
	}

	h.mu.Lock()
	completed := h.completed
	h.mu.Unlock()

	if !completed {
		err := h.conn.Object(portalDest, h.path).CallWithContext(ctx, requestIface+".Close", 0).Err
		if err != nil && !requestGone(err) {
			return fmt.Errorf("portal close request: %w", err)
		}
	}

	h.log.Info().Msg("inhibit portal deactivated")
	h.MarkReleased("explicit")
	return nil
}

func responseCode(body []interface{}) uint32 {
	if len(body) == 0 {
		return 0
	}
	code, _ := body[0].(uint32)
	return code
}

// responseReason maps portal response codes. 0 means the request succeeded
// and the inhibition is still in effect.
func responseReason(code uint32) (string, bool) {
	switch code {
	case 0:
		return "", false
	case 1:
		return "inhibition cancelled by user", true
	default:
		return fmt.Sprintf("inhibition ended by portal (response %d)", code), true
	}
}

// requestGone reports errors meaning the request object was already removed,
// which happens when the Response arrived before the watcher subscribed
func requestGone(err error) bool {
	var name string
	var value dbus.Error
	var ptr *dbus.Error
	switch {
	case errors.As(err, &value):
		name = value.Name
	case errors.As(err, &ptr):
		name = ptr.Name
	default:
		return false
	}
	return name == "org.freedesktop.DBus.Error.UnknownObject" ||
		name == "org.freedesktop.DBus.Error.UnknownMethod"
}
