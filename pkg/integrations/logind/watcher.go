// Package logind reports the display as hidden while the login session is
// locked, using systemd-logind on the system bus.
package logind

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/keepawake/keepawake/pkg/visibility"
)

const (
	logindDest   = "org.freedesktop.login1"
	managerPath  = "/org/freedesktop/login1"
	managerIface = "org.freedesktop.login1.Manager"
	sessionIface = "org.freedesktop.login1.Session"

	propertiesIface   = "org.freedesktop.DBus.Properties"
	propertiesChanged = propertiesIface + ".PropertiesChanged"
	lockedHintProp    = "LockedHint"

	autoSessionPath = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
)

// Watcher feeds the session's lock state into a visibility.Broadcaster.
// Screen lockers only update LockedHint; Lock/Unlock signals are sent for
// lock requests such as loginctl lock-session.
type Watcher struct {
	*visibility.Broadcaster
	conn    *dbus.Conn
	session dbus.ObjectPath
	signals chan *dbus.Signal
}

// NewWatcher connects to the system bus, resolves the session of this
// process and reads its LockedHint
func NewWatcher(ctx context.Context) (*Watcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to D-Bus system bus: %w", err)
	}

	session, err := resolveSession(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	w := &Watcher{
		Broadcaster: visibility.NewBroadcaster(visibility.Unknown),
		conn:        conn,
		session:     session,
	}

	locked, err := w.lockedHint(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	w.Set(stateForLocked(locked))

	for _, rule := range w.matchRules() {
		if err := conn.AddMatchSignal(rule...); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to watch session signals: %w", err)
		}
	}
	w.signals = make(chan *dbus.Signal, 8)
	conn.Signal(w.signals)

	return w, nil
}

// resolveSession finds the object path of the session this process runs
// in. Signals carry the real path, never the "auto" alias, so the alias is
// resolved through the session Id.
func resolveSession(ctx context.Context, conn *dbus.Conn) (dbus.ObjectPath, error) {
	manager := conn.Object(logindDest, managerPath)

	var path dbus.ObjectPath
	err := manager.CallWithContext(ctx,
		managerIface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path)
	if err == nil && path.IsValid() {
		return path, nil
	}

	var id dbus.Variant
	err = conn.Object(logindDest, autoSessionPath).CallWithContext(ctx,
		propertiesIface+".Get", 0, sessionIface, "Id").Store(&id)
	if err != nil {
		return "", fmt.Errorf("failed to resolve login session: %w", err)
	}
	sessionID, _ := id.Value().(string)
	if sessionID == "" {
		return "", fmt.Errorf("failed to resolve login session: empty session id")
	}

	err = manager.CallWithContext(ctx, managerIface+".GetSession", 0, sessionID).Store(&path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve login session %s: %w", sessionID, err)
	}
	if !path.IsValid() {
		return "", fmt.Errorf("failed to resolve login session %s: invalid path %q", sessionID, path)
	}
	return path, nil
}

func (w *Watcher) lockedHint(ctx context.Context) (bool, error) {
	var v dbus.Variant
	err := w.conn.Object(logindDest, w.session).CallWithContext(ctx,
		propertiesIface+".Get", 0, sessionIface, lockedHintProp).Store(&v)
	if err != nil {
		return false, fmt.Errorf("failed to read LockedHint of %s: %w", w.session, err)
	}
	locked, _ := v.Value().(bool)
	return locked, nil
}

func (w *Watcher) matchRules() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchObjectPath(w.session),
			dbus.WithMatchInterface(sessionIface),
		},
		{
			dbus.WithMatchObjectPath(w.session),
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchArg(0, sessionIface),
		},
	}
}

// Run delivers lock state changes until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-w.signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			if sig != nil {
				w.apply(ctx, sig)
			}
		}
	}
}

func (w *Watcher) apply(ctx context.Context, sig *dbus.Signal) {
	if sig.Path != w.session {
		return
	}
	if state, ok := stateForSignal(sig.Name); ok {
		w.Set(state)
		return
	}
	if sig.Name != propertiesChanged {
		return
	}

	locked, changed, invalidated := lockedHintChange(sig.Body)
	switch {
	case changed:
		w.Set(stateForLocked(locked))
	case invalidated:
		locked, err := w.lockedHint(ctx)
		if err != nil {
			return
		}
		w.Set(stateForLocked(locked))
	}
}

// Close drops the subscription and the bus connection
func (w *Watcher) Close() error {
	if w.signals != nil {
		w.conn.RemoveSignal(w.signals)
		for _, rule := range w.matchRules() {
			_ = w.conn.RemoveMatchSignal(rule...)
		}
	}
	return w.conn.Close()
}

func stateForLocked(locked bool) visibility.State {
	if locked {
		return visibility.Hidden
	}
	return visibility.Visible
}

func stateForSignal(name string) (visibility.State, bool) {
	switch name {
	case sessionIface + ".Lock":
		return visibility.Hidden, true
	case sessionIface + ".Unlock":
		return visibility.Visible, true
	default:
		return visibility.Unknown, false
	}
}

// lockedHintChange reads LockedHint from a PropertiesChanged(interface,
// changed, invalidated) body. invalidated is true when the new value was
// not sent along.
func lockedHintChange(body []interface{}) (locked, changed, invalidated bool) {
	if len(body) < 2 {
		return false, false, false
	}
	if iface, _ := body[0].(string); iface != sessionIface {
		return false, false, false
	}

	if props, ok := body[1].(map[string]dbus.Variant); ok {
		if v, ok := props[lockedHintProp]; ok {
			locked, ok = v.Value().(bool)
			return locked, ok, false
		}
	}

	if len(body) > 2 {
		names, _ := body[2].([]string)
		for _, name := range names {
			if name == lockedHintProp {
				return false, false, true
			}
		}
	}
	return false, false, false
}
