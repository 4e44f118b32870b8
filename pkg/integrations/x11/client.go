package x11

import (
	"fmt"
	"os"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
)

// client is a connection to the X server and its default root window
type client struct {
	conn *xgb.Conn
	root xproto.Window
}

// displayName resolves the display to connect to
func displayName(display string) string {
	if display != "" {
		return display
	}
	return os.Getenv("DISPLAY")
}

func dial(display string) (*client, error) {
	name := displayName(display)
	if name == "" {
		return nil, fmt.Errorf("no X11 display configured (DISPLAY is empty)")
	}

	conn, err := xgb.NewConnDisplay(name)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X11 display %s: %w", name, err)
	}

	setup := xproto.Setup(conn)
	return &client{
		conn: conn,
		root: setup.DefaultScreen(conn).Root,
	}, nil
}

// saverSettings are the core protocol screensaver parameters
type saverSettings struct {
	Timeout        uint16
	Interval       uint16
	PreferBlanking byte
	AllowExposures byte
}

func (c *client) saverSettings() (saverSettings, error) {
	reply, err := xproto.GetScreenSaver(c.conn).Reply()
	if err != nil {
		return saverSettings{}, fmt.Errorf("failed to get screensaver settings: %w", err)
	}
	return saverSettings{
		Timeout:        reply.Timeout,
		Interval:       reply.Interval,
		PreferBlanking: reply.PreferBlanking,
		AllowExposures: reply.AllowExposures,
	}, nil
}

func (c *client) setSaverSettings(s saverSettings) error {
	err := xproto.SetScreenSaverChecked(c.conn,
		int16(s.Timeout), int16(s.Interval), s.PreferBlanking, s.AllowExposures).Check()
	if err != nil {
		return fmt.Errorf("failed to set screensaver settings: %w", err)
	}
	return nil
}

// resetIdle restarts the server's idle timer, waking a blanked display
func (c *client) resetIdle() {
	xproto.ForceScreenSaver(c.conn, xproto.ScreenSaverReset)
}

func (c *client) close() {
	c.conn.Close()
}

// disabled returns the settings with the timeout switched off
func (s saverSettings) disabled() saverSettings {
	s.Timeout = 0
	return s
}
