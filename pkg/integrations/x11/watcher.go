package x11

import (
	"context"
	"fmt"
	"time"

	"github.com/jezek/xgb/screensaver"
	"github.com/jezek/xgb/xproto"

	"github.com/keepawake/keepawake/pkg/visibility"
)

// Watcher reports the display as hidden while the X screensaver is active.
// It polls the MIT-SCREEN-SAVER extension.
type Watcher struct {
	*visibility.Broadcaster
	client   *client
	interval time.Duration
}

// NewWatcher connects to the display and reads the initial state
func NewWatcher(display string, interval time.Duration) (*Watcher, error) {
	if interval <= 0 {
		interval = time.Second
	}

	c, err := dial(display)
	if err != nil {
		return nil, err
	}
	if err := screensaver.Init(c.conn); err != nil {
		c.close()
		return nil, fmt.Errorf("MIT-SCREEN-SAVER extension unavailable: %w", err)
	}

	w := &Watcher{
		Broadcaster: visibility.NewBroadcaster(visibility.Unknown),
		client:      c,
		interval:    interval,
	}
	if err := w.poll(); err != nil {
		c.close()
		return nil, err
	}
	return w, nil
}

// Run polls until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.poll(); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) poll() error {
	reply, err := screensaver.QueryInfo(w.client.conn, xproto.Drawable(w.client.root)).Reply()
	if err != nil {
		return fmt.Errorf("failed to query screensaver state: %w", err)
	}
	w.Set(stateFromSaver(reply.State))
	return nil
}

// Close closes the X connection
func (w *Watcher) Close() error {
	w.client.close()
	return nil
}

// stateFromSaver maps MIT-SCREEN-SAVER states to visibility
func stateFromSaver(state byte) visibility.State {
	switch state {
	case screensaver.StateOn, screensaver.StateCycle:
		return visibility.Hidden
	case screensaver.StateOff, screensaver.StateDisabled:
		return visibility.Visible
	default:
		return visibility.Unknown
	}
}
