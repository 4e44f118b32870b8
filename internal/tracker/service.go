package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/keepawake/keepawake/internal/config"
	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/logging"
	"github.com/keepawake/keepawake/internal/metrics"
	"github.com/keepawake/keepawake/internal/models"
	"github.com/keepawake/keepawake/pkg/visibility"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

// Provider is a wake lock backend with a name for the event log
type Provider interface {
	wakelock.Provider
	Name() string
}

// Status is the daemon's view of the wake lock
type Status struct {
	Running    bool      `json:"running"`
	Supported  bool      `json:"supported"`
	Backend    string    `json:"backend"`
	Active     bool      `json:"active"`
	Kind       string    `json:"kind,omitempty"`
	HandleID   string    `json:"handle_id,omitempty"`
	Released   string    `json:"released"` // "unknown", "held" or "released"
	Visibility string    `json:"visibility"`
	LastError  string    `json:"last_error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Service owns the wake lock controller. It records lock events, samples
// the lock state for reports and publishes metrics.
type Service struct {
	config     *config.Config
	repo       *database.Repository
	provider   Provider
	source     visibility.Source
	controller *wakelock.Controller
	log        zerolog.Logger
	ctx        context.Context

	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu           sync.Mutex
	lastKind     wakelock.Kind
	heldKind     wakelock.Kind
	lastErr      string
	requestStart time.Time
	// reacquiring is set by the controller between OnReacquire and the
	// OnRequest or OnError of the same operation
	reacquiring bool
}

func NewService(ctx context.Context, cfg *config.Config, repo *database.Repository, provider Provider, source visibility.Source) *Service {
	ctx = logging.WithComponent(ctx, "tracker")
	s := &Service{
		config:   cfg,
		repo:     repo,
		provider: provider,
		source:   source,
		log:      *logging.FromContext(ctx),
		ctx:      ctx,
		stopChan: make(chan struct{}),
	}
	if s.source == nil {
		s.source = visibility.Static(visibility.Visible)
	}

	s.controller = wakelock.New(ctx, provider, s.source, wakelock.Options{
		OnError:   s.onError,
		OnRequest:   s.onRequest,
		OnReacquire: s.onReacquire,
		OnRelease:   s.onRelease,
		OnDestroy: s.onDestroy,
	})
	return s
}

// Controller exposes the underlying wake lock controller
func (s *Service) Controller() *wakelock.Controller {
	return s.controller
}

func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("tracker is already running")
	}
	defer s.running.Store(false)

	s.log.Info().
		Str("backend", s.provider.Name()).
		Bool("supported", s.controller.IsSupported()).
		Dur("sample_interval", s.config.Tracker.SampleInterval).
		Msg("starting tracker")

	unsubscribe := s.source.Subscribe(s.onVisibilityChange)
	defer unsubscribe()

	if s.config.Lock.AutoRequest {
		s.Request(ctx, wakelock.Kind(s.config.Lock.Kind))
	}

	ticker := time.NewTicker(s.config.Tracker.SampleInterval)
	defer ticker.Stop()

	if err := s.sampleOnce(); err != nil {
		s.storeError("tracker", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("tracker stopped by context")
			s.shutdown()
			return ctx.Err()

		case <-s.stopChan:
			s.log.Info().Msg("tracker stopped")
			s.shutdown()
			return nil

		case <-ticker.C:
			if err := s.sampleOnce(); err != nil {
				s.storeError("tracker", err)
			}
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// shutdown drops a held lock so the display can sleep once the daemon exits
func (s *Service) shutdown() {
	if !s.controller.IsSupported() || !s.controller.Snapshot().Active {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	s.controller.Destroy(ctx)
}

// Request acquires a lock of kind, replacing any active one
func (s *Service) Request(ctx context.Context, kind wakelock.Kind) Status {
	if kind == "" {
		kind = wakelock.KindScreen
	}

	s.mu.Lock()
	s.lastKind = kind
	s.lastErr = ""
	s.requestStart = time.Now()
	s.mu.Unlock()

	s.recordEvent(models.ActionRequested, kind, "", "", "")

	if !s.controller.IsSupported() {
		s.setLastError(wakelock.ErrUnsupported)
		s.recordEvent(models.ActionFailed, kind, "", "", wakelock.ErrUnsupported.Error())
	}

	s.controller.Request(ctx, kind)

	return s.Status()
}

// Release asks the platform to drop the lock while keeping it tracked.
// It returns ErrNotRequested when no lock was active.
func (s *Service) Release(ctx context.Context) (Status, error) {
	if !s.controller.Release(ctx) {
		return s.Status(), wakelock.ErrNotRequested
	}
	return s.Status(), nil
}

// Destroy releases the lock and forgets it. It returns ErrNotRequested
// when no lock was active.
func (s *Service) Destroy(ctx context.Context) (Status, error) {
	if !s.controller.Destroy(ctx) {
		return s.Status(), wakelock.ErrNotRequested
	}
	return s.Status(), nil
}

// Status returns the current lock state
func (s *Service) Status() Status {
	snap := s.controller.Snapshot()

	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()

	return Status{
		Running:    s.IsRunning(),
		Supported:  snap.Supported,
		Backend:    s.provider.Name(),
		Active:     snap.Active,
		Kind:       string(snap.Kind),
		HandleID:   snap.HandleID,
		Released:   snap.Status.String(),
		Visibility: s.source.State().String(),
		LastError:  lastErr,
		CheckedAt:  time.Now(),
	}
}

func (s *Service) sampleOnce() error {
	snap := s.controller.Snapshot()
	held := snap.Active && snap.Status == wakelock.StatusHeld

	kind := string(snap.Kind)
	if kind == "" {
		kind = s.config.Lock.Kind
	}
	metrics.SetLockHeld(kind, held)

	sample := &models.StatusSample{
		Timestamp:  time.Now(),
		Kind:       string(snap.Kind),
		Backend:    s.provider.Name(),
		Status:     snap.Status.String(),
		Held:       held,
		Visibility: s.source.State().String(),
		Duration:   s.config.GetSampleIntervalSeconds(),
	}

	if err := s.repo.CreateSample(sample); err != nil {
		return fmt.Errorf("failed to save sample: %w", err)
	}

	s.log.Debug().Str("status", sample.Status).Str("visibility", sample.Visibility).Msg("sampled")
	return nil
}

func (s *Service) onRequest() {
	snap := s.controller.Snapshot()

	s.mu.Lock()
	started := s.requestStart
	reacquired := s.reacquiring
	s.reacquiring = false
	s.heldKind = snap.Kind
	s.lastErr = ""
	s.mu.Unlock()

	if reacquired {
		metrics.RecordReacquisition()
		s.log.Info().Str("handle", snap.HandleID).Msg("wake lock re-acquired")
	} else if !started.IsZero() {
		metrics.RecordAcquireDuration(s.provider.Name(), time.Since(started).Seconds())
	}

	metrics.SetLockHeld(string(snap.Kind), true)
	s.recordEvent(models.ActionAcquired, snap.Kind, snap.HandleID, "", "")
}

func (s *Service) onReacquire() {
	s.mu.Lock()
	s.reacquiring = true
	s.mu.Unlock()
}

func (s *Service) onRelease(ev wakelock.ReleaseEvent) {
	metrics.SetLockHeld(string(ev.Kind), false)
	s.log.Info().Str("handle", ev.HandleID).Str("reason", ev.Reason).Msg("wake lock released")
	s.recordEvent(models.ActionReleased, ev.Kind, ev.HandleID, ev.Reason, "")
}

func (s *Service) onDestroy() {
	s.mu.Lock()
	kind := s.heldKind
	s.mu.Unlock()

	s.recordEvent(models.ActionDestroyed, kind, "", "", "")
}

func (s *Service) onError(err error) {
	s.setLastError(err)

	s.mu.Lock()
	kind := s.lastKind
	if s.reacquiring {
		kind = wakelock.KindScreen
		s.reacquiring = false
	}
	s.mu.Unlock()

	s.recordEvent(models.ActionFailed, kind, "", "", err.Error())
	s.storeError("controller", err)
}

func (s *Service) onVisibilityChange() {
	state := s.source.State()
	metrics.RecordVisibilityChange(state.String())
	s.log.Debug().Str("visibility", state.String()).Msg("visibility changed")
}

func (s *Service) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Service) recordEvent(action string, kind wakelock.Kind, handleID, reason, errMsg string) {
	metrics.RecordLockEvent(action, string(kind))

	event := &models.LockEvent{
		Timestamp: time.Now(),
		Action:    action,
		Kind:      string(kind),
		Backend:   s.provider.Name(),
		HandleID:  handleID,
		Reason:    reason,
		ErrorMsg:  errMsg,
	}
	if err := s.repo.CreateEvent(event); err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("failed to store lock event")
	}
}

func (s *Service) storeError(source string, err error) {
	metrics.RecordError(source)

	errorLog := &models.ErrorLog{
		Timestamp: time.Now(),
		Source:    source,
		ErrorMsg:  err.Error(),
	}

	if dbErr := s.repo.CreateErrorLog(errorLog); dbErr != nil {
		s.log.Error().Err(errors.Join(dbErr, err)).Msg("failed to store error in database")
	} else {
		s.log.Warn().Err(err).Msg("error logged to database")
	}
}
