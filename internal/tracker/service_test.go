package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepawake/keepawake/internal/config"
	"github.com/keepawake/keepawake/internal/database"
	"github.com/keepawake/keepawake/internal/metrics"
	"github.com/keepawake/keepawake/internal/models"
	"github.com/keepawake/keepawake/pkg/visibility"
	"github.com/keepawake/keepawake/pkg/wakelock"
)

type fakeHandle struct {
	*wakelock.BaseHandle
	releaseErr error
}

func (h *fakeHandle) Release(ctx context.Context) error {
	if h.releaseErr != nil {
		return h.releaseErr
	}
	h.MarkReleased("explicit")
	return nil
}

type fakeProvider struct {
	supported  bool
	acquireErr error

	mu      sync.Mutex
	handles []*fakeHandle
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Supported() bool { return p.supported }

func (p *fakeProvider) Acquire(ctx context.Context, kind wakelock.Kind) (wakelock.Handle, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	h := &fakeHandle{BaseHandle: wakelock.NewBaseHandle(kind)}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *fakeProvider) acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *fakeProvider) last() *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[len(p.handles)-1]
}

type fixture struct {
	svc      *Service
	repo     *database.Repository
	provider *fakeProvider
	source   *visibility.Broadcaster
	cfg      *config.Config
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	db, err := database.Connect(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize())

	cfg := config.Default()
	cfg.Lock.AutoRequest = false
	repo := database.NewRepository(db)
	source := visibility.NewBroadcaster(visibility.Visible)

	return &fixture{
		svc:      NewService(context.Background(), cfg, repo, provider, source),
		repo:     repo,
		provider: provider,
		source:   source,
		cfg:      cfg,
	}
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	events, err := f.repo.GetEventsSince(time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)

	// stored newest first
	actions := make([]string, len(events))
	for i, ev := range events {
		actions[len(events)-1-i] = ev.Action
	}
	return actions
}

func TestRequestRecordsAcquisition(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})

	status := f.svc.Request(context.Background(), "")

	assert.True(t, status.Supported)
	assert.True(t, status.Active)
	assert.Equal(t, "screen", status.Kind)
	assert.Equal(t, "held", status.Released)
	assert.Equal(t, "visible", status.Visibility)
	assert.Equal(t, "fake", status.Backend)
	assert.Equal(t, f.provider.last().ID(), status.HandleID)
	assert.Empty(t, status.LastError)

	assert.Equal(t, []string{models.ActionRequested, models.ActionAcquired}, f.actions(t))

	latest, err := f.repo.GetLatestEvent()
	require.NoError(t, err)
	assert.Equal(t, status.HandleID, latest.HandleID)
	assert.Equal(t, "fake", latest.Backend)
}

func TestReleaseKeepsHandle(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})
	f.svc.Request(context.Background(), wakelock.KindScreen)

	status, err := f.svc.Release(context.Background())
	require.NoError(t, err)

	assert.True(t, status.Active)
	assert.Equal(t, "released", status.Released)

	latest, err := f.repo.GetLatestEvent()
	require.NoError(t, err)
	assert.Equal(t, models.ActionReleased, latest.Action)
	assert.Equal(t, "explicit", latest.Reason)
}

func TestDestroyForgetsHandle(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})
	f.svc.Request(context.Background(), wakelock.KindScreen)

	status, err := f.svc.Destroy(context.Background())
	require.NoError(t, err)

	assert.False(t, status.Active)
	assert.Equal(t, []string{
		models.ActionRequested,
		models.ActionAcquired,
		models.ActionReleased,
		models.ActionDestroyed,
	}, f.actions(t))

	latest, err := f.repo.GetLatestEvent()
	require.NoError(t, err)
	assert.Equal(t, "screen", latest.Kind)
}

func TestReleaseAndDestroyBeforeRequest(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})

	_, err := f.svc.Release(context.Background())
	assert.ErrorIs(t, err, wakelock.ErrNotRequested)

	_, err = f.svc.Destroy(context.Background())
	assert.ErrorIs(t, err, wakelock.ErrNotRequested)

	assert.Empty(t, f.actions(t))
}

func TestRequestUnsupported(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: false})

	status := f.svc.Request(context.Background(), wakelock.KindScreen)

	assert.False(t, status.Supported)
	assert.False(t, status.Active)
	assert.Equal(t, "unknown", status.Released)
	assert.Equal(t, wakelock.ErrUnsupported.Error(), status.LastError)
	assert.Equal(t, []string{models.ActionRequested, models.ActionFailed}, f.actions(t))
	assert.Zero(t, f.provider.acquired())
}

func TestRequestFailureStoresError(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true, acquireErr: errors.New("inhibit refused")})
	since := time.Now().Add(-time.Minute)

	status := f.svc.Request(context.Background(), wakelock.KindScreen)

	assert.False(t, status.Active)
	assert.Equal(t, "inhibit refused", status.LastError)
	assert.Equal(t, []string{models.ActionRequested, models.ActionFailed}, f.actions(t))

	logs, err := f.repo.GetErrorLogsSince(since)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "controller", logs[0].Source)
	assert.Equal(t, "inhibit refused", logs[0].ErrorMsg)
}

func TestReacquireOnVisibilityReturn(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})
	before := testutil.ToFloat64(metrics.Reacquisitions)

	f.svc.Request(context.Background(), wakelock.KindScreen)
	first := f.provider.last()

	f.source.Set(visibility.Hidden)
	first.MarkReleased("display blanked")
	assert.Equal(t, "released", f.svc.Status().Released)

	f.source.Set(visibility.Visible)

	require.Equal(t, 2, f.provider.acquired())
	status := f.svc.Status()
	assert.Equal(t, "held", status.Released)
	assert.Equal(t, f.provider.last().ID(), status.HandleID)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Reacquisitions))

	assert.Equal(t, []string{
		models.ActionRequested,
		models.ActionAcquired,
		models.ActionReleased,
		models.ActionDestroyed,
		models.ActionAcquired,
	}, f.actions(t))
}

func TestRequestAfterReacquisitionIsNotCountedAsOne(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})

	f.svc.Request(context.Background(), wakelock.KindScreen)
	f.provider.last().MarkReleased("display blanked")
	f.source.Set(visibility.Hidden)
	f.source.Set(visibility.Visible)
	require.Equal(t, 2, f.provider.acquired())
	after := testutil.ToFloat64(metrics.Reacquisitions)

	f.svc.Request(context.Background(), wakelock.KindScreen)

	assert.Equal(t, 3, f.provider.acquired())
	assert.Equal(t, after, testutil.ToFloat64(metrics.Reacquisitions))
}

func TestFailedReacquisitionRecordsFailure(t *testing.T) {
	provider := &fakeProvider{supported: true}
	f := newFixture(t, provider)
	before := testutil.ToFloat64(metrics.Reacquisitions)

	f.svc.Request(context.Background(), wakelock.KindScreen)
	provider.last().MarkReleased("display blanked")
	provider.acquireErr = errors.New("inhibit refused")

	f.source.Set(visibility.Hidden)
	f.source.Set(visibility.Visible)

	assert.Equal(t, []string{
		models.ActionRequested,
		models.ActionAcquired,
		models.ActionReleased,
		models.ActionDestroyed,
		models.ActionFailed,
	}, f.actions(t))
	assert.Equal(t, "inhibit refused", f.svc.Status().LastError)
	assert.Equal(t, before, testutil.ToFloat64(metrics.Reacquisitions))

	// the failed re-acquisition must not label the next request
	provider.acquireErr = nil
	status := f.svc.Request(context.Background(), wakelock.KindScreen)
	assert.True(t, status.Active)
	assert.Equal(t, before, testutil.ToFloat64(metrics.Reacquisitions))
}

func TestReleaseAndDestroyAfterRequest(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})
	f.svc.Request(context.Background(), wakelock.KindScreen)

	_, err := f.svc.Release(context.Background())
	assert.NoError(t, err)

	// the handle is still tracked after a release
	_, err = f.svc.Destroy(context.Background())
	assert.NoError(t, err)

	_, err = f.svc.Destroy(context.Background())
	assert.ErrorIs(t, err, wakelock.ErrNotRequested)
}

func TestStartSamplesAndDestroysOnStop(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})
	f.cfg.Lock.AutoRequest = true
	since := time.Now().Add(-time.Minute)

	done := make(chan error, 1)
	go func() { done <- f.svc.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		samples, err := f.repo.GetSamplesSince(since)
		return err == nil && len(samples) > 0
	}, time.Second, 10*time.Millisecond)

	assert.True(t, f.svc.IsRunning())
	assert.Error(t, f.svc.Start(context.Background()))

	samples, err := f.repo.GetSamplesSince(since)
	require.NoError(t, err)
	assert.True(t, samples[0].Held)
	assert.Equal(t, "held", samples[0].Status)
	assert.Equal(t, int64(10), samples[0].Duration)

	f.svc.Stop()
	f.svc.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop")
	}

	assert.False(t, f.svc.IsRunning())
	assert.False(t, f.svc.Status().Active)

	latest, err := f.repo.GetLatestEvent()
	require.NoError(t, err)
	assert.Equal(t, models.ActionDestroyed, latest.Action)
}

func TestStartStopsWithContext(t *testing.T) {
	f := newFixture(t, &fakeProvider{supported: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.svc.Start(ctx), context.Canceled)
	assert.False(t, f.svc.IsRunning())
}
