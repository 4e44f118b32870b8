package wakelock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepawake/keepawake/pkg/visibility"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeHandle struct {
	*BaseHandle
	n          int
	log        *callLog
	releaseErr error
	flagHidden bool
	releasedAt bool
}

func (h *fakeHandle) Release(ctx context.Context) error {
	h.log.add("release:%d", h.n)
	if h.releaseErr != nil {
		return h.releaseErr
	}
	h.MarkReleased("explicit")
	return nil
}

func (h *fakeHandle) Released() (bool, bool) {
	if h.flagHidden {
		return false, false
	}
	if h.releasedAt {
		return true, true
	}
	return h.BaseHandle.Released()
}

type fakeProvider struct {
	supported  bool
	acquireErr error
	log        *callLog

	// configure applies to each new handle before it is returned
	configure func(h *fakeHandle)

	mu      sync.Mutex
	handles []*fakeHandle
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{supported: true, log: &callLog{}}
}

func (p *fakeProvider) Supported() bool { return p.supported }

func (p *fakeProvider) Acquire(ctx context.Context, kind Kind) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.handles) + 1
	p.log.add("acquire:%d:%s", n, kind)
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	h := &fakeHandle{BaseHandle: NewBaseHandle(kind), n: n, log: p.log}
	if p.configure != nil {
		p.configure(h)
	}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakeProvider) acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *fakeProvider) handle(i int) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[i]
}

type recorder struct {
	mu         sync.Mutex
	errs       []error
	requests   int
	reacquires int
	releases   []ReleaseEvent
	destroys   int
}

func (r *recorder) options() Options {
	return Options{
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnRequest: func() {
			r.mu.Lock()
			r.requests++
			r.mu.Unlock()
		},
		OnReacquire: func() {
			r.mu.Lock()
			r.reacquires++
			r.mu.Unlock()
		},
		OnRelease: func(ev ReleaseEvent) {
			r.mu.Lock()
			r.releases = append(r.releases, ev)
			r.mu.Unlock()
		},
		OnDestroy: func() {
			r.mu.Lock()
			r.destroys++
			r.mu.Unlock()
		},
	}
}

type fixture struct {
	ctx        context.Context
	logs       *bytes.Buffer
	provider   *fakeProvider
	visibility *visibility.Broadcaster
	rec        *recorder
	ctrl       *Controller
}

func newFixture(t *testing.T, setup ...func(p *fakeProvider)) *fixture {
	t.Helper()

	logs := &bytes.Buffer{}
	logger := zerolog.New(logs).Level(zerolog.DebugLevel)
	ctx := logger.WithContext(context.Background())

	provider := newFakeProvider()
	for _, fn := range setup {
		fn(provider)
	}
	source := visibility.NewBroadcaster(visibility.Visible)
	rec := &recorder{}

	return &fixture{
		ctx:        ctx,
		logs:       logs,
		provider:   provider,
		visibility: source,
		rec:        rec,
		ctrl:       New(ctx, provider, source, rec.options()),
	}
}

func TestUnsupportedEnvironment(t *testing.T) {
	f := newFixture(t, func(p *fakeProvider) { p.supported = false })

	assert.NotPanics(t, func() {
		f.ctrl.Request(f.ctx)
		assert.False(t, f.ctrl.Release(f.ctx))
		assert.False(t, f.ctrl.Destroy(f.ctx))
	})

	assert.False(t, f.ctrl.IsSupported())
	assert.Empty(t, f.provider.log.all())
	assert.Equal(t, StatusUnknown, f.ctrl.Released())
	_, ok := f.ctrl.Type()
	assert.False(t, ok)
	assert.Zero(t, f.visibility.Subscribers())
	assert.Contains(t, f.logs.String(), "not supported")
	assert.Empty(t, f.rec.errs)
}

func TestNilProviderIsUnsupported(t *testing.T) {
	ctrl := New(context.Background(), nil, nil, Options{})
	ctrl.Request(context.Background())

	assert.False(t, ctrl.IsSupported())
	assert.Equal(t, StatusUnknown, ctrl.Released())
}

func TestReleaseAndDestroyBeforeRequest(t *testing.T) {
	tests := []struct {
		name string
		op   func(c *Controller, ctx context.Context) bool
		want string
	}{
		{"release", (*Controller).Release, "release before request has no effect"},
		{"destroy", (*Controller).Destroy, "destroy before request has no effect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			assert.False(t, tt.op(f.ctrl, f.ctx))

			assert.Empty(t, f.provider.log.all())
			assert.Contains(t, f.logs.String(), tt.want)
			assert.Zero(t, f.rec.destroys)
			assert.Equal(t, StatusUnknown, f.ctrl.Released())
		})
	}
}

func TestRequestSucceeds(t *testing.T) {
	f := newFixture(t)

	f.ctrl.Request(f.ctx, KindScreen)

	kind, ok := f.ctrl.Type()
	require.True(t, ok)
	assert.Equal(t, KindScreen, kind)
	assert.Equal(t, StatusHeld, f.ctrl.Released())
	assert.Equal(t, 1, f.rec.requests)
	assert.Empty(t, f.rec.errs)
	assert.Equal(t, 1, f.visibility.Subscribers())

	snap := f.ctrl.Snapshot()
	assert.True(t, snap.Supported)
	assert.True(t, snap.Active)
	assert.Equal(t, f.provider.handle(0).ID(), snap.HandleID)
}

func TestRequestDefaultsToScreen(t *testing.T) {
	f := newFixture(t)

	f.ctrl.Request(f.ctx)
	f.ctrl.Request(f.ctx, "")

	assert.Equal(t, []string{"acquire:1:screen", "release:1", "acquire:2:screen"}, f.provider.log.all())
}

func TestRequestFailure(t *testing.T) {
	refused := errors.New("NotAllowedError: page not visible")
	f := newFixture(t, func(p *fakeProvider) { p.acquireErr = refused })

	f.ctrl.Request(f.ctx)

	require.Len(t, f.rec.errs, 1)
	assert.ErrorIs(t, f.rec.errs[0], refused)
	_, ok := f.ctrl.Type()
	assert.False(t, ok)
	assert.Equal(t, StatusUnknown, f.ctrl.Released())
	assert.Zero(t, f.rec.requests)
	assert.Zero(t, f.visibility.Subscribers())
}

func TestRequestFailureKeepsPriorStatus(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)
	f.ctrl.Destroy(f.ctx)
	require.Equal(t, StatusReleased, f.ctrl.Released())

	f.provider.acquireErr = errors.New("refused")
	f.ctrl.Request(f.ctx)

	assert.Equal(t, StatusReleased, f.ctrl.Released())
	assert.Len(t, f.rec.errs, 1)
}

func TestRequestTwiceTearsDownFirst(t *testing.T) {
	f := newFixture(t)

	f.ctrl.Request(f.ctx)
	f.ctrl.Request(f.ctx)

	assert.Equal(t, []string{"acquire:1:screen", "release:1", "acquire:2:screen"}, f.provider.log.all())
	assert.Equal(t, 1, f.visibility.Subscribers())
	assert.Equal(t, 1, f.rec.destroys)
	assert.Equal(t, 2, f.rec.requests)
	assert.Equal(t, f.provider.handle(1).ID(), f.ctrl.Snapshot().HandleID)
	assert.Equal(t, StatusHeld, f.ctrl.Released())
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)

	assert.True(t, f.ctrl.Destroy(f.ctx))

	assert.Equal(t, []string{"acquire:1:screen", "release:1"}, f.provider.log.all())
	assert.Zero(t, f.visibility.Subscribers())
	_, ok := f.ctrl.Type()
	assert.False(t, ok)
	assert.Equal(t, 1, f.rec.destroys)
	assert.Equal(t, StatusReleased, f.ctrl.Released())

	assert.False(t, f.ctrl.Destroy(f.ctx))
	assert.Equal(t, 1, f.rec.destroys)
	assert.Contains(t, f.logs.String(), "destroy before request has no effect")
}

func TestDestroyReleaseFailureKeepsHandle(t *testing.T) {
	busFailure := errors.New("bus closed")
	f := newFixture(t, func(p *fakeProvider) {
		p.configure = func(h *fakeHandle) { h.releaseErr = busFailure }
	})
	f.ctrl.Request(f.ctx)

	f.ctrl.Destroy(f.ctx)

	_, ok := f.ctrl.Type()
	assert.True(t, ok)
	assert.Equal(t, 1, f.visibility.Subscribers())
	assert.Zero(t, f.rec.destroys)
	require.Len(t, f.rec.errs, 1)
	assert.ErrorIs(t, f.rec.errs[0], busFailure)
}

func TestReleaseKeepsHandleAndSubscription(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)

	assert.True(t, f.ctrl.Release(f.ctx))

	kind, ok := f.ctrl.Type()
	assert.True(t, ok)
	assert.Equal(t, KindScreen, kind)
	assert.Equal(t, StatusReleased, f.ctrl.Released())
	assert.Equal(t, 1, f.visibility.Subscribers())
	assert.Zero(t, f.rec.destroys)
	require.Len(t, f.rec.releases, 1)
	assert.Equal(t, "explicit", f.rec.releases[0].Reason)
}

func TestPlatformReleaseThenVisibleReacquires(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)

	f.visibility.Set(visibility.Hidden)
	f.provider.handle(0).MarkReleased("page hidden")
	require.Equal(t, StatusReleased, f.ctrl.Released())

	f.visibility.Set(visibility.Visible)

	assert.Equal(t, 2, f.provider.acquired())
	assert.Equal(t, StatusHeld, f.ctrl.Released())
	assert.Equal(t, 1, f.visibility.Subscribers())
	assert.Equal(t, f.provider.handle(1).ID(), f.ctrl.Snapshot().HandleID)
	assert.Equal(t, 1, f.rec.reacquires)
	assert.Equal(t, 2, f.rec.requests)
	require.Len(t, f.rec.releases, 1)
	assert.Equal(t, "page hidden", f.rec.releases[0].Reason)
}

func TestFailedReacquisitionReportsError(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)
	f.provider.handle(0).MarkReleased("revoked")

	refused := errors.New("refused")
	f.provider.mu.Lock()
	f.provider.acquireErr = refused
	f.provider.mu.Unlock()

	f.visibility.Set(visibility.Hidden)
	f.visibility.Set(visibility.Visible)

	assert.Equal(t, 1, f.rec.reacquires)
	assert.Equal(t, 1, f.rec.requests)
	require.Len(t, f.rec.errs, 1)
	assert.ErrorIs(t, f.rec.errs[0], refused)
	_, ok := f.ctrl.Type()
	assert.False(t, ok)
	assert.Zero(t, f.visibility.Subscribers())
}

func TestVisibleWhileHeldDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)

	f.visibility.Set(visibility.Hidden)
	f.visibility.Set(visibility.Visible)

	assert.Equal(t, 1, f.provider.acquired())
	assert.Equal(t, StatusHeld, f.ctrl.Released())
	assert.Zero(t, f.rec.reacquires)
}

func TestHiddenChangeDoesNotReacquire(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)
	f.provider.handle(0).MarkReleased("revoked")

	f.visibility.Set(visibility.Hidden)

	assert.Equal(t, 1, f.provider.acquired())
}

func TestVisibleAfterDestroyDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)
	f.ctrl.Destroy(f.ctx)

	f.visibility.Set(visibility.Hidden)
	f.visibility.Set(visibility.Visible)

	assert.Equal(t, 1, f.provider.acquired())
}

func TestExplicitReleaseThenVisibleReacquires(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)
	f.ctrl.Release(f.ctx)

	f.visibility.Set(visibility.Hidden)
	f.visibility.Set(visibility.Visible)

	assert.Equal(t, 2, f.provider.acquired())
	assert.Equal(t, StatusHeld, f.ctrl.Released())
}

func TestUnreadableReleasedFlag(t *testing.T) {
	f := newFixture(t, func(p *fakeProvider) {
		p.configure = func(h *fakeHandle) { h.flagHidden = true }
	})

	f.ctrl.Request(f.ctx)
	assert.Equal(t, StatusHeld, f.ctrl.Released())

	f.provider.handle(0).MarkReleased("revoked")
	assert.Equal(t, StatusReleased, f.ctrl.Released())

	f.visibility.Set(visibility.Hidden)
	f.visibility.Set(visibility.Visible)
	assert.Equal(t, 1, f.provider.acquired())
}

func TestReleasedImmediatelyAfterAcquire(t *testing.T) {
	f := newFixture(t, func(p *fakeProvider) {
		p.configure = func(h *fakeHandle) { h.releasedAt = true }
	})

	f.ctrl.Request(f.ctx)

	assert.Equal(t, StatusReleased, f.ctrl.Released())
	_, ok := f.ctrl.Type()
	assert.True(t, ok)
}

func TestSupersededHandleDoesNotOverwriteStatus(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Request(f.ctx)
	first := f.provider.handle(0)
	f.ctrl.Request(f.ctx)
	require.Equal(t, StatusHeld, f.ctrl.Released())

	// a late notification from the first handle is ignored
	first.BaseHandle.released = false
	first.MarkReleased("late")

	assert.Equal(t, StatusHeld, f.ctrl.Released())
}

func TestConcurrentRequestsLeaveOneHandle(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.ctrl.Request(f.ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, f.provider.acquired())
	assert.Equal(t, 1, f.visibility.Subscribers())
	assert.Equal(t, 15, f.rec.destroys)

	held := 0
	for i := 0; i < 16; i++ {
		if released, _ := f.provider.handle(i).Released(); !released {
			held++
		}
	}
	assert.Equal(t, 1, held)
}

func TestStatusReleased(t *testing.T) {
	tests := []struct {
		status       Status
		wantReleased bool
		wantKnown    bool
		wantString   string
	}{
		{StatusUnknown, false, false, "unknown"},
		{StatusHeld, false, true, "held"},
		{StatusReleased, true, true, "released"},
	}

	for _, tt := range tests {
		t.Run(tt.wantString, func(t *testing.T) {
			released, known := tt.status.Released()
			assert.Equal(t, tt.wantReleased, released)
			assert.Equal(t, tt.wantKnown, known)
			assert.Equal(t, tt.wantString, tt.status.String())
		})
	}
}

func TestBaseHandleMarkReleasedOnce(t *testing.T) {
	h := NewBaseHandle(KindScreen)
	calls := 0
	h.OnRelease(func(ev ReleaseEvent) {
		calls++
		assert.Equal(t, h.ID(), ev.HandleID)
		assert.Equal(t, KindScreen, ev.Kind)
	})

	assert.True(t, h.MarkReleased("first"))
	assert.False(t, h.MarkReleased("second"))
	assert.Equal(t, 1, calls)

	released, ok := h.Released()
	assert.True(t, released)
	assert.True(t, ok)
	assert.NotEmpty(t, h.ID())
}

func TestUnsupportedProvider(t *testing.T) {
	var p Provider = Unsupported{}
	h, err := p.Acquire(context.Background(), KindScreen)

	assert.False(t, p.Supported())
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrUnsupported)
}
