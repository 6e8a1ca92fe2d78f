package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/live"
	"fleetwatch/internal/models"
)

type fakeLoader struct {
	mu         sync.Mutex
	org        func(ctx context.Context) ([]models.DriverPosition, error)
	routes     func(ctx context.Context, ids []string) ([]models.DriverPosition, error)
	orgCalls   int
	routeCalls int
}

func (f *fakeLoader) LoadForOrganization(ctx context.Context, _ string) ([]models.DriverPosition, error) {
	f.mu.Lock()
	f.orgCalls++
	fn := f.org
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

func (f *fakeLoader) LoadForRoutes(ctx context.Context, _ string, ids []string) ([]models.DriverPosition, error) {
	f.mu.Lock()
	f.routeCalls++
	fn := f.routes
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, ids)
}

func (f *fakeLoader) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orgCalls, f.routeCalls
}

type fakeChannel struct {
	mu           sync.Mutex
	handlers     map[live.EventKind]live.Handler
	connected    bool
	auth         []string
	joined       []string
	offs         int
	disconnected bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[live.EventKind]live.Handler)}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Authenticate(userID, orgID string) error {
	f.mu.Lock()
	f.auth = append(f.auth, userID+"@"+orgID)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) JoinRoute(id string) error {
	f.mu.Lock()
	f.joined = append(f.joined, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) On(kind live.EventKind, h live.Handler) live.Subscription {
	f.mu.Lock()
	f.handlers[kind] = h
	f.mu.Unlock()
	return live.Subscription{}
}

func (f *fakeChannel) Off(live.Subscription) {
	f.mu.Lock()
	f.offs++
	f.mu.Unlock()
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) push(ev live.Event) {
	f.mu.Lock()
	h := f.handlers[ev.Kind]
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type fakeNotifier struct {
	mu      sync.Mutex
	offline []string
}

func (f *fakeNotifier) DriverOffline(_ context.Context, p models.DriverPosition) error {
	f.mu.Lock()
	f.offline = append(f.offline, p.DriverID)
	f.mu.Unlock()
	return nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	kinds     []live.EventKind
	deadlines []time.Time
}

func (f *fakeRecorder) Record(ctx context.Context, kind live.EventKind, _ models.DriverPosition) error {
	deadline, _ := ctx.Deadline()
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.deadlines = append(f.deadlines, deadline)
	f.mu.Unlock()
	return nil
}

type harness struct {
	tracker  *Tracker
	loader   *fakeLoader
	channel  *fakeChannel
	sched    *manualScheduler
	notifier *fakeNotifier
	recorder *fakeRecorder
	changes  []Change
	mu       sync.Mutex
	now      time.Time
}

func newHarness(t *testing.T, loader *fakeLoader) *harness {
	t.Helper()
	h := &harness{
		loader:   loader,
		channel:  newFakeChannel(),
		sched:    &manualScheduler{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		now:      baseTime,
	}
	h.tracker = NewTracker(loader, h.channel, Options{
		UserID:         "u1",
		OrganizationID: "org-1",
		Notifier:       h.notifier,
		Recorder:       h.recorder,
		Logger:         zerolog.Nop(),
		Clock:          h.clock,
		Scheduler:      h.sched.Schedule,
	})
	h.tracker.Subscribe(func(c Change) {
		h.mu.Lock()
		h.changes = append(h.changes, c)
		h.mu.Unlock()
	})
	t.Cleanup(func() { h.tracker.Close() })
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
	return h.now
}

func (h *harness) kinds() []ChangeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChangeKind, len(h.changes))
	for i, c := range h.changes {
		out[i] = c.Kind
	}
	return out
}

// activate brings the session to CHANNEL_ACTIVE.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, h.tracker.Start(context.Background()))
	h.tracker.MapReady()
	require.Equal(t, StateCentered, h.tracker.Status().Readiness)
	h.sched.Fire()
	require.Equal(t, StateChannelActive, h.tracker.Status().Readiness)
}

func orgSnapshot(positions ...models.DriverPosition) func(context.Context) ([]models.DriverPosition, error) {
	return func(context.Context) ([]models.DriverPosition, error) { return positions, nil }
}

func routeUpdate(driverID, routeID string, lat float64) live.Event {
	p := pos(driverID, lat, 1)
	p.RouteID = routeID
	p.Source = models.SourceRoute
	return live.Event{Kind: live.EventRouteDriverUpdate, Position: &p}
}

func orgUpdate(driverID string, lat float64) live.Event {
	p := pos(driverID, lat, 1)
	p.Source = models.SourceOrganization
	return live.Event{Kind: live.EventOrganizationDriverUpdate, Position: &p}
}

func TestTracker_StartLoadsOrganizationAndActivates(t *testing.T) {
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1), pos("d2", 3, 3))})
	h.activate(t)

	assert.Len(t, h.tracker.Visible(), 2)
	assert.Equal(t, []string{"u1@org-1"}, h.channel.auth)
	assert.True(t, h.channel.connected)
	assert.Empty(t, h.channel.joined)
	assert.Contains(t, h.kinds(), ChangeFitBounds)
	assert.Contains(t, h.kinds(), ChangeChannel)

	st := h.tracker.Status()
	require.NotNil(t, st.Bounds)
	assert.Equal(t, Bounds{North: 3, South: 1, East: 3, West: 1}, *st.Bounds)
}

func TestTracker_EventsBeforeActivationIgnored(t *testing.T) {
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1))})
	require.NoError(t, h.tracker.Start(context.Background()))

	h.channel.push(orgUpdate("d9", 5))
	assert.Len(t, h.tracker.All(), 1)
}

func TestTracker_AdmissionFollowsScope(t *testing.T) {
	a := pos("d1", 1, 1)
	a.RouteID = "a"
	b := pos("d2", 2, 2)
	b.RouteID = "b"
	h := newHarness(t, &fakeLoader{org: orgSnapshot(a, b)})
	h.activate(t)

	// Organization scope takes org updates but not route ones
	h.channel.push(orgUpdate("d3", 3))
	h.channel.push(routeUpdate("d4", "a", 4))
	_, ok := h.tracker.Driver("d3")
	assert.True(t, ok)
	_, ok = h.tracker.Driver("d4")
	assert.False(t, ok)

	// Narrowing to a loaded route doesn't refetch
	require.NoError(t, h.tracker.SetRoutes(context.Background(), []string{"a"}))
	orgCalls, routeCalls := h.loader.calls()
	assert.Equal(t, 1, orgCalls)
	assert.Zero(t, routeCalls)
	assert.Equal(t, []string{"a"}, h.channel.joined)

	visible := h.tracker.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, "d1", visible[0].DriverID)

	h.channel.push(orgUpdate("d5", 5))
	h.channel.push(routeUpdate("d6", "b", 6))
	h.channel.push(routeUpdate("d7", "a", 7))
	_, ok = h.tracker.Driver("d5")
	assert.False(t, ok)
	_, ok = h.tracker.Driver("d6")
	assert.False(t, ok)
	_, ok = h.tracker.Driver("d7")
	assert.True(t, ok)

	assert.Equal(t, []live.EventKind{live.EventOrganizationDriverUpdate, live.EventRouteDriverUpdate}, h.recorder.kinds)
}

func TestTracker_TransmissionOnlyMergesKnownDrivers(t *testing.T) {
	d1 := pos("d1", 1, 1)
	d1.RouteName = "Harbor"
	h := newHarness(t, &fakeLoader{org: orgSnapshot(d1)})
	h.activate(t)

	h.channel.push(live.Event{Kind: live.EventDriverTransmission, Transmission: &models.Transmission{DriverID: "ghost", TransmissionTimestamp: ts(0)}})
	assert.Len(t, h.tracker.All(), 1)

	h.channel.push(live.Event{Kind: live.EventDriverTransmission, Transmission: &models.Transmission{
		DriverID:              "d1",
		TransmissionTimestamp: ts(time.Minute),
		Device:                models.DeviceInfo{BatteryLevel: ptr(12)},
	}})
	got, ok := h.tracker.Driver("d1")
	require.True(t, ok)
	assert.Equal(t, "Harbor", got.RouteName)
	assert.Equal(t, 12.0, *got.Device.BatteryLevel)
}

func TestTracker_StaleResponseDiscarded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	orgSnapshots := [][]models.DriverPosition{
		nil,
		{pos("org-driver", 1, 1)},
	}
	loader := &fakeLoader{}
	loader.org = func(context.Context) ([]models.DriverPosition, error) {
		loader.mu.Lock()
		defer loader.mu.Unlock()
		return orgSnapshots[loader.orgCalls-1], nil
	}
	loader.routes = func(context.Context, []string) ([]models.DriverPosition, error) {
		close(started)
		<-release
		return []models.DriverPosition{pos("route-driver", 2, 2)}, nil
	}

	h := newHarness(t, loader)
	require.NoError(t, h.tracker.Start(context.Background()))

	done := make(chan error, 1)
	go func() { done <- h.tracker.SetRoutes(context.Background(), []string{"r1"}) }()
	<-started

	require.NoError(t, h.tracker.SetScope(context.Background(), models.OrganizationScope("org-1")))
	close(release)
	require.NoError(t, <-done)

	all := h.tracker.All()
	require.Len(t, all, 1)
	assert.Equal(t, "org-driver", all[0].DriverID)
	assert.True(t, h.tracker.Scope().IsOrganization())
	assert.True(t, h.tracker.Status().LoadedScope.IsOrganization())
}

func TestTracker_RouteSelectionSupersedesOrganizationLoad(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	loader := &fakeLoader{
		org: func(context.Context) ([]models.DriverPosition, error) {
			close(started)
			<-release
			return []models.DriverPosition{pos("org-driver", 1, 1)}, nil
		},
		routes: func(context.Context, []string) ([]models.DriverPosition, error) {
			p := pos("route-driver", 2, 2)
			p.RouteID = "a"
			return []models.DriverPosition{p}, nil
		},
	}
	h := newHarness(t, loader)

	done := make(chan error, 1)
	go func() { done <- h.tracker.Start(context.Background()) }()
	<-started

	require.NoError(t, h.tracker.SetRoutes(context.Background(), []string{"a"}))
	close(release)
	require.NoError(t, <-done)

	all := h.tracker.All()
	require.Len(t, all, 1)
	assert.Equal(t, "route-driver", all[0].DriverID)
	assert.Equal(t, []string{"a"}, h.tracker.Scope().RouteIDs)
	assert.Equal(t, []string{"a"}, h.tracker.Status().LoadedScope.RouteIDs)
}

func TestTracker_NarrowingOrganizationLoadWaitsForRouteEvents(t *testing.T) {
	// Organization entries carry no route id
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1), pos("d2", 2, 2))})
	h.activate(t)

	require.NoError(t, h.tracker.SetRoutes(context.Background(), []string{"a"}))
	_, routeCalls := h.loader.calls()
	assert.Zero(t, routeCalls)
	assert.Len(t, h.tracker.All(), 2)
	assert.Empty(t, h.tracker.Visible())

	h.channel.push(routeUpdate("d1", "a", 1.5))
	visible := h.tracker.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, "d1", visible[0].DriverID)
}

func TestTracker_LiveUpdatesDoNotRefit(t *testing.T) {
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1), pos("d2", 3, 3))})
	h.activate(t)

	h.channel.push(orgUpdate("d9", 80))
	_, ok := h.tracker.Driver("d9")
	require.True(t, ok)
	require.NoError(t, h.tracker.Refresh(context.Background()))

	fits := 0
	for _, k := range h.kinds() {
		if k == ChangeFitBounds {
			fits++
		}
	}
	assert.Equal(t, 1, fits)
	st := h.tracker.Status()
	require.NotNil(t, st.Bounds)
	assert.Equal(t, Bounds{North: 3, South: 1, East: 3, West: 1}, *st.Bounds)
}

func TestTracker_RecordRunsWithDeadline(t *testing.T) {
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1))})
	h.activate(t)

	h.channel.push(orgUpdate("d1", 2))

	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	require.Len(t, h.recorder.deadlines, 1)
	assert.WithinDuration(t, time.Now().Add(DefaultRecordTimeout), h.recorder.deadlines[0], time.Second)
}

func TestTracker_EmptyRouteSelectionIsOrganization(t *testing.T) {
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1))})
	require.NoError(t, h.tracker.Start(context.Background()))

	require.NoError(t, h.tracker.SetRoutes(context.Background(), nil))
	orgCalls, routeCalls := h.loader.calls()
	assert.Equal(t, 1, orgCalls)
	assert.Zero(t, routeCalls)
}

func TestTracker_LoadErrorKeepsStore(t *testing.T) {
	fail := false
	loader := &fakeLoader{}
	loader.org = func(context.Context) ([]models.DriverPosition, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []models.DriverPosition{pos("d1", 1, 1)}, nil
	}
	h := newHarness(t, loader)
	require.NoError(t, h.tracker.Start(context.Background()))

	fail = true
	assert.Error(t, h.tracker.Refresh(context.Background()))
	assert.Len(t, h.tracker.All(), 1)
	st := h.tracker.Status()
	assert.Equal(t, "boom", st.LastError)
	assert.Contains(t, h.kinds(), ChangeError)
}

func TestTracker_TickReportsOfflineTransitions(t *testing.T) {
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1), pos("d2", 2, 2))})
	h.activate(t)
	h.channel.push(orgUpdate("d2", 2))

	assert.Empty(t, h.tracker.Tick(h.advance(69*time.Minute)))

	changed := h.tracker.Tick(h.advance(2 * time.Minute))
	assert.ElementsMatch(t, []string{"d1", "d2"}, changed)
	assert.ElementsMatch(t, []string{"d1", "d2"}, h.notifier.offline)

	// Already offline: no repeat alerts
	assert.Empty(t, h.tracker.Tick(h.advance(time.Minute)))
	assert.Len(t, h.notifier.offline, 2)
	assert.Len(t, h.tracker.Visible(), 2)

	h.tracker.SetStatusFilter([]models.Status{models.StatusDriving})
	assert.Empty(t, h.tracker.Visible())
}

func TestTracker_SelectionAndMarkers(t *testing.T) {
	h := newHarness(t, &fakeLoader{org: orgSnapshot(pos("d1", 1, 1), pos("d2", 2, 2))})
	require.NoError(t, h.tracker.Start(context.Background()))

	h.tracker.SelectDriver("d2")
	markers := h.tracker.Markers()
	require.Len(t, markers, 2)
	assert.False(t, markers[0].IsSelected)
	assert.True(t, markers[1].IsSelected)
	assert.Equal(t, "d2", h.tracker.Status().SelectedDriverID)
}

func TestTracker_CloseUnsubscribesThenDisconnects(t *testing.T) {
	h := newHarness(t, &fakeLoader{})
	require.NoError(t, h.tracker.Start(context.Background()))
	require.NoError(t, h.tracker.Close())

	assert.Equal(t, 3, h.channel.offs)
	assert.True(t, h.channel.disconnected)
	assert.ErrorIs(t, h.tracker.Refresh(context.Background()), ErrNotStarted)
	// Activation never happens after close
	h.tracker.MapReady()
	assert.Zero(t, h.sched.Fire())
}
