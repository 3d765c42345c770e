package application

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/channel"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/navigation"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/routing"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Fakes ---

type fakeStore struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]appointment.Snapshot
	failPersist int
	persisted   []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[uuid.UUID]appointment.Snapshot)}
}

func (f *fakeStore) Persist(_ context.Context, intent statemachine.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPersist > 0 {
		f.failPersist--
		return errors.New("connection refused")
	}
	if cur, ok := f.rows[intent.Snapshot.ID]; ok && cur.Version >= intent.Snapshot.Version {
		if cur.Version == intent.Snapshot.Version && cur.SameContent(intent.Snapshot) {
			return nil
		}
		return apperror.NewConflictError("a different version is stored")
	}
	f.rows[intent.Snapshot.ID] = intent.Snapshot
	f.persisted = append(f.persisted, intent.Snapshot.Version)
	return nil
}

func (f *fakeStore) Fetch(_ context.Context, id uuid.UUID) (appointment.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return appointment.Snapshot{}, apperror.NewNotFoundError("appointment", id.String())
	}
	return s, nil
}

func (f *fakeStore) Create(_ context.Context, snap appointment.Snapshot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[snap.ID]; ok {
		return false, nil
	}
	f.rows[snap.ID] = snap
	return true, nil
}

func (f *fakeStore) ListActive(_ context.Context) ([]appointment.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []appointment.Snapshot
	for _, s := range f.rows {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListAll(_ context.Context, _, _ int) ([]appointment.Snapshot, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appointment.Snapshot, 0, len(f.rows))
	for _, s := range f.rows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, int64(len(out)), nil
}

func (f *fakeStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, s := range f.rows {
		counts[string(s.Status)]++
	}
	return counts, nil
}

func (f *fakeStore) persistedVersions() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.persisted...)
}

type fakePublisher struct {
	mu    sync.Mutex
	snaps []appointment.Snapshot
}

func (f *fakePublisher) PublishStatusChanged(_ context.Context, snap appointment.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	return nil
}

func (f *fakePublisher) statuses() []appointment.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appointment.Status, len(f.snaps))
	for i, s := range f.snaps {
		out[i] = s.Status
	}
	return out
}

type fakeProvider struct {
	directionsFn func(ctx context.Context, points []geo.Point) (*route.Route, error)
	calls        atomic.Int32
}

func (f *fakeProvider) Directions(ctx context.Context, profile route.Profile, points []geo.Point) (*route.Route, error) {
	f.calls.Add(1)
	r, err := f.directionsFn(ctx, points)
	if r != nil {
		r.Profile = profile
	}
	return r, err
}

func (f *fakeProvider) Optimize(_ context.Context, profile route.Profile, points []geo.Point, _, _ bool) (*route.Route, error) {
	order := make([]int, len(points))
	for i := range order {
		order[len(points)-1-i] = i
	}
	return &route.Route{Geometry: points, WaypointOrder: order, Profile: profile}, nil
}

// threeStepRoute turns at origin, at the midpoint and arrives at the destination.
func threeStepRoute(_ context.Context, points []geo.Point) (*route.Route, error) {
	origin, dest := points[0], points[len(points)-1]
	mid := geo.Point{
		Latitude:  (origin.Latitude + dest.Latitude) / 2,
		Longitude: (origin.Longitude + dest.Longitude) / 2,
	}
	return &route.Route{
		Geometry:        []geo.Point{origin, mid, dest},
		DistanceMeters:  6000,
		DurationSeconds: 720,
		Steps: []route.Step{
			{InstructionText: "Head north", DistanceMeters: 3000, DurationSeconds: 360, ManeuverType: "depart", Location: origin},
			{InstructionText: "Turn right", DistanceMeters: 3000, DurationSeconds: 360, ManeuverType: "turn", ManeuverModifier: "right", Location: mid},
			{InstructionText: "You have arrived", ManeuverType: "arrive", Location: dest},
		},
	}, nil
}

// --- Fixture ---

var (
	pickup      = geo.Point{Latitude: 3.1390, Longitude: 101.6869}
	driverStart = geo.Point{Latitude: 3.1000, Longitude: 101.6500}
	adminActor  = Actor{ID: uuid.New(), Role: appointment.RoleAdmin}
)

type fixture struct {
	svc       *DispatchService
	machine   *statemachine.Machine
	store     *fakeStore
	publisher *fakePublisher
	provider  *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	publisher := &fakePublisher{}
	provider := &fakeProvider{directionsFn: threeStepRoute}
	logger := zap.NewNop()

	machine := statemachine.New(channel.NewMemoryBus().Endpoint(), store, logger)
	engine := routing.NewEngine(provider, logger)
	svc := NewDispatchService(machine, engine, store, publisher, Settings{
		DefaultProfile:       route.ProfileDriving,
		OffRouteMeters:       75,
		ArrivalRadiusMeters:  25,
		RetryInitialInterval: time.Millisecond,
		RetryMaxElapsed:      time.Second,
	}, logger)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, machine: machine, store: store, publisher: publisher, provider: provider}
}

func (f *fixture) createAppointment(t *testing.T, clientID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.svc.CreateAppointment(context.Background(), CreateAppointmentRequest{
		AppointmentID: id,
		ClientID:      clientID,
		ClientName:    "Aisyah",
		PickupLat:     pickup.Latitude,
		PickupLng:     pickup.Longitude,
		ScheduledAt:   time.Now().Add(2 * time.Hour),
	})
	require.NoError(t, err)
	return id
}

// enroute drives a new appointment to driver_enroute for driver.
func (f *fixture) enroute(t *testing.T, driver Actor) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := f.createAppointment(t, uuid.New())
	_, err := f.svc.Transition(ctx, driver, id, TransitionRequest{Status: "confirmed", DriverName: "Ravi"})
	require.NoError(t, err)
	_, err = f.svc.Transition(ctx, driver, id, TransitionRequest{Status: "in_progress"})
	require.NoError(t, err)
	return id
}

// --- Tests ---

func TestCreateAppointment_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.New()
	id := f.createAppointment(t, clientID)

	again, err := f.svc.CreateAppointment(context.Background(), CreateAppointmentRequest{
		AppointmentID: id,
		ClientID:      clientID,
		PickupLat:     pickup.Latitude,
		PickupLng:     pickup.Longitude,
		ScheduledAt:   time.Now().Add(3 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", again.Status)
	assert.Equal(t, int64(1), again.Version)
	assert.Equal(t, "Aisyah", again.Client.DisplayName)
	assert.Contains(t, f.machine.Tracked(), id)
}

func TestCreateAppointment_InvalidPickup(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateAppointment(context.Background(), CreateAppointmentRequest{
		AppointmentID: uuid.New(),
		ClientID:      uuid.New(),
		PickupLat:     95,
		ScheduledAt:   time.Now(),
	})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestGetAppointment_LoadsFromStore(t *testing.T) {
	f := newFixture(t)
	a, err := appointment.NewAppointment(uuid.New(), appointment.PartyRef{ID: uuid.New()}, pickup, time.Now().Add(time.Hour), time.Now())
	require.NoError(t, err)
	_, err = f.store.Create(context.Background(), a.Snapshot())
	require.NoError(t, err)

	got, err := f.svc.GetAppointment(context.Background(), a.ID())
	require.NoError(t, err)
	assert.Equal(t, a.ID(), got.ID)
	assert.Contains(t, f.machine.Tracked(), a.ID())

	_, err = f.svc.GetAppointment(context.Background(), uuid.New())
	assert.True(t, apperror.IsNotFound(err))
}

func TestTransition_DriverClaimsAndPublishes(t *testing.T) {
	f := newFixture(t)
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.createAppointment(t, uuid.New())

	got, err := f.svc.Transition(context.Background(), driver, id, TransitionRequest{Status: "assigned", DriverName: "Ravi"})
	require.NoError(t, err)
	assert.Equal(t, "confirmed", got.Status)
	require.NotNil(t, got.Driver)
	assert.Equal(t, driver.ID, got.Driver.ID)
	assert.Equal(t, []appointment.Status{appointment.StatusConfirmed}, f.publisher.statuses())
	assert.Equal(t, []int64{2}, f.store.persistedVersions())
}

func TestTransition_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := uuid.New()
	client := Actor{ID: clientID, Role: appointment.RoleClient}
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	stranger := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.createAppointment(t, clientID)

	_, err := f.svc.Transition(ctx, client, id, TransitionRequest{Status: "confirmed"})
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	_, err = f.svc.Transition(ctx, driver, id, TransitionRequest{Status: "confirmed"})
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, stranger, id, TransitionRequest{Status: "driver_enroute"})
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	other := Actor{ID: uuid.New(), Role: appointment.RoleClient}
	_, err = f.svc.Transition(ctx, other, id, TransitionRequest{Status: "cancelled"})
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	got, err := f.svc.Transition(ctx, client, id, TransitionRequest{Status: "cancelled", Reason: "car sold"})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, "car sold", got.CancelReason)
}

func TestTransition_IllegalLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.createAppointment(t, uuid.New())

	_, err := f.svc.Transition(context.Background(), adminActor, id, TransitionRequest{Status: "completed"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appointment.ErrIllegalTransition)

	got, err := f.svc.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Empty(t, f.publisher.statuses())
}

func TestTransition_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	id := f.createAppointment(t, uuid.New())
	_, err := f.svc.Transition(context.Background(), adminActor, id, TransitionRequest{Status: "teleported"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestTransition_PersistenceFailureRetriesInBackground(t *testing.T) {
	f := newFixture(t)
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.createAppointment(t, uuid.New())

	f.store.mu.Lock()
	f.store.failPersist = 3
	f.store.mu.Unlock()

	got, err := f.svc.Transition(context.Background(), driver, id, TransitionRequest{Status: "confirmed"})
	var perr *statemachine.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.NotNil(t, got)
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, int64(2), got.Version)

	require.Eventually(t, func() bool {
		return len(f.store.persistedVersions()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2}, f.store.persistedVersions())
	require.Eventually(t, func() bool {
		return len(f.publisher.statuses()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTransition_LostConcurrentWriteReloadsFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.createAppointment(t, uuid.New())

	// Another node cancelled the appointment at version 2 first.
	base, err := f.store.Fetch(ctx, id)
	require.NoError(t, err)
	other, err := appointment.Reconstruct(base)
	require.NoError(t, err)
	require.NoError(t, other.Transition(appointment.StatusCancelled, appointment.TransitionParams{Reason: "changed plans"}, time.Now()))
	f.store.mu.Lock()
	f.store.rows[id] = other.Snapshot()
	f.store.mu.Unlock()

	got, err := f.svc.Transition(ctx, driver, id, TransitionRequest{Status: "confirmed"})
	var perr *statemachine.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.True(t, apperror.IsConflict(err))
	assert.Nil(t, got)
	assert.Empty(t, f.publisher.statuses())

	require.Eventually(t, func() bool {
		appt, err := f.svc.GetAppointment(ctx, id)
		return err == nil && appt.Status == "cancelled" && appt.Version == 2
	}, time.Second, 5*time.Millisecond)
}

func TestAttachPayment(t *testing.T) {
	f := newFixture(t)
	id := f.createAppointment(t, uuid.New())
	p := appointment.PaymentRef{PaymentID: "pi_42", AmountCents: 15000, Currency: "MYR", CapturedAt: time.Now().UTC()}

	got, err := f.svc.AttachPayment(context.Background(), id, p)
	require.NoError(t, err)
	require.NotNil(t, got.Payment)
	assert.Equal(t, int64(2), got.Version)

	again, err := f.svc.AttachPayment(context.Background(), id, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
}

func TestRecomputeRoute_InstallsRoute(t *testing.T) {
	f := newFixture(t)
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)

	got, err := f.svc.RecomputeRoute(context.Background(), id, RouteRequest{Origin: &driverStart})
	require.NoError(t, err)
	assert.Equal(t, "6.0 km", got.Distance)
	assert.Equal(t, "12m", got.Duration)
	assert.Len(t, got.Steps, 3)

	appt, err := f.svc.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, appt.Route)
	assert.Equal(t, pickup, appt.Route.Geometry[2])
	assert.Equal(t, int64(3), appt.Version, "installing a route does not bump the version")
}

func TestRecomputeRoute_RequiresOrigin(t *testing.T) {
	f := newFixture(t)
	id := f.createAppointment(t, uuid.New())
	_, err := f.svc.RecomputeRoute(context.Background(), id, RouteRequest{})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = f.svc.RecomputeRoute(context.Background(), id, RouteRequest{Origin: &driverStart, Profile: "hovercraft"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestRecomputeRoute_UnavailableReturnsEstimate(t *testing.T) {
	f := newFixture(t)
	f.provider.directionsFn = func(context.Context, []geo.Point) (*route.Route, error) {
		return nil, route.ErrUnavailable
	}
	id := f.createAppointment(t, uuid.New())

	got, err := f.svc.RecomputeRoute(context.Background(), id, RouteRequest{Origin: &driverStart})
	require.ErrorIs(t, err, route.ErrUnavailable)
	require.NotNil(t, got)
	assert.True(t, got.Estimated)
	assert.Greater(t, got.DistanceMeters, 5000.0)

	appt, err := f.svc.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, appt.Route, "estimates are not installed")
}

func TestRecomputeRoute_NoRoute(t *testing.T) {
	f := newFixture(t)
	f.provider.directionsFn = func(context.Context, []geo.Point) (*route.Route, error) {
		return nil, route.ErrNoRouteFound
	}
	id := f.createAppointment(t, uuid.New())

	got, err := f.svc.RecomputeRoute(context.Background(), id, RouteRequest{Origin: &driverStart})
	assert.ErrorIs(t, err, route.ErrNoRouteFound)
	assert.Nil(t, got)
}

func TestNavigation_AutoAdvanceOnArrival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)

	_, err := f.svc.StartNavigation(ctx, id)
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err), "no route yet")

	r, err := f.svc.RecomputeRoute(ctx, id, RouteRequest{Origin: &driverStart})
	require.NoError(t, err)

	nav, err := f.svc.StartNavigation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Head north", nav.Step.InstructionText)
	assert.Equal(t, "Head north", nav.SpeakableText)

	res, err := f.svc.UpdateDriverLocation(ctx, driver, id, LocationRequest{Latitude: driverStart.Latitude, Longitude: driverStart.Longitude})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Advanced)

	mid := r.Geometry[1]
	res, err = f.svc.UpdateDriverLocation(ctx, driver, id, LocationRequest{Latitude: mid.Latitude, Longitude: mid.Longitude})
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.False(t, res.OffRoute)
	require.NotNil(t, res.StepIndex)
	assert.Equal(t, 1, *res.StepIndex)

	nav, err = f.svc.GetNavigation(id)
	require.NoError(t, err)
	assert.Equal(t, "Turn right", nav.Step.InstructionText)
	assert.Equal(t, "3.0 km", nav.Progress.RemainingDistance)
}

func TestNavigation_Boundaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)
	_, err := f.svc.RecomputeRoute(ctx, id, RouteRequest{Origin: &driverStart})
	require.NoError(t, err)
	_, err = f.svc.StartNavigation(ctx, id)
	require.NoError(t, err)

	_, err = f.svc.RetreatNavigation(id)
	assert.ErrorIs(t, err, navigation.ErrAtFirstStep)

	_, err = f.svc.AdvanceNavigation(id)
	require.NoError(t, err)
	nav, err := f.svc.AdvanceNavigation(id)
	require.NoError(t, err)
	assert.Equal(t, "arrive", nav.Step.ManeuverType)
	_, err = f.svc.AdvanceNavigation(id)
	assert.ErrorIs(t, err, navigation.ErrAtFinalStep)

	nav, err = f.svc.SetVoiceGuidance(id, false)
	require.NoError(t, err)
	assert.Empty(t, nav.SpeakableText)

	f.svc.StopNavigation(id)
	f.svc.StopNavigation(id)
	_, err = f.svc.GetNavigation(id)
	assert.True(t, apperror.IsNotFound(err))
}

func TestNavigation_ResetsWhenRouteReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)
	_, err := f.svc.RecomputeRoute(ctx, id, RouteRequest{Origin: &driverStart})
	require.NoError(t, err)
	_, err = f.svc.StartNavigation(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.SetVoiceGuidance(id, false)
	require.NoError(t, err)
	_, err = f.svc.AdvanceNavigation(id)
	require.NoError(t, err)

	other := geo.Point{Latitude: 3.0800, Longitude: 101.6000}
	_, err = f.svc.RecomputeRoute(ctx, id, RouteRequest{Origin: &other})
	require.NoError(t, err)

	nav, err := f.svc.GetNavigation(id)
	require.NoError(t, err)
	assert.Equal(t, 0, nav.Progress.StepIndex)
	assert.Equal(t, other, nav.Step.Location)
	assert.False(t, nav.VoiceEnabled, "voice preference survives a reroute")
}

func TestNavigation_StopsWhenAppointmentCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)
	_, err := f.svc.RecomputeRoute(ctx, id, RouteRequest{Origin: &driverStart})
	require.NoError(t, err)
	_, err = f.svc.StartNavigation(ctx, id)
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, adminActor, id, TransitionRequest{Status: "cancelled", Reason: "no show"})
	require.NoError(t, err)

	_, err = f.svc.GetNavigation(id)
	assert.True(t, apperror.IsNotFound(err))
	_, err = f.svc.RecomputeRoute(ctx, id, RouteRequest{Origin: &driverStart})
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
}

func TestUpdateDriverLocation_OffRouteReroutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)
	_, err := f.svc.RecomputeRoute(ctx, id, RouteRequest{Origin: &driverStart})
	require.NoError(t, err)
	require.Equal(t, int32(1), f.provider.calls.Load())

	stray := geo.Point{Latitude: 3.2000, Longitude: 101.7500}
	res, err := f.svc.UpdateDriverLocation(ctx, driver, id, LocationRequest{Latitude: stray.Latitude, Longitude: stray.Longitude})
	require.NoError(t, err)
	assert.True(t, res.OffRoute)

	require.Eventually(t, func() bool {
		snap, err := f.machine.Snapshot(id)
		return err == nil && snap.CurrentRoute != nil && snap.CurrentRoute.Geometry[0] == stray
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), f.provider.calls.Load())
}

func TestUpdateDriverLocation_OnlyAssignedDriver(t *testing.T) {
	f := newFixture(t)
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)

	stranger := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	_, err := f.svc.UpdateDriverLocation(context.Background(), stranger, id, LocationRequest{Latitude: 3.1, Longitude: 101.6})
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	_, err = f.svc.UpdateDriverLocation(context.Background(), driver, id, LocationRequest{Latitude: 123, Longitude: 101.6})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestUpdateDriverLocation_DropsOlderReports(t *testing.T) {
	f := newFixture(t)
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)
	now := time.Now()
	earlier := now.Add(-time.Minute)

	res, err := f.svc.UpdateDriverLocation(context.Background(), driver, id, LocationRequest{Latitude: 3.11, Longitude: 101.66, RecordedAt: &now})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	res, err = f.svc.UpdateDriverLocation(context.Background(), driver, id, LocationRequest{Latitude: 3.10, Longitude: 101.65, RecordedAt: &earlier})
	require.NoError(t, err)
	assert.False(t, res.Accepted)

	appt, err := f.svc.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, appt.DriverLocation)
	assert.Equal(t, 3.11, appt.DriverLocation.Latitude)
}

func TestUpdateDriverLocation_FutureTimestampIsCapped(t *testing.T) {
	f := newFixture(t)
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)
	ahead := time.Now().Add(10 * time.Minute)

	res, err := f.svc.UpdateDriverLocation(context.Background(), driver, id, LocationRequest{Latitude: 3.11, Longitude: 101.66, RecordedAt: &ahead})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	for _, lat := range []float64{3.12, 3.13, 3.14} {
		res, err := f.svc.UpdateDriverLocation(context.Background(), driver, id, LocationRequest{Latitude: lat, Longitude: 101.66})
		require.NoError(t, err)
		assert.True(t, res.Accepted, "report at %v", lat)
	}

	appt, err := f.svc.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, appt.DriverLocation)
	assert.Equal(t, 3.14, appt.DriverLocation.Latitude)
}

func TestClosedAppointmentIsReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	driver := Actor{ID: uuid.New(), Role: appointment.RoleDriver}
	id := f.enroute(t, driver)
	for _, status := range []string{"picked_up", "in_verification", "completed"} {
		_, err := f.svc.Transition(ctx, driver, id, TransitionRequest{Status: status})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return !slices.Contains(f.machine.Tracked(), id)
	}, time.Second, 5*time.Millisecond)

	got, err := f.svc.GetAppointment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.NotContains(t, f.machine.Tracked(), id)

	_, err = f.svc.Transition(ctx, adminActor, id, TransitionRequest{Status: "cancelled"})
	assert.ErrorIs(t, err, appointment.ErrIllegalTransition)

	snap, cancel, err := f.svc.Observe(ctx, id, func(statemachine.Change) {})
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, appointment.StatusCompleted, snap.Status)
}

func TestOptimizeRoute_RemapsStops(t *testing.T) {
	f := newFixture(t)
	req := OptimizeRequest{Stops: []OptimizeStop{
		{Label: "depot", Point: driverStart},
		{Label: "inspection", Point: pickup},
		{Label: "workshop", Point: geo.Point{Latitude: 3.15, Longitude: 101.70}},
	}}

	got, err := f.svc.OptimizeRoute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 0}, got.Order)
	assert.Equal(t, "workshop", got.Stops[0].Label)
	assert.Equal(t, "depot", got.Stops[2].Label)

	_, err = f.svc.OptimizeRoute(context.Background(), OptimizeRequest{Stops: req.Stops[:1]})
	assert.ErrorIs(t, err, route.ErrInsufficientWaypoints)
}

func TestObserve_ReceivesChanges(t *testing.T) {
	f := newFixture(t)
	id := f.createAppointment(t, uuid.New())

	var mu sync.Mutex
	var seen []appointment.Status
	snap, cancel, err := f.svc.Observe(context.Background(), id, func(c statemachine.Change) {
		mu.Lock()
		seen = append(seen, c.Snapshot.Status)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, snap.Status)

	_, err = f.svc.Transition(context.Background(), adminActor, id, TransitionRequest{Status: "cancelled"})
	require.NoError(t, err)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []appointment.Status{appointment.StatusCancelled}, seen)
}

func TestBootstrapAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open, err := appointment.NewAppointment(uuid.New(), appointment.PartyRef{ID: uuid.New()}, pickup, time.Now().Add(time.Hour), time.Now())
	require.NoError(t, err)
	_, err = f.store.Create(ctx, open.Snapshot())
	require.NoError(t, err)

	closed, err := appointment.NewAppointment(uuid.New(), appointment.PartyRef{ID: uuid.New()}, pickup, time.Now().Add(time.Hour), time.Now())
	require.NoError(t, err)
	require.NoError(t, closed.Transition(appointment.StatusCancelled, appointment.TransitionParams{}, time.Now()))
	_, err = f.store.Create(ctx, closed.Snapshot())
	require.NoError(t, err)

	require.NoError(t, f.svc.Bootstrap(ctx))
	assert.Equal(t, []uuid.UUID{open.ID()}, f.machine.Tracked())

	stats, err := f.svc.GetAppointmentStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAppointments)
	assert.Equal(t, int64(1), stats.ByStatus["cancelled"])
	assert.Equal(t, 1, stats.Tracked)

	list, total, err := f.svc.ListAppointments(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)
}
