package appointment

import (
	"errors"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	testPickup = geo.Point{Latitude: 3.139, Longitude: 101.6869}
)

func newTestAppointment(t *testing.T) *Appointment {
	t.Helper()
	a, err := NewAppointment(uuid.New(), PartyRef{ID: uuid.New(), DisplayName: "Aisyah"}, testPickup, testNow.Add(2*time.Hour), testNow)
	require.NoError(t, err)
	return a
}

func driverRef() *PartyRef {
	return &PartyRef{ID: uuid.New(), DisplayName: "Ravi"}
}

func TestNewAppointment(t *testing.T) {
	a := newTestAppointment(t)
	assert.Equal(t, StatusPending, a.Status())
	assert.Equal(t, int64(1), a.Version())
	assert.Nil(t, a.Driver())
	assert.Equal(t, RoleClient, a.Snapshot().Client.Role)
}

func TestNewAppointment_Validation(t *testing.T) {
	client := PartyRef{ID: uuid.New()}
	at := testNow.Add(time.Hour)

	_, err := NewAppointment(uuid.Nil, client, testPickup, at, testNow)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = NewAppointment(uuid.New(), PartyRef{}, testPickup, at, testNow)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = NewAppointment(uuid.New(), client, geo.Point{Latitude: 200}, at, testNow)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = NewAppointment(uuid.New(), client, testPickup, time.Time{}, testNow)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestStatus_TransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:        {StatusConfirmed, StatusCancelled},
		StatusConfirmed:      {StatusDriverEnroute, StatusCancelled},
		StatusDriverEnroute:  {StatusPickedUp, StatusCancelled},
		StatusPickedUp:       {StatusInVerification, StatusCancelled},
		StatusInVerification: {StatusCompleted, StatusCancelled},
		StatusCompleted:      nil,
		StatusCancelled:      nil,
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, Status("bogus").IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInVerification.IsTerminal())
}

func TestParseStatus_Legacy(t *testing.T) {
	cases := map[string]Status{
		"pending":         StatusPending,
		"assigned":        StatusConfirmed,
		"in_progress":     StatusDriverEnroute,
		"delivered":       StatusCompleted,
		"in_verification": StatusInVerification,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStatus("teleported")
	assert.Error(t, err)
}

func TestResolveTarget_InProgress(t *testing.T) {
	got, err := ResolveTarget(StatusConfirmed, "in_progress")
	require.NoError(t, err)
	assert.Equal(t, StatusDriverEnroute, got)

	got, err = ResolveTarget(StatusPickedUp, "in_progress")
	require.NoError(t, err)
	assert.Equal(t, StatusInVerification, got)
}

func TestTransition_HappyPath(t *testing.T) {
	a := newTestAppointment(t)
	driver := driverRef()

	require.NoError(t, a.Transition(StatusConfirmed, TransitionParams{Driver: driver}, testNow))
	require.NotNil(t, a.Driver())
	assert.Equal(t, driver.ID, a.Driver().ID)
	assert.Equal(t, RoleDriver, a.Driver().Role)

	for _, next := range []Status{StatusDriverEnroute, StatusPickedUp, StatusInVerification, StatusCompleted} {
		require.NoError(t, a.Transition(next, TransitionParams{}, testNow))
	}
	assert.Equal(t, StatusCompleted, a.Status())
	assert.Equal(t, int64(6), a.Version())
}

func TestTransition_IllegalLeavesStateUntouched(t *testing.T) {
	a := newTestAppointment(t)
	before := a.Snapshot()

	err := a.Transition(StatusCompleted, TransitionParams{}, testNow.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPending, te.From)
	assert.Equal(t, StatusCompleted, te.To)
	assert.Equal(t, before, a.Snapshot())
}

func TestTransition_ConfirmRequiresDriver(t *testing.T) {
	a := newTestAppointment(t)
	err := a.Transition(StatusConfirmed, TransitionParams{}, testNow)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Equal(t, StatusPending, a.Status())
	assert.Equal(t, int64(1), a.Version())
}

func TestTransition_TerminalFinality(t *testing.T) {
	a := newTestAppointment(t)
	require.NoError(t, a.Transition(StatusCancelled, TransitionParams{Reason: "client unavailable"}, testNow))
	assert.Equal(t, "client unavailable", a.Snapshot().CancelReason)

	for _, to := range AllStatuses() {
		err := a.Transition(to, TransitionParams{Driver: driverRef()}, testNow)
		assert.ErrorIs(t, err, ErrIllegalTransition, "cancelled -> %s", to)
	}
	assert.Equal(t, int64(2), a.Version())
}

func TestAttachPayment(t *testing.T) {
	a := newTestAppointment(t)
	p := PaymentRef{PaymentID: "pi_123", AmountCents: 15000, Currency: "MYR", CapturedAt: testNow}

	require.NoError(t, a.AttachPayment(p, testNow))
	assert.Equal(t, int64(2), a.Version())

	// Re-delivery of the same payment is a no-op.
	require.NoError(t, a.AttachPayment(p, testNow))
	assert.Equal(t, int64(2), a.Version())

	err := a.AttachPayment(PaymentRef{}, testNow)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestSetDriverLocation_DropsOlderPositions(t *testing.T) {
	a := newTestAppointment(t)
	first := geo.Point{Latitude: 3.10, Longitude: 101.60}
	second := geo.Point{Latitude: 3.11, Longitude: 101.61}

	assert.True(t, a.SetDriverLocation(second, testNow.Add(10*time.Second)))
	assert.False(t, a.SetDriverLocation(first, testNow))
	assert.Equal(t, second, *a.DriverLocation())
	assert.Equal(t, int64(1), a.Version())
}

func TestSnapshot_IsACopy(t *testing.T) {
	a := newTestAppointment(t)
	require.NoError(t, a.Transition(StatusConfirmed, TransitionParams{Driver: driverRef()}, testNow))
	a.SetDriverLocation(geo.Point{Latitude: 1, Longitude: 1}, testNow)

	snap := a.Snapshot()
	snap.Driver.DisplayName = "mutated"
	snap.DriverLocation.Latitude = 50

	assert.NotEqual(t, "mutated", a.Driver().DisplayName)
	assert.Equal(t, 1.0, a.DriverLocation().Latitude)
}

func TestReconstruct_RejectsInvalidSnapshot(t *testing.T) {
	snap := newTestAppointment(t).Snapshot()

	bad := snap
	bad.Status = "teleported"
	_, err := Reconstruct(bad)
	assert.Error(t, err)

	bad = snap
	bad.Version = 0
	_, err = Reconstruct(bad)
	assert.Error(t, err)

	got, err := Reconstruct(snap)
	require.NoError(t, err)
	assert.Equal(t, snap, got.Snapshot())
}

func TestReplaceWith_KeepsSessionLocalState(t *testing.T) {
	a := newTestAppointment(t)
	r := &route.Route{DistanceMeters: 1200}
	a.SetRoute(r)
	a.SetDriverLocation(geo.Point{Latitude: 3.2, Longitude: 101.7}, testNow)

	remote := a.Snapshot()
	remote.CurrentRoute = nil
	remote.DriverLocation = nil
	remote.Status = StatusConfirmed
	remote.Driver = driverRef()
	remote.Version = 5

	a.ReplaceWith(remote)
	assert.Equal(t, StatusConfirmed, a.Status())
	assert.Equal(t, int64(5), a.Version())
	assert.Same(t, r, a.CurrentRoute())
	require.NotNil(t, a.DriverLocation())
}

func TestSameContent(t *testing.T) {
	a := newTestAppointment(t)
	s1 := a.Snapshot()
	s2 := s1
	s2.LastUpdatedAt = s1.LastUpdatedAt.Add(time.Minute)
	s2.CurrentRoute = &route.Route{}
	assert.True(t, s1.SameContent(s2))

	s2.Status = StatusCancelled
	assert.False(t, s1.SameContent(s2))
}
