package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/channel"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/navigation"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/routing"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppointmentStore is the persistence the dispatch service needs.
type AppointmentStore interface {
	statemachine.Store
	Create(ctx context.Context, snap appointment.Snapshot) (bool, error)
	ListActive(ctx context.Context) ([]appointment.Snapshot, error)
	ListAll(ctx context.Context, page, limit int) ([]appointment.Snapshot, int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// EventPublisher emits durable domain events once a change is stored.
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, snap appointment.Snapshot) error
}

// Settings tunes the dispatch service.
type Settings struct {
	DefaultProfile       route.Profile
	OffRouteMeters       float64
	ArrivalRadiusMeters  float64
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

type pendingPersist struct {
	version int64
	kind    statemachine.IntentKind
	// last is stored when the appointment is no longer tracked.
	last appointment.Snapshot
}

// DispatchService is the application service orchestrating dispatch use
// cases: appointment intake, status transitions, routing and navigation.
type DispatchService struct {
	machine  *statemachine.Machine
	engine   *routing.Engine
	store    AppointmentStore
	events   EventPublisher
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	bg   context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// mu is never held while calling into the machine or the engine.
	mu        sync.Mutex
	sessions  map[uuid.UUID]*navigation.Session
	routeReqs map[uuid.UUID]routing.Request
	watches   map[uuid.UUID]func()
	pending   map[uuid.UUID]pendingPersist
}

// NewDispatchService creates a new DispatchService.
func NewDispatchService(
	machine *statemachine.Machine,
	engine *routing.Engine,
	store AppointmentStore,
	events EventPublisher,
	settings Settings,
	logger *zap.Logger,
) *DispatchService {
	bg, stop := context.WithCancel(context.Background())
	return &DispatchService{
		machine:   machine,
		engine:    engine,
		store:     store,
		events:    events,
		settings:  settings,
		logger:    logger.Named("dispatch"),
		now:       time.Now,
		bg:        bg,
		stop:      stop,
		sessions:  make(map[uuid.UUID]*navigation.Session),
		routeReqs: make(map[uuid.UUID]routing.Request),
		watches:   make(map[uuid.UUID]func()),
		pending:   make(map[uuid.UUID]pendingPersist),
	}
}

// Bootstrap starts tracking every appointment that is still open.
func (s *DispatchService) Bootstrap(ctx context.Context) error {
	snaps, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if err := s.track(snap); err != nil {
			s.logger.Error("failed to track appointment",
				zap.String("appointment_id", snap.ID.String()),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("tracking open appointments", zap.Int("count", len(snaps)))
	return nil
}

// Close stops background retries and route recomputations and waits for them.
func (s *DispatchService) Close() {
	s.stop()
	s.wg.Wait()
}

// CreateAppointment starts tracking a newly booked appointment. Creating
// the same appointment twice returns the stored one.
func (s *DispatchService) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*AppointmentDTO, error) {
	pickup, err := geo.NewPoint(req.PickupLat, req.PickupLng)
	if err != nil {
		return nil, apperror.NewValidationError(err.Error())
	}

	appt, err := appointment.NewAppointment(
		req.AppointmentID,
		appointment.PartyRef{ID: req.ClientID, DisplayName: req.ClientName},
		pickup,
		req.ScheduledAt,
		s.now(),
	)
	if err != nil {
		return nil, err
	}

	created, err := s.store.Create(ctx, appt.Snapshot())
	if err != nil {
		return nil, err
	}
	snap := appt.Snapshot()
	if !created {
		s.logger.Info("appointment already exists", zap.String("appointment_id", req.AppointmentID.String()))
		if snap, err = s.store.Fetch(ctx, req.AppointmentID); err != nil {
			return nil, err
		}
	}
	if err := s.track(snap); err != nil {
		return nil, err
	}

	current, err := s.machine.Snapshot(req.AppointmentID)
	if err != nil {
		return nil, err
	}
	result := ToAppointmentDTO(current)
	return &result, nil
}

// GetAppointment returns the current state of an appointment, loading it
// from the store when it is not tracked yet.
func (s *DispatchService) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDTO, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	result := ToAppointmentDTO(snap)
	return &result, nil
}

// Transition applies a status change requested by actor. When the change
// was accepted but not stored, the advanced appointment is returned along
// with a *statemachine.PersistenceError and storing is retried in the background.
func (s *DispatchService) Transition(ctx context.Context, actor Actor, id uuid.UUID, req TransitionRequest) (*AppointmentDTO, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	target, err := appointment.ResolveTarget(snap.Status, req.Status)
	if err != nil {
		return nil, apperror.NewValidationError(err.Error())
	}
	if err := authorizeTransition(actor, snap, target); err != nil {
		return nil, err
	}
	if snap.Status.IsTerminal() {
		return nil, appointment.NewTransitionError(snap.Status, target)
	}

	var opts []statemachine.TransitionOption
	switch {
	case actor.Role == appointment.RoleDriver && target == appointment.StatusConfirmed:
		opts = append(opts, statemachine.WithDriver(appointment.PartyRef{ID: actor.ID, DisplayName: req.DriverName}))
	case req.DriverID != nil:
		opts = append(opts, statemachine.WithDriver(appointment.PartyRef{ID: *req.DriverID, DisplayName: req.DriverName}))
	}
	if req.Reason != "" {
		opts = append(opts, statemachine.WithReason(req.Reason))
	}

	next, err := s.machine.ApplyLocalTransition(ctx, id, target, opts...)
	var perr *statemachine.PersistenceError
	if errors.As(err, &perr) && apperror.IsConflict(err) {
		s.reload(ctx, id)
		return nil, err
	}
	if errors.As(err, &perr) {
		s.retryPersist(next, statemachine.IntentTransition)
		result := ToAppointmentDTO(next)
		return &result, err
	}
	if err != nil {
		return nil, err
	}

	s.publishStatusChanged(ctx, next)

	result := ToAppointmentDTO(next)
	return &result, nil
}

// AttachPayment records the payment data handed over by the payment flow.
func (s *DispatchService) AttachPayment(ctx context.Context, id uuid.UUID, p appointment.PaymentRef) (*AppointmentDTO, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}

	next, err := s.machine.AttachPayment(ctx, id, p)
	var perr *statemachine.PersistenceError
	if errors.As(err, &perr) && apperror.IsConflict(err) {
		s.reload(ctx, id)
		return nil, err
	}
	if errors.As(err, &perr) {
		s.retryPersist(next, statemachine.IntentPayment)
		result := ToAppointmentDTO(next)
		return &result, err
	}
	if err != nil {
		return nil, err
	}
	result := ToAppointmentDTO(next)
	return &result, nil
}

// UpdateDriverLocation records the assigned driver's position. It advances
// the navigation session when the driver reaches the next maneuver and
// reroutes in the background when the driver strays from the route.
func (s *DispatchService) UpdateDriverLocation(ctx context.Context, actor Actor, id uuid.UUID, req LocationRequest) (*LocationResult, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != appointment.RoleAdmin {
		if snap.Driver == nil || snap.Driver.ID != actor.ID {
			return nil, apperror.NewForbiddenError("appointment is not assigned to this driver")
		}
	}
	if snap.Status.IsTerminal() {
		return nil, apperror.NewConflictError("appointment is " + string(snap.Status))
	}

	p := geo.Point{Latitude: req.Latitude, Longitude: req.Longitude}
	// Device clocks are not trusted to run ahead of ours: a future report
	// would hide every later one.
	at := s.now()
	if req.RecordedAt != nil && req.RecordedAt.Before(at) {
		at = *req.RecordedAt
	}

	accepted, err := s.machine.ApplyDriverLocation(ctx, id, p, at)
	if err != nil {
		return nil, err
	}
	result := &LocationResult{Accepted: accepted}
	if !accepted {
		return result, nil
	}

	if sess := s.session(id); sess != nil && sess.Active() {
		if d, ok, err := sess.DistanceToNextStep(p); err == nil && ok && d <= s.settings.ArrivalRadiusMeters {
			if _, err := sess.Advance(); err == nil {
				result.Advanced = true
			}
		}
		idx := sess.StepIndex()
		result.StepIndex = &idx
	}

	current, err := s.machine.Snapshot(id)
	if err != nil {
		return result, nil
	}
	if s.offRoute(current, p) {
		result.OffRoute = true
		s.rerouteFrom(id, current, p)
	}
	return result, nil
}

// RecomputeRoute computes a route to the pickup location and installs it
// unless a newer request for the same appointment supersedes it. When the
// provider is unavailable a straight-line estimate is returned together
// with the error.
func (s *DispatchService) RecomputeRoute(ctx context.Context, id uuid.UUID, req RouteRequest) (*RouteDTO, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status.IsTerminal() {
		return nil, apperror.NewConflictError("appointment is " + string(snap.Status))
	}

	origin := req.Origin
	if origin == nil {
		origin = snap.DriverLocation
	}
	if origin == nil {
		return nil, apperror.NewValidationError("origin is required until the driver reports a location")
	}
	profile, err := route.ParseProfile(req.Profile, s.settings.DefaultProfile)
	if err != nil {
		return nil, apperror.NewValidationError(err.Error())
	}

	return s.recompute(ctx, id, routing.Request{
		Origin:      *origin,
		Destination: snap.PickupLocation,
		Waypoints:   req.Waypoints,
		Profile:     profile,
	})
}

// OptimizeRoute finds the best visiting order of the stops and returns
// them reordered.
func (s *DispatchService) OptimizeRoute(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	profile, err := route.ParseProfile(req.Profile, s.settings.DefaultProfile)
	if err != nil {
		return nil, apperror.NewValidationError(err.Error())
	}
	points := make([]geo.Point, len(req.Stops))
	for i, stop := range req.Stops {
		points[i] = stop.Point
	}

	r, err := s.engine.OptimizeWaypointOrder(ctx, points, req.FixedFirst, req.FixedLast, profile)
	if err != nil {
		return nil, err
	}
	stops, err := route.Remap(r.WaypointOrder, req.Stops)
	if err != nil {
		return nil, err
	}
	return &OptimizeResult{Route: *toRouteDTO(r), Order: r.WaypointOrder, Stops: stops}, nil
}

// --- Navigation ---

// StartNavigation begins turn-by-turn guidance on the appointment's current route.
func (s *DispatchService) StartNavigation(ctx context.Context, id uuid.UUID) (*NavigationDTO, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.CurrentRoute == nil {
		return nil, apperror.NewConflictError("no route has been computed for this appointment")
	}
	sess, err := navigation.Start(snap.CurrentRoute)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if prev, ok := s.sessions[id]; ok {
		sess.SetVoiceEnabled(prev.VoiceEnabled())
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	result := toNavigationDTO(id, sess)
	return &result, nil
}

// AdvanceNavigation moves to the next step.
func (s *DispatchService) AdvanceNavigation(id uuid.UUID) (*NavigationDTO, error) {
	sess, err := s.requireSession(id)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Advance(); err != nil {
		return nil, err
	}
	result := toNavigationDTO(id, sess)
	return &result, nil
}

// RetreatNavigation moves back one step.
func (s *DispatchService) RetreatNavigation(id uuid.UUID) (*NavigationDTO, error) {
	sess, err := s.requireSession(id)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Retreat(); err != nil {
		return nil, err
	}
	result := toNavigationDTO(id, sess)
	return &result, nil
}

// StopNavigation ends guidance. Stopping an unknown session is a no-op.
func (s *DispatchService) StopNavigation(id uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.Stop()
	}
}

// GetNavigation returns the current instruction and progress.
func (s *DispatchService) GetNavigation(id uuid.UUID) (*NavigationDTO, error) {
	sess, err := s.requireSession(id)
	if err != nil {
		return nil, err
	}
	result := toNavigationDTO(id, sess)
	return &result, nil
}

// SetVoiceGuidance toggles spoken instructions.
func (s *DispatchService) SetVoiceGuidance(id uuid.UUID, enabled bool) (*NavigationDTO, error) {
	sess, err := s.requireSession(id)
	if err != nil {
		return nil, err
	}
	sess.SetVoiceEnabled(enabled)
	result := toNavigationDTO(id, sess)
	return &result, nil
}

// --- Live feed ---

// Observe registers o for changes to an appointment and returns its current
// state. Changes committed while registering may be seen twice; the version
// tells them apart.
func (s *DispatchService) Observe(ctx context.Context, id uuid.UUID, o statemachine.Observer) (appointment.Snapshot, func(), error) {
	loaded, err := s.load(ctx, id)
	if err != nil {
		return appointment.Snapshot{}, nil, err
	}
	if loaded.Status.IsTerminal() {
		return loaded, func() {}, nil
	}
	cancel := s.machine.Observe(id, o)
	snap, err := s.machine.Snapshot(id)
	if err != nil {
		cancel()
		return appointment.Snapshot{}, nil, err
	}
	return snap, cancel, nil
}

// OnConnection forwards live channel connectivity signals to fn.
func (s *DispatchService) OnConnection(fn func(connected bool)) func() {
	return s.machine.OnConnection(func(sig channel.Signal) {
		fn(sig == channel.SignalReconnected)
	})
}

// --- Admin methods ---

// ListAppointments returns a paginated list of all appointments (admin).
// Tracked appointments are reported with their live state.
func (s *DispatchService) ListAppointments(ctx context.Context, page, limit int) ([]AppointmentDTO, int64, error) {
	snaps, total, err := s.store.ListAll(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}

	dtos := make([]AppointmentDTO, len(snaps))
	for i, snap := range snaps {
		if live, err := s.machine.Snapshot(snap.ID); err == nil && live.Version >= snap.Version {
			snap = live
		}
		dtos[i] = ToAppointmentDTO(snap)
	}
	return dtos, total, nil
}

// GetAppointmentStats returns aggregate appointment statistics (admin).
func (s *DispatchService) GetAppointmentStats(ctx context.Context) (*AppointmentStatsDTO, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	s.mu.Lock()
	navigating := 0
	for _, sess := range s.sessions {
		if sess.Active() {
			navigating++
		}
	}
	s.mu.Unlock()

	return &AppointmentStatsDTO{
		TotalAppointments: total,
		ByStatus:          counts,
		Tracked:           len(s.machine.Tracked()),
		ActiveNavigations: navigating,
	}, nil
}

// --- Helpers ---

// load returns the tracked snapshot, adopting it from the store first if needed.
func (s *DispatchService) load(ctx context.Context, id uuid.UUID) (appointment.Snapshot, error) {
	snap, err := s.machine.Snapshot(id)
	if err == nil {
		return snap, nil
	}
	if !apperror.IsNotFound(err) {
		return appointment.Snapshot{}, err
	}

	stored, err := s.store.Fetch(ctx, id)
	if err != nil {
		return appointment.Snapshot{}, err
	}
	if stored.Status.IsTerminal() {
		return stored, nil
	}
	if err := s.track(stored); err != nil {
		return appointment.Snapshot{}, err
	}
	return s.machine.Snapshot(id)
}

func (s *DispatchService) track(snap appointment.Snapshot) error {
	s.mu.Lock()
	_, watching := s.watches[snap.ID]
	s.mu.Unlock()
	if !watching {
		cancel := s.machine.Observe(snap.ID, s.onChange)
		s.mu.Lock()
		if _, ok := s.watches[snap.ID]; ok {
			cancel()
		} else {
			s.watches[snap.ID] = cancel
		}
		s.mu.Unlock()
	}

	_, err := s.machine.Track(snap)
	return err
}

// onChange keeps navigation sessions and in-flight routes in line with the
// appointment. It runs on the machine's dispatcher, which may be inside an
// engine install callback, so it never calls the engine synchronously.
func (s *DispatchService) onChange(c statemachine.Change) {
	id := c.Snapshot.ID
	switch {
	case c.Kind == statemachine.ChangeRoute:
		s.mu.Lock()
		if sess, ok := s.sessions[id]; ok && sess.Route() != c.Snapshot.CurrentRoute {
			sess.Stop()
			delete(s.sessions, id)
			if next, err := navigation.Start(c.Snapshot.CurrentRoute); err == nil {
				next.SetVoiceEnabled(sess.VoiceEnabled())
				s.sessions[id] = next
			}
		}
		s.mu.Unlock()

	case c.Kind == statemachine.ChangeStatus && c.Snapshot.Status.IsTerminal():
		s.mu.Lock()
		if sess, ok := s.sessions[id]; ok {
			sess.Stop()
			delete(s.sessions, id)
		}
		delete(s.routeReqs, id)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.engine.Cancel(id.String())
			s.release(id)
		}()
	}
}

// release stops tracking a closed appointment once nothing is left to store.
func (s *DispatchService) release(id uuid.UUID) {
	s.mu.Lock()
	if _, pending := s.pending[id]; pending {
		s.mu.Unlock()
		return
	}
	cancel := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.machine.Forget(id)
}

func (s *DispatchService) recompute(ctx context.Context, id uuid.UUID, req routing.Request) (*RouteDTO, error) {
	s.mu.Lock()
	s.routeReqs[id] = req
	s.mu.Unlock()

	r, err := s.engine.Recompute(ctx, id.String(), req, func(r *route.Route) {
		if err := s.machine.SetRoute(id, r); err != nil {
			s.logger.Warn("failed to install route", zap.String("appointment_id", id.String()), zap.Error(err))
		}
	})
	if err != nil {
		if route.IsRetryable(err) {
			if est, estErr := s.engine.Estimate(req.Points(), req.Profile); estErr == nil {
				return toRouteDTO(est), err
			}
		}
		return nil, err
	}
	return toRouteDTO(r), nil
}

func (s *DispatchService) offRoute(snap appointment.Snapshot, p geo.Point) bool {
	r := snap.CurrentRoute
	if snap.Status != appointment.StatusDriverEnroute || r == nil || r.Estimated || len(r.Geometry) == 0 {
		return false
	}
	return geo.NearestDistanceMeters(p, r.Geometry) > s.settings.OffRouteMeters
}

// rerouteFrom recomputes the route from p in the background, reusing the
// waypoints and profile of the last request.
func (s *DispatchService) rerouteFrom(id uuid.UUID, snap appointment.Snapshot, p geo.Point) {
	s.mu.Lock()
	req, ok := s.routeReqs[id]
	s.mu.Unlock()
	if !ok {
		req = routing.Request{Destination: snap.PickupLocation, Profile: snap.CurrentRoute.Profile}
	}
	req.Origin = p

	s.logger.Info("driver off route, rerouting", zap.String("appointment_id", id.String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.recompute(s.bg, id, req); err != nil && !errors.Is(err, route.ErrSuperseded) {
			s.logger.Warn("reroute failed", zap.String("appointment_id", id.String()), zap.Error(err))
		}
	}()
}

// retryPersist stores the latest snapshot of the appointment with
// exponential backoff until the store has caught up with snap's version.
func (s *DispatchService) retryPersist(snap appointment.Snapshot, kind statemachine.IntentKind) {
	id := snap.ID
	s.mu.Lock()
	if cur, ok := s.pending[id]; ok {
		if snap.Version > cur.version {
			s.pending[id] = pendingPersist{version: snap.Version, kind: kind, last: snap}
		}
		s.mu.Unlock()
		return
	}
	s.pending[id] = pendingPersist{version: snap.Version, kind: kind, last: snap}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			stored, err := s.persistLatest(id, kind)

			s.mu.Lock()
			want := s.pending[id]
			if err != nil || want.version <= stored.Version {
				delete(s.pending, id)
				s.mu.Unlock()
				if err == nil && kind == statemachine.IntentTransition {
					s.publishStatusChanged(s.bg, stored)
				}
				if apperror.IsConflict(err) {
					s.reload(s.bg, id)
				}
				if err == nil && stored.Status.IsTerminal() {
					s.release(id)
				}
				return
			}
			kind = want.kind
			s.mu.Unlock()
		}
	}()
}

func (s *DispatchService) persistLatest(id uuid.UUID, kind statemachine.IntentKind) (appointment.Snapshot, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.settings.RetryInitialInterval
	b.MaxElapsedTime = s.settings.RetryMaxElapsed

	var stored appointment.Snapshot
	op := func() error {
		snap, err := s.machine.Snapshot(id)
		if apperror.IsNotFound(err) {
			s.mu.Lock()
			snap, err = s.pending[id].last, nil
			s.mu.Unlock()
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		err = s.store.Persist(s.bg, statemachine.Intent{Kind: kind, Snapshot: snap, OccurredAt: snap.LastUpdatedAt})
		if apperror.IsConflict(err) {
			return backoff.Permanent(err)
		}
		if err == nil {
			stored = snap
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("persist retry scheduled",
			zap.String("appointment_id", id.String()),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, s.bg), notify); err != nil {
		s.logger.Error("giving up persisting appointment", zap.String("appointment_id", id.String()), zap.Error(err))
		return appointment.Snapshot{}, err
	}
	s.logger.Info("appointment persisted after retry",
		zap.String("appointment_id", id.String()),
		zap.Int64("version", stored.Version),
	)
	return stored, nil
}

// reload replaces the local copy of id with the stored one after another
// node's write won.
func (s *DispatchService) reload(ctx context.Context, id uuid.UUID) {
	snap, err := s.store.Fetch(ctx, id)
	if err != nil {
		s.logger.Error("failed to reload appointment after conflict", zap.String("appointment_id", id.String()), zap.Error(err))
		return
	}
	outcome := s.machine.ApplyRemoteUpdate(snap)
	s.logger.Warn("local change lost to a concurrent write, reloaded from store",
		zap.String("appointment_id", id.String()),
		zap.Int64("version", snap.Version),
		zap.String("outcome", string(outcome)),
	)
}

func (s *DispatchService) publishStatusChanged(ctx context.Context, snap appointment.Snapshot) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishStatusChanged(ctx, snap); err != nil {
		s.logger.Error("failed to publish status change",
			zap.String("appointment_id", snap.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *DispatchService) session(id uuid.UUID) *navigation.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *DispatchService) requireSession(id uuid.UUID) (*navigation.Session, error) {
	sess := s.session(id)
	if sess == nil {
		return nil, apperror.NewNotFoundError("navigation session", id.String())
	}
	return sess, nil
}

// authorizeTransition decides whether actor may move snap to target.
// Admins may do anything, clients may only cancel their own appointment and
// drivers may only move appointments assigned to them, or claim a pending one.
func authorizeTransition(actor Actor, snap appointment.Snapshot, target appointment.Status) error {
	switch actor.Role {
	case appointment.RoleAdmin:
		return nil
	case appointment.RoleClient:
		if snap.Client.ID != actor.ID {
			return apperror.NewForbiddenError("appointment does not belong to this client")
		}
		if target != appointment.StatusCancelled {
			return apperror.NewForbiddenError("clients may only cancel an appointment")
		}
		return nil
	case appointment.RoleDriver:
		if snap.Driver == nil && target == appointment.StatusConfirmed {
			return nil
		}
		if snap.Driver == nil || snap.Driver.ID != actor.ID {
			return apperror.NewForbiddenError("appointment is not assigned to this driver")
		}
		return nil
	default:
		return apperror.NewForbiddenError("unknown actor role")
	}
}

func toNavigationDTO(id uuid.UUID, sess *navigation.Session) NavigationDTO {
	return NavigationDTO{
		AppointmentID: id,
		Active:        sess.Active(),
		Step:          sess.CurrentInstruction(),
		SpeakableText: sess.SpeakableText(),
		VoiceEnabled:  sess.VoiceEnabled(),
		Progress:      sess.Progress(),
	}
}
