// Package statemachine owns the in-process copy of each tracked appointment.
// Local transitions are validated against the lifecycle table, remote
// updates are merged last-writer-wins by version, and every accepted change
// is fanned out to observers as an immutable snapshot.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/channel"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// fetchTimeout bounds the Store read made when a status message skips versions.
const fetchTimeout = 5 * time.Second

type tracked struct {
	appt *appointment.Appointment
	sub  channel.Subscription
}

type delivery struct {
	observers []Observer
	change    Change
}

// Machine is the appointment state machine for one process.
type Machine struct {
	ch     channel.Channel
	store  Store
	logger *zap.Logger
	origin string
	now    func() time.Time

	mu          sync.Mutex
	appts       map[uuid.UUID]*tracked
	observers   map[uuid.UUID]map[uint64]Observer
	listeners   map[uint64]func(channel.Signal)
	nextID      uint64
	queue       []delivery
	dispatching bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithOrigin sets the node identifier stamped on published messages.
// Messages carrying this origin are ignored when they come back.
func WithOrigin(origin string) Option {
	return func(m *Machine) { m.origin = origin }
}

// New creates a Machine. ch and store are required.
func New(ch channel.Channel, store Store, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		ch:        ch,
		store:     store,
		logger:    logger.Named("statemachine"),
		origin:    uuid.NewString(),
		now:       time.Now,
		appts:     make(map[uuid.UUID]*tracked),
		observers: make(map[uuid.UUID]map[uint64]Observer),
		listeners: make(map[uint64]func(channel.Signal)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Origin returns the node identifier.
func (m *Machine) Origin() string { return m.origin }

// Track starts owning snap's appointment and subscribes to its channel
// traffic. An already tracked appointment is merged as a remote update.
func (m *Machine) Track(snap appointment.Snapshot) (MergeOutcome, error) {
	if err := snap.Validate(); err != nil {
		return MergeRejected, apperror.NewValidationError(err.Error())
	}
	outcome := m.ApplyRemoteUpdate(snap)
	if err := m.ensureSubscribed(snap.ID); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// Forget stops tracking an appointment. Observers stay registered.
func (m *Machine) Forget(id uuid.UUID) {
	m.mu.Lock()
	t, ok := m.appts[id]
	delete(m.appts, id)
	m.mu.Unlock()
	if ok && t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			m.logger.Warn("unsubscribe failed", zap.String("appointment_id", id.String()), zap.Error(err))
		}
	}
}

// Tracked lists the IDs of every tracked appointment.
func (m *Machine) Tracked() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(m.appts))
	for id := range m.appts {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of the tracked appointment.
func (m *Machine) Snapshot(id uuid.UUID) (appointment.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.appts[id]
	if !ok {
		return appointment.Snapshot{}, apperror.NewNotFoundError("appointment", id.String())
	}
	return t.appt.Snapshot(), nil
}

// Observe registers o for changes to id. The returned func unregisters it.
func (m *Machine) Observe(id uuid.UUID, o Observer) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	key := m.nextID
	set, ok := m.observers[id]
	if !ok {
		set = make(map[uint64]Observer)
		m.observers[id] = set
	}
	set[key] = o
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.observers[id], key)
			if len(m.observers[id]) == 0 {
				delete(m.observers, id)
			}
		})
	}
}

// OnConnection registers fn for channel connectivity signals.
func (m *Machine) OnConnection(fn func(channel.Signal)) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	key := m.nextID
	m.listeners[key] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, key)
		m.mu.Unlock()
	}
}

// TransitionOption adds data to a local transition.
type TransitionOption func(*appointment.TransitionParams)

// WithDriver assigns the driver, as required when confirming.
func WithDriver(d appointment.PartyRef) TransitionOption {
	return func(p *appointment.TransitionParams) { p.Driver = &d }
}

// WithReason records why an appointment is cancelled.
func WithReason(reason string) TransitionOption {
	return func(p *appointment.TransitionParams) { p.Reason = reason }
}

// ApplyLocalTransition moves the appointment to target on behalf of this
// node. Illegal transitions return *appointment.TransitionError and leave the
// state untouched. When the new state cannot be stored the advanced snapshot
// is returned together with a *PersistenceError.
func (m *Machine) ApplyLocalTransition(ctx context.Context, id uuid.UUID, target appointment.Status, opts ...TransitionOption) (appointment.Snapshot, error) {
	var params appointment.TransitionParams
	for _, opt := range opts {
		opt(&params)
	}

	m.mu.Lock()
	t, ok := m.appts[id]
	if !ok {
		m.mu.Unlock()
		return appointment.Snapshot{}, apperror.NewNotFoundError("appointment", id.String())
	}
	resolved, err := appointment.ResolveTarget(t.appt.Status(), string(target))
	if err != nil {
		m.mu.Unlock()
		return appointment.Snapshot{}, apperror.NewValidationError(err.Error())
	}
	if err := t.appt.Transition(resolved, params, m.now()); err != nil {
		m.mu.Unlock()
		return appointment.Snapshot{}, err
	}
	snap := t.appt.Snapshot()
	m.enqueueLocked(Change{Kind: ChangeStatus, Snapshot: snap})
	m.mu.Unlock()
	m.drain()

	metrics.LocalTransitions.WithLabelValues(string(resolved)).Inc()
	m.logger.Info("appointment transitioned",
		zap.String("appointment_id", id.String()),
		zap.String("status", string(resolved)),
		zap.Int64("version", snap.Version),
	)

	m.publishStatus(ctx, snap)
	return snap, m.persist(ctx, Intent{Kind: IntentTransition, Snapshot: snap, OccurredAt: snap.LastUpdatedAt})
}

// AttachPayment records captured payment data. Attaching the same payment
// twice is a no-op.
func (m *Machine) AttachPayment(ctx context.Context, id uuid.UUID, p appointment.PaymentRef) (appointment.Snapshot, error) {
	m.mu.Lock()
	t, ok := m.appts[id]
	if !ok {
		m.mu.Unlock()
		return appointment.Snapshot{}, apperror.NewNotFoundError("appointment", id.String())
	}
	before := t.appt.Version()
	if err := t.appt.AttachPayment(p, m.now()); err != nil {
		m.mu.Unlock()
		return appointment.Snapshot{}, err
	}
	snap := t.appt.Snapshot()
	if snap.Version == before {
		m.mu.Unlock()
		return snap, nil
	}
	m.enqueueLocked(Change{Kind: ChangeStatus, Snapshot: snap})
	m.mu.Unlock()
	m.drain()

	m.publishStatus(ctx, snap)
	return snap, m.persist(ctx, Intent{Kind: IntentPayment, Snapshot: snap, OccurredAt: snap.LastUpdatedAt})
}

// ApplyRemoteUpdate merges a snapshot received from another actor.
// Versions decide: older is ignored, newer replaces wholesale, equal and
// identical is a duplicate, equal and different lets the remote win.
func (m *Machine) ApplyRemoteUpdate(incoming appointment.Snapshot) MergeOutcome {
	outcome := m.merge(incoming)
	metrics.MergeOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (m *Machine) merge(incoming appointment.Snapshot) MergeOutcome {
	if err := incoming.Validate(); err != nil {
		m.logger.Warn("rejecting remote update", zap.String("appointment_id", incoming.ID.String()), zap.Error(err))
		return MergeRejected
	}

	m.mu.Lock()
	t, ok := m.appts[incoming.ID]
	if !ok {
		a, err := appointment.Reconstruct(incoming)
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("rejecting remote update", zap.String("appointment_id", incoming.ID.String()), zap.Error(err))
			return MergeRejected
		}
		m.appts[incoming.ID] = &tracked{appt: a}
		m.enqueueLocked(Change{Kind: ChangeStatus, Snapshot: a.Snapshot(), Remote: true})
		m.mu.Unlock()
		m.drain()
		return MergeAdopted
	}

	local := t.appt.Snapshot()
	var outcome MergeOutcome
	switch {
	case incoming.Version < local.Version:
		m.mu.Unlock()
		m.logger.Debug("ignoring stale remote update",
			zap.String("appointment_id", incoming.ID.String()),
			zap.Int64("local_version", local.Version),
			zap.Int64("remote_version", incoming.Version),
		)
		return MergeStale
	case incoming.Version > local.Version:
		outcome = MergeApplied
	case local.SameContent(incoming):
		m.mu.Unlock()
		return MergeDuplicate
	default:
		outcome = MergeConflict
		m.logger.Warn("remote update differs at equal version, taking remote",
			zap.String("appointment_id", incoming.ID.String()),
			zap.Int64("version", incoming.Version),
			zap.String("local_status", string(local.Status)),
			zap.String("remote_status", string(incoming.Status)),
		)
	}

	t.appt.ReplaceWith(incoming)
	m.enqueueLocked(Change{Kind: ChangeStatus, Snapshot: t.appt.Snapshot(), Remote: true})
	m.mu.Unlock()
	m.drain()
	return outcome
}

// ApplyDriverLocation records a driver position reported on this node and
// shares it on the channel. It never bumps the version. Positions older
// than the current one are dropped and false is returned.
func (m *Machine) ApplyDriverLocation(ctx context.Context, id uuid.UUID, p geo.Point, at time.Time) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, apperror.NewValidationError(err.Error())
	}
	accepted, driverID, err := m.applyLocation(id, p, at, false)
	if err != nil || !accepted {
		return accepted, err
	}

	msg := channel.LocationUpdated{
		DriverID:      driverID,
		AppointmentID: id,
		Point:         p,
		Timestamp:     at.UTC(),
		Origin:        m.origin,
	}
	if err := m.ch.PublishLocation(ctx, msg); err != nil {
		m.logger.Warn("publish location failed", zap.String("appointment_id", id.String()), zap.Error(err))
	}
	return true, nil
}

func (m *Machine) applyLocation(id uuid.UUID, p geo.Point, at time.Time, remote bool) (bool, uuid.UUID, error) {
	m.mu.Lock()
	t, ok := m.appts[id]
	if !ok {
		m.mu.Unlock()
		return false, uuid.Nil, apperror.NewNotFoundError("appointment", id.String())
	}
	if !t.appt.SetDriverLocation(p, at.UTC()) {
		m.mu.Unlock()
		return false, uuid.Nil, nil
	}
	var driverID uuid.UUID
	if d := t.appt.Driver(); d != nil {
		driverID = d.ID
	}
	m.enqueueLocked(Change{Kind: ChangeLocation, Snapshot: t.appt.Snapshot(), Remote: remote})
	m.mu.Unlock()
	m.drain()
	return true, driverID, nil
}

// SetRoute replaces the appointment's current route. It never bumps the version.
func (m *Machine) SetRoute(id uuid.UUID, r *route.Route) error {
	m.mu.Lock()
	t, ok := m.appts[id]
	if !ok {
		m.mu.Unlock()
		return apperror.NewNotFoundError("appointment", id.String())
	}
	t.appt.SetRoute(r)
	m.enqueueLocked(Change{Kind: ChangeRoute, Snapshot: t.appt.Snapshot()})
	m.mu.Unlock()
	m.drain()
	return nil
}

// Resync re-fetches every tracked appointment from the Store and merges it.
// It is run after the channel reconnects because nothing missed is replayed.
func (m *Machine) Resync(ctx context.Context) error {
	var errs []error
	for _, id := range m.Tracked() {
		snap, err := m.store.Fetch(ctx, id)
		if err != nil {
			m.logger.Error("resync fetch failed", zap.String("appointment_id", id.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("fetch %s: %w", id, err))
			continue
		}
		m.ApplyRemoteUpdate(snap)
	}
	return errors.Join(errs...)
}

// Run reacts to channel connectivity signals until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	if m.ch.Connected() {
		metrics.ChannelConnected.Set(1)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-m.ch.Signals():
			m.handleSignal(ctx, sig)
		}
	}
}

func (m *Machine) handleSignal(ctx context.Context, sig channel.Signal) {
	switch sig {
	case channel.SignalConnectionLost:
		metrics.ChannelConnected.Set(0)
		m.logger.Warn("live channel connection lost")
	case channel.SignalReconnected:
		metrics.ChannelConnected.Set(1)
		m.logger.Info("live channel reconnected, resyncing")
		if err := m.Resync(ctx); err != nil {
			m.logger.Error("resync incomplete", zap.Error(err))
		}
	}

	m.mu.Lock()
	listeners := make([]func(channel.Signal), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(sig)
	}
}

func (m *Machine) ensureSubscribed(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.appts[id]
	if !ok || t.sub != nil {
		return nil
	}
	sub, err := m.ch.Subscribe(id, m.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	t.sub = sub
	return nil
}

// handleMessage is the channel callback.
func (m *Machine) handleMessage(msg channel.Message) {
	if msg.Origin() == m.origin {
		return
	}
	switch msg.Kind {
	case channel.KindStatusChanged:
		if msg.Status != nil {
			m.applyStatusMessage(*msg.Status)
		}
	case channel.KindLocationUpdated:
		if msg.Location != nil {
			l := msg.Location
			if err := l.Point.Validate(); err != nil {
				m.logger.Warn("dropping invalid location", zap.String("appointment_id", l.AppointmentID.String()), zap.Error(err))
				return
			}
			if _, _, err := m.applyLocation(l.AppointmentID, l.Point, l.Timestamp, true); err != nil {
				m.logger.Debug("location for untracked appointment", zap.String("appointment_id", l.AppointmentID.String()))
			}
		}
	}
}

// applyStatusMessage turns a status message into a snapshot of the local
// copy with the remote status, version, driver and payment, then merges it.
// A message more than one version ahead means intermediate changes were
// missed, so the authoritative snapshot is fetched from the Store instead.
func (m *Machine) applyStatusMessage(msg channel.StatusChanged) {
	status, err := appointment.ParseStatus(msg.Status)
	if err != nil {
		metrics.MergeOutcomes.WithLabelValues(string(MergeRejected)).Inc()
		m.logger.Warn("rejecting status message", zap.String("appointment_id", msg.AppointmentID.String()), zap.Error(err))
		return
	}
	local, err := m.Snapshot(msg.AppointmentID)
	if err != nil {
		m.logger.Debug("status for untracked appointment", zap.String("appointment_id", msg.AppointmentID.String()))
		return
	}

	if msg.Version > local.Version+1 {
		if m.mergeFromStore(msg.AppointmentID, msg.Version) {
			return
		}
		if local, err = m.Snapshot(msg.AppointmentID); err != nil {
			return
		}
	}

	incoming := local
	incoming.Status = status
	incoming.Version = msg.Version
	incoming.LastUpdatedAt = msg.UpdatedAt
	incoming.CurrentRoute = nil
	incoming.DriverLocation = nil
	if status == appointment.StatusCancelled {
		incoming.CancelReason = msg.Reason
	}
	if msg.DriverID != nil {
		driver := appointment.PartyRef{ID: *msg.DriverID, Role: appointment.RoleDriver, DisplayName: msg.DriverName}
		if local.Driver != nil && local.Driver.ID == driver.ID && driver.DisplayName == "" {
			driver.DisplayName = local.Driver.DisplayName
		}
		incoming.Driver = &driver
	}
	if msg.Payment != nil {
		p := *msg.Payment
		incoming.Payment = &p
	}
	m.ApplyRemoteUpdate(incoming)
}

// mergeFromStore merges the stored snapshot and reports whether it already
// covers version.
func (m *Machine) mergeFromStore(id uuid.UUID, version int64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	snap, err := m.store.Fetch(ctx, id)
	if err != nil {
		m.logger.Warn("fetch after version gap failed", zap.String("appointment_id", id.String()), zap.Error(err))
		return false
	}
	m.ApplyRemoteUpdate(snap)
	return snap.Version >= version
}

func (m *Machine) publishStatus(ctx context.Context, snap appointment.Snapshot) {
	msg := channel.StatusChanged{
		AppointmentID: snap.ID,
		Status:        string(snap.Status),
		Version:       snap.Version,
		Reason:        snap.CancelReason,
		UpdatedAt:     snap.LastUpdatedAt,
		Origin:        m.origin,
	}
	if snap.Payment != nil {
		p := *snap.Payment
		msg.Payment = &p
	}
	if snap.Driver != nil {
		id := snap.Driver.ID
		msg.DriverID = &id
		msg.DriverName = snap.Driver.DisplayName
	}
	if err := m.ch.PublishStatus(ctx, msg); err != nil {
		m.logger.Warn("publish status failed", zap.String("appointment_id", snap.ID.String()), zap.Error(err))
	}
}

func (m *Machine) persist(ctx context.Context, intent Intent) error {
	if err := m.store.Persist(ctx, intent); err != nil {
		metrics.PersistenceFailures.Inc()
		m.logger.Error("failed to persist appointment",
			zap.String("appointment_id", intent.Snapshot.ID.String()),
			zap.Int64("version", intent.Snapshot.Version),
			zap.Error(err),
		)
		return &PersistenceError{AppointmentID: intent.Snapshot.ID, Version: intent.Snapshot.Version, Err: err}
	}
	return nil
}

// enqueueLocked queues change for the appointment's current observers.
// m.mu must be held.
func (m *Machine) enqueueLocked(change Change) {
	set := m.observers[change.Snapshot.ID]
	if len(set) == 0 {
		return
	}
	observers := make([]Observer, 0, len(set))
	for _, o := range set {
		observers = append(observers, o)
	}
	m.queue = append(m.queue, delivery{observers: observers, change: change})
}

// drain delivers queued changes without holding m.mu. Only one goroutine
// drains at a time, so observers see changes in commit order and may call
// back into the Machine.
func (m *Machine) drain() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 {
		d := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		for _, o := range d.observers {
			o(d.change)
		}
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}
