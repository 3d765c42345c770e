package appointment

import (
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/google/uuid"
)

// Snapshot is an immutable copy of an appointment handed to observers,
// persisted as an intent and received from remote actors. Route points at a
// value that is never mutated.
type Snapshot struct {
	ID               uuid.UUID    `json:"id"`
	Status           Status       `json:"status"`
	ScheduledAt      time.Time    `json:"scheduled_at"`
	Client           PartyRef     `json:"client"`
	Driver           *PartyRef    `json:"driver,omitempty"`
	PickupLocation   geo.Point    `json:"pickup_location"`
	Payment          *PaymentRef  `json:"payment,omitempty"`
	CancelReason     string       `json:"cancel_reason,omitempty"`
	CurrentRoute     *route.Route `json:"current_route,omitempty"`
	DriverLocation   *geo.Point   `json:"driver_location,omitempty"`
	DriverLocationAt time.Time    `json:"driver_location_at,omitempty"`
	LastUpdatedAt    time.Time    `json:"last_updated_at"`
	Version          int64        `json:"version"`
}

// Snapshot copies the aggregate's current state.
func (a *Appointment) Snapshot() Snapshot {
	return Snapshot{
		ID:               a.id,
		Status:           a.status,
		ScheduledAt:      a.scheduledAt,
		Client:           a.client,
		Driver:           copyParty(a.driver),
		PickupLocation:   a.pickupLocation,
		Payment:          copyPayment(a.payment),
		CancelReason:     a.cancelReason,
		CurrentRoute:     a.currentRoute,
		DriverLocation:   copyPoint(a.driverLocation),
		DriverLocationAt: a.driverLocationAt,
		LastUpdatedAt:    a.lastUpdatedAt,
		Version:          a.version,
	}
}

// Validate checks the invariants a snapshot must satisfy before it is adopted.
func (s Snapshot) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("snapshot has no appointment ID")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("snapshot has invalid status %q", s.Status)
	}
	if s.Version < 1 {
		return fmt.Errorf("snapshot has invalid version %d", s.Version)
	}
	if err := s.PickupLocation.Validate(); err != nil {
		return fmt.Errorf("snapshot pickup location: %w", err)
	}
	if s.DriverLocation != nil {
		if err := s.DriverLocation.Validate(); err != nil {
			return fmt.Errorf("snapshot driver location: %w", err)
		}
	}
	return nil
}

// SameContent reports whether two snapshots agree on every versioned field.
// Session-local fields and timestamps are not compared.
func (s Snapshot) SameContent(o Snapshot) bool {
	return s.ID == o.ID &&
		s.Status == o.Status &&
		s.ScheduledAt.Equal(o.ScheduledAt) &&
		s.Client == o.Client &&
		equalParty(s.Driver, o.Driver) &&
		s.PickupLocation == o.PickupLocation &&
		equalPayment(s.Payment, o.Payment) &&
		s.CancelReason == o.CancelReason
}

// Reconstruct rebuilds an Appointment from a snapshot (no transition validation).
func Reconstruct(s Snapshot) (*Appointment, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	a := &Appointment{}
	a.replace(s)
	a.currentRoute = s.CurrentRoute
	a.driverLocation = copyPoint(s.DriverLocation)
	a.driverLocationAt = s.DriverLocationAt
	return a, nil
}

// ReplaceWith overwrites every versioned field with the snapshot's. The
// route and driver location are replaced only when the snapshot carries them.
func (a *Appointment) ReplaceWith(s Snapshot) {
	a.replace(s)
	if s.CurrentRoute != nil {
		a.currentRoute = s.CurrentRoute
	}
	if s.DriverLocation != nil && !s.DriverLocationAt.Before(a.driverLocationAt) {
		a.driverLocation = copyPoint(s.DriverLocation)
		a.driverLocationAt = s.DriverLocationAt
	}
}

func (a *Appointment) replace(s Snapshot) {
	a.id = s.ID
	a.status = s.Status
	a.scheduledAt = s.ScheduledAt
	a.client = s.Client
	a.driver = copyParty(s.Driver)
	a.pickupLocation = s.PickupLocation
	a.payment = copyPayment(s.Payment)
	a.cancelReason = s.CancelReason
	a.version = s.Version
	a.lastUpdatedAt = s.LastUpdatedAt
}

func copyParty(p *PartyRef) *PartyRef {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyPayment(p *PaymentRef) *PaymentRef {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyPoint(p *geo.Point) *geo.Point {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func equalParty(a, b *PartyRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalPayment(a, b *PaymentRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.PaymentID == b.PaymentID &&
		a.AmountCents == b.AmountCents &&
		a.Currency == b.Currency &&
		a.CapturedAt.Equal(b.CapturedAt)
}
