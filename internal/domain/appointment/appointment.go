package appointment

import (
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/google/uuid"
)

// Role identifies which actor a party plays.
type Role string

const (
	RoleClient Role = "client"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// IsValid returns true if the role is recognized.
func (r Role) IsValid() bool {
	return r == RoleClient || r == RoleDriver || r == RoleAdmin
}

// PartyRef points at a user taking part in an appointment.
type PartyRef struct {
	ID          uuid.UUID `json:"id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
}

// PaymentRef is the data the payment flow hands over once a payment is captured.
type PaymentRef struct {
	PaymentID   string    `json:"payment_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	CapturedAt  time.Time `json:"captured_at"`
}

// TransitionParams carries the optional data some transitions need.
type TransitionParams struct {
	Driver *PartyRef
	Reason string
}

// Appointment is the aggregate root for the appointment domain.
type Appointment struct {
	id             uuid.UUID
	status         Status
	scheduledAt    time.Time
	client         PartyRef
	driver         *PartyRef
	pickupLocation geo.Point
	payment        *PaymentRef
	cancelReason   string

	// Session-local state. Neither bumps the version.
	currentRoute     *route.Route
	driverLocation   *geo.Point
	driverLocationAt time.Time

	version       int64
	lastUpdatedAt time.Time
}

// NewAppointment creates a new Appointment with status=pending.
func NewAppointment(id uuid.UUID, client PartyRef, pickup geo.Point, scheduledAt time.Time, now time.Time) (*Appointment, error) {
	if id == uuid.Nil {
		return nil, apperror.NewValidationError("appointment ID is required")
	}
	if client.ID == uuid.Nil {
		return nil, apperror.NewValidationError("client ID is required")
	}
	if err := pickup.Validate(); err != nil {
		return nil, apperror.NewValidationError(err.Error())
	}
	if scheduledAt.IsZero() {
		return nil, apperror.NewValidationError("scheduled time is required")
	}
	client.Role = RoleClient

	return &Appointment{
		id:             id,
		status:         StatusPending,
		scheduledAt:    scheduledAt.UTC(),
		client:         client,
		pickupLocation: pickup,
		version:        1,
		lastUpdatedAt:  now.UTC(),
	}, nil
}

// --- Getters ---

// ID returns the appointment's unique identifier.
func (a *Appointment) ID() uuid.UUID { return a.id }

// Status returns the current status.
func (a *Appointment) Status() Status { return a.status }

// Version returns the conflict-resolution counter.
func (a *Appointment) Version() int64 { return a.version }

// Driver returns the assigned driver, or nil if unassigned.
func (a *Appointment) Driver() *PartyRef { return a.driver }

// PickupLocation returns where the inspection takes place.
func (a *Appointment) PickupLocation() geo.Point { return a.pickupLocation }

// CurrentRoute returns the latest computed route, or nil.
func (a *Appointment) CurrentRoute() *route.Route { return a.currentRoute }

// DriverLocation returns the last reported driver position, or nil.
func (a *Appointment) DriverLocation() *geo.Point { return a.driverLocation }

// --- Behavior ---

// Transition moves the appointment to target, bumping the version. It does
// not mutate anything when the transition is illegal or incomplete.
func (a *Appointment) Transition(target Status, params TransitionParams, now time.Time) error {
	if !a.status.CanTransitionTo(target) {
		return NewTransitionError(a.status, target)
	}

	driver := a.driver
	if target == StatusConfirmed {
		if params.Driver != nil {
			if params.Driver.ID == uuid.Nil {
				return apperror.NewValidationError("driver ID is required")
			}
			d := *params.Driver
			d.Role = RoleDriver
			driver = &d
		}
		if driver == nil {
			return apperror.NewValidationError("a driver must be assigned to confirm an appointment")
		}
	}

	a.driver = driver
	a.status = target
	if target == StatusCancelled {
		a.cancelReason = params.Reason
	}
	a.bump(now)
	return nil
}

// AttachPayment records captured payment data on the appointment.
func (a *Appointment) AttachPayment(p PaymentRef, now time.Time) error {
	if p.PaymentID == "" {
		return apperror.NewValidationError("payment ID is required")
	}
	if p.AmountCents < 0 {
		return apperror.NewValidationError("payment amount cannot be negative")
	}
	if a.payment != nil && a.payment.PaymentID == p.PaymentID {
		return nil
	}
	a.payment = &p
	a.bump(now)
	return nil
}

// SetDriverLocation records a driver position. Positions older than the last
// accepted one are ignored and false is returned.
func (a *Appointment) SetDriverLocation(p geo.Point, at time.Time) bool {
	if a.driverLocation != nil && at.Before(a.driverLocationAt) {
		return false
	}
	a.driverLocation = &p
	a.driverLocationAt = at
	return true
}

// SetRoute replaces the current route.
func (a *Appointment) SetRoute(r *route.Route) {
	a.currentRoute = r
}

func (a *Appointment) bump(now time.Time) {
	a.version++
	a.lastUpdatedAt = now.UTC()
}
