package events

import (
	"time"

	"github.com/google/uuid"
)

// Source is the CloudEvent source of everything this service publishes.
const Source = "service-dispatch"

// Event types.
const (
	AppointmentStatusChanged = "appointment.status_changed"
	AppointmentCreated       = "booking.appointment_created"
	PaymentCaptured          = "payment.captured"
)

// AppointmentStatusChangedEvent is published once a status change is stored.
type AppointmentStatusChangedEvent struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	Status        string     `json:"status"`
	Version       int64      `json:"version"`
	ClientID      uuid.UUID  `json:"client_id"`
	DriverID      *uuid.UUID `json:"driver_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// AppointmentCreatedEvent is consumed from the booking flow.
type AppointmentCreatedEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ClientID      uuid.UUID `json:"client_id"`
	ClientName    string    `json:"client_name"`
	PickupLat     float64   `json:"pickup_lat"`
	PickupLng     float64   `json:"pickup_lng"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// PaymentCapturedEvent is consumed from the payment flow.
type PaymentCapturedEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PaymentID     string    `json:"payment_id"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	CapturedAt    time.Time `json:"captured_at"`
}
