// Package channel is the typed publish/subscribe boundary that carries
// appointment status changes and driver positions between actors.
//
// Delivery is at-least-once and unordered. Nothing is buffered while the
// transport is down: publishes are dropped, a SignalConnectionLost is raised,
// and after SignalReconnected subscribers must re-fetch authoritative state
// because no history is replayed.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/google/uuid"
)

// Kind discriminates the two message kinds.
type Kind string

const (
	KindStatusChanged   Kind = "status_changed"
	KindLocationUpdated Kind = "location_updated"
)

// StatusChanged announces a new appointment version. It carries every field
// that changes after creation, so a receiver one version behind can rebuild
// the full state from it.
type StatusChanged struct {
	AppointmentID uuid.UUID               `cbor:"appointment_id"`
	Status        string                  `cbor:"status"`
	Version       int64                   `cbor:"version"`
	DriverID      *uuid.UUID              `cbor:"driver_id,omitempty"`
	DriverName    string                  `cbor:"driver_name,omitempty"`
	Reason        string                  `cbor:"reason,omitempty"`
	Payment       *appointment.PaymentRef `cbor:"payment,omitempty"`
	UpdatedAt     time.Time               `cbor:"updated_at"`
	Origin        string                  `cbor:"origin,omitempty"`
}

// LocationUpdated carries one driver position.
type LocationUpdated struct {
	DriverID      uuid.UUID `cbor:"driver_id"`
	AppointmentID uuid.UUID `cbor:"appointment_id"`
	Point         geo.Point `cbor:"point"`
	Timestamp     time.Time `cbor:"timestamp"`
	Origin        string    `cbor:"origin,omitempty"`
}

// Message is what subscribers receive. Exactly one of Status and Location is set.
type Message struct {
	Kind     Kind
	Status   *StatusChanged
	Location *LocationUpdated
}

// Origin returns the publishing node's identifier.
func (m Message) Origin() string {
	switch {
	case m.Status != nil:
		return m.Status.Origin
	case m.Location != nil:
		return m.Location.Origin
	}
	return ""
}

// Handler receives messages for one appointment.
type Handler func(Message)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Signal reports transport connectivity changes.
type Signal string

const (
	SignalConnectionLost Signal = "connection_lost"
	SignalReconnected    Signal = "reconnected"
)

// Channel is the live location/status transport.
type Channel interface {
	// Subscribe delivers every message for appointmentID to h.
	Subscribe(appointmentID uuid.UUID, h Handler) (Subscription, error)
	// PublishStatus fans a status change out to every subscriber.
	PublishStatus(ctx context.Context, msg StatusChanged) error
	// PublishLocation fans a driver position out to every subscriber.
	PublishLocation(ctx context.Context, msg LocationUpdated) error
	// Signals reports connection loss and recovery.
	Signals() <-chan Signal
	// Connected reports whether the transport is currently up.
	Connected() bool
	Close() error
}

// ErrClosed is returned when subscribing on a closed channel.
var ErrClosed = errors.New("channel closed")

const signalBuffer = 8

// emitSignal delivers sig without blocking; a full buffer means the consumer
// already has a pending signal to react to.
func emitSignal(ch chan Signal, sig Signal) {
	select {
	case ch <- sig:
	default:
	}
}
