package events

import (
	"context"
	"fmt"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/kafka"
)

// EventWriter is the part of kafka.Producer the publisher needs.
type EventWriter interface {
	PublishEvent(ctx context.Context, topic string, event kafka.CloudEvent) error
}

// AppointmentPublisher publishes appointment domain events to Kafka.
type AppointmentPublisher struct {
	writer EventWriter
	topic  string
}

// NewAppointmentPublisher creates a new AppointmentPublisher.
func NewAppointmentPublisher(writer EventWriter, topic string) *AppointmentPublisher {
	return &AppointmentPublisher{writer: writer, topic: topic}
}

// PublishStatusChanged publishes an appointment.status_changed event keyed
// by appointment so that events for one appointment stay ordered.
func (p *AppointmentPublisher) PublishStatusChanged(ctx context.Context, snap appointment.Snapshot) error {
	evt := AppointmentStatusChangedEvent{
		AppointmentID: snap.ID,
		Status:        string(snap.Status),
		Version:       snap.Version,
		ClientID:      snap.Client.ID,
		Reason:        snap.CancelReason,
		OccurredAt:    snap.LastUpdatedAt,
	}
	if snap.Driver != nil {
		id := snap.Driver.ID
		evt.DriverID = &id
	}

	ce, err := kafka.NewCloudEvent(Source, AppointmentStatusChanged, evt)
	if err != nil {
		return fmt.Errorf("failed to create cloud event: %w", err)
	}
	return p.writer.PublishEvent(ctx, p.topic, ce.WithSubject(snap.ID.String()))
}
