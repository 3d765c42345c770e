package events

import (
	"context"
	"errors"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/apperror"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/kafka"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AppointmentIntake is the part of the dispatch service driven by upstream events.
type AppointmentIntake interface {
	CreateAppointment(ctx context.Context, req application.CreateAppointmentRequest) (*application.AppointmentDTO, error)
	AttachPayment(ctx context.Context, id uuid.UUID, p appointment.PaymentRef) (*application.AppointmentDTO, error)
}

// InboundConsumer listens to booking and payment events and feeds them to
// the dispatch service.
type InboundConsumer struct {
	consumers []*kafka.Consumer
	intake    AppointmentIntake
	logger    *zap.Logger
}

// NewInboundConsumer creates a consumer for the booking and payment topics.
func NewInboundConsumer(
	brokers []string,
	groupID string,
	bookingTopic string,
	paymentTopic string,
	intake AppointmentIntake,
	logger *zap.Logger,
) *InboundConsumer {
	return &InboundConsumer{
		consumers: []*kafka.Consumer{
			kafka.NewConsumer(brokers, groupID, bookingTopic, logger),
			kafka.NewConsumer(brokers, groupID, paymentTopic, logger),
		},
		intake: intake,
		logger: logger,
	}
}

// Start consumes every topic until ctx is cancelled or one consumer fails.
func (c *InboundConsumer) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, consumer := range c.consumers {
		consumer := consumer
		g.Go(func() error {
			return consumer.Consume(ctx, c.handleMessage)
		})
	}
	return g.Wait()
}

// Close closes the underlying Kafka consumers.
func (c *InboundConsumer) Close() error {
	var errs []error
	for _, consumer := range c.consumers {
		errs = append(errs, consumer.Close())
	}
	return errors.Join(errs...)
}

func (c *InboundConsumer) handleMessage(ctx context.Context, msg kafkago.Message) error {
	cloudEvent, err := kafka.ParseCloudEvent(msg.Value)
	if err != nil {
		c.logger.Error("failed to parse cloud event",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return nil // Don't retry malformed messages
	}

	switch cloudEvent.Type {
	case AppointmentCreated:
		return c.handleAppointmentCreated(ctx, cloudEvent)
	case PaymentCaptured:
		return c.handlePaymentCaptured(ctx, cloudEvent)
	default:
		c.logger.Debug("ignoring unhandled event type",
			zap.String("type", cloudEvent.Type),
		)
		return nil
	}
}

func (c *InboundConsumer) handleAppointmentCreated(ctx context.Context, cloudEvent kafka.CloudEvent) error {
	var evt AppointmentCreatedEvent
	if err := cloudEvent.ParseData(&evt); err != nil {
		c.logger.Error("failed to parse AppointmentCreatedEvent data", zap.Error(err))
		return nil // Don't retry malformed data
	}

	_, err := c.intake.CreateAppointment(ctx, application.CreateAppointmentRequest{
		AppointmentID: evt.AppointmentID,
		ClientID:      evt.ClientID,
		ClientName:    evt.ClientName,
		PickupLat:     evt.PickupLat,
		PickupLng:     evt.PickupLng,
		ScheduledAt:   evt.ScheduledAt,
	})
	if err != nil {
		return c.settle(evt.AppointmentID, "create appointment", err)
	}

	c.logger.Info("appointment created from booking event",
		zap.String("appointment_id", evt.AppointmentID.String()),
	)
	return nil
}

func (c *InboundConsumer) handlePaymentCaptured(ctx context.Context, cloudEvent kafka.CloudEvent) error {
	var evt PaymentCapturedEvent
	if err := cloudEvent.ParseData(&evt); err != nil {
		c.logger.Error("failed to parse PaymentCapturedEvent data", zap.Error(err))
		return nil // Don't retry malformed data
	}

	_, err := c.intake.AttachPayment(ctx, evt.AppointmentID, appointment.PaymentRef{
		PaymentID:   evt.PaymentID,
		AmountCents: evt.AmountCents,
		Currency:    evt.Currency,
		CapturedAt:  evt.CapturedAt,
	})
	if err != nil {
		return c.settle(evt.AppointmentID, "attach payment", err)
	}

	c.logger.Info("payment attached to appointment",
		zap.String("appointment_id", evt.AppointmentID.String()),
		zap.String("payment_id", evt.PaymentID),
	)
	return nil
}

// settle decides whether a failed event is redelivered. Infrastructure
// failures and writes lost to a concurrent change are; bad input and changes
// already being retried are committed.
func (c *InboundConsumer) settle(id uuid.UUID, op string, err error) error {
	var perr *statemachine.PersistenceError
	switch {
	case errors.As(err, &perr) && apperror.IsConflict(err):
		c.logger.Warn(op+": lost to a concurrent change, redelivering", zap.String("appointment_id", id.String()), zap.Error(err))
		return err
	case errors.As(err, &perr):
		c.logger.Warn(op+": accepted, store retry pending", zap.String("appointment_id", id.String()), zap.Error(err))
		return nil
	case apperror.KindOf(err) != "":
		c.logger.Error(op+": rejected", zap.String("appointment_id", id.String()), zap.Error(err))
		return nil
	default:
		c.logger.Error(op+" failed", zap.String("appointment_id", id.String()), zap.Error(err))
		return err
	}
}
