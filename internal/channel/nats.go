package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "dispatch.appointments"

func statusSubject(id uuid.UUID) string   { return subjectPrefix + "." + id.String() + ".status" }
func locationSubject(id uuid.UUID) string { return subjectPrefix + "." + id.String() + ".location" }

// NATS is a Channel over core NATS subjects. Core NATS has no replay, which
// matches the no-history delivery contract; the reconnect buffer is disabled
// so publishes during an outage are dropped rather than queued.
type NATS struct {
	conn    *nats.Conn
	codec   *Codec
	origin  string
	signals chan Signal
	logger  *zap.Logger
}

// NewNATS connects to url. Connection failures at startup are retried in the
// background; the channel reports Connected()==false until the first connect.
func NewNATS(url, origin string, codec *Codec, logger *zap.Logger) (*NATS, error) {
	n := &NATS{
		codec:   codec,
		origin:  origin,
		signals: make(chan Signal, signalBuffer),
		logger:  logger.Named("nats"),
	}

	conn, err := nats.Connect(url,
		nats.Name("dispatch-"+origin),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn("nats disconnected", zap.Error(err))
			emitSignal(n.signals, SignalConnectionLost)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			emitSignal(n.signals, SignalReconnected)
		}),
		nats.ConnectHandler(func(c *nats.Conn) {
			n.logger.Info("nats connected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	n.conn = conn
	return n, nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

// Subscribe implements Channel.
func (n *NATS) Subscribe(appointmentID uuid.UUID, h Handler) (Subscription, error) {
	subject := subjectPrefix + "." + appointmentID.String() + ".*"
	sub, err := n.conn.Subscribe(subject, func(m *nats.Msg) {
		msg, err := n.decode(m)
		if err != nil {
			n.logger.Warn("dropping undecodable message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		h(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return natsSub{sub: sub}, nil
}

func (n *NATS) decode(m *nats.Msg) (Message, error) {
	switch {
	case strings.HasSuffix(m.Subject, ".status"):
		s, err := n.codec.DecodeStatus(m.Data)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindStatusChanged, Status: &s}, nil
	case strings.HasSuffix(m.Subject, ".location"):
		l, err := n.codec.DecodeLocation(m.Data)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindLocationUpdated, Location: &l}, nil
	}
	return Message{}, fmt.Errorf("unknown subject %q", m.Subject)
}

// PublishStatus implements Channel.
func (n *NATS) PublishStatus(_ context.Context, msg StatusChanged) error {
	if msg.Origin == "" {
		msg.Origin = n.origin
	}
	return n.publish(statusSubject(msg.AppointmentID), msg)
}

// PublishLocation implements Channel.
func (n *NATS) PublishLocation(_ context.Context, msg LocationUpdated) error {
	if msg.Origin == "" {
		msg.Origin = n.origin
	}
	return n.publish(locationSubject(msg.AppointmentID), msg)
}

func (n *NATS) publish(subject string, v any) error {
	if !n.conn.IsConnected() {
		n.logger.Debug("not connected, dropping publish", zap.String("subject", subject))
		return nil
	}
	data, err := n.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := n.conn.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrReconnectBufExceeded) || errors.Is(err, nats.ErrConnectionReconnecting) {
			return nil
		}
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Signals implements Channel.
func (n *NATS) Signals() <-chan Signal { return n.signals }

// Connected implements Channel.
func (n *NATS) Connected() bool { return n.conn.IsConnected() }

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
