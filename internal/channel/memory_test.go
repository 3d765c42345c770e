package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestMemory_FanOutToEveryEndpoint(t *testing.T) {
	bus := NewMemoryBus()
	driver, client, admin := bus.Endpoint(), bus.Endpoint(), bus.Endpoint()
	id := uuid.New()

	var clientRec, adminRec recorder
	_, err := client.Subscribe(id, clientRec.handle)
	require.NoError(t, err)
	_, err = admin.Subscribe(id, adminRec.handle)
	require.NoError(t, err)

	require.NoError(t, driver.PublishLocation(context.Background(), LocationUpdated{
		DriverID:      uuid.New(),
		AppointmentID: id,
		Point:         geo.Point{Latitude: 3.1, Longitude: 101.6},
		Timestamp:     time.Now(),
	}))

	for _, rec := range []*recorder{&clientRec, &adminRec} {
		msgs := rec.all()
		require.Len(t, msgs, 1)
		assert.Equal(t, KindLocationUpdated, msgs[0].Kind)
		require.NotNil(t, msgs[0].Location)
		assert.Equal(t, 3.1, msgs[0].Location.Point.Latitude)
	}
}

func TestMemory_OnlyMatchingAppointment(t *testing.T) {
	bus := NewMemoryBus()
	ep := bus.Endpoint()
	var rec recorder
	_, err := ep.Subscribe(uuid.New(), rec.handle)
	require.NoError(t, err)

	require.NoError(t, ep.PublishStatus(context.Background(), StatusChanged{AppointmentID: uuid.New(), Status: "confirmed", Version: 2}))
	assert.Empty(t, rec.all())
}

func TestMemory_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	ep := bus.Endpoint()
	id := uuid.New()
	var rec recorder
	sub, err := ep.Subscribe(id, rec.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, ep.PublishStatus(context.Background(), StatusChanged{AppointmentID: id, Status: "confirmed", Version: 2}))
	assert.Empty(t, rec.all())
}

func TestMemory_DisconnectedDropsBothDirections(t *testing.T) {
	bus := NewMemoryBus()
	pub, sub := bus.Endpoint(), bus.Endpoint()
	id := uuid.New()
	var rec recorder
	_, err := sub.Subscribe(id, rec.handle)
	require.NoError(t, err)

	sub.Disconnect()
	assert.Equal(t, SignalConnectionLost, <-sub.Signals())
	assert.False(t, sub.Connected())

	require.NoError(t, pub.PublishStatus(context.Background(), StatusChanged{AppointmentID: id, Status: "confirmed", Version: 2}))
	assert.Empty(t, rec.all())

	sub.Reconnect()
	assert.Equal(t, SignalReconnected, <-sub.Signals())
	// Nothing sent during the outage is replayed.
	assert.Empty(t, rec.all())

	pub.Disconnect()
	require.NoError(t, pub.PublishStatus(context.Background(), StatusChanged{AppointmentID: id, Status: "driver_enroute", Version: 3}))
	assert.Empty(t, rec.all())
}

func TestMemory_DisconnectTwiceSignalsOnce(t *testing.T) {
	ep := NewMemoryBus().Endpoint()
	ep.Disconnect()
	ep.Disconnect()
	assert.Len(t, ep.Signals(), 1)
}

func TestMemory_Close(t *testing.T) {
	bus := NewMemoryBus()
	ep := bus.Endpoint()
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	_, err := ep.Subscribe(uuid.New(), func(Message) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, ep.Connected())
}

func TestMessage_Origin(t *testing.T) {
	assert.Equal(t, "node-a", Message{Kind: KindStatusChanged, Status: &StatusChanged{Origin: "node-a"}}.Origin())
	assert.Equal(t, "node-b", Message{Kind: KindLocationUpdated, Location: &LocationUpdated{Origin: "node-b"}}.Origin())
	assert.Equal(t, "", Message{}.Origin())
}
