package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process broker. Each Endpoint behaves like one actor's
// connection and can be disconnected independently.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[*Memory]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[*Memory]struct{})}
}

// Endpoint attaches a new connected Channel to the bus.
func (b *MemoryBus) Endpoint() *Memory {
	m := &Memory{
		bus:       b,
		connected: true,
		subs:      make(map[uuid.UUID]map[*memorySub]struct{}),
		signals:   make(chan Signal, signalBuffer),
	}
	b.mu.Lock()
	b.endpoints[m] = struct{}{}
	b.mu.Unlock()
	return m
}

func (b *MemoryBus) deliver(appointmentID uuid.UUID, msg Message) {
	b.mu.RLock()
	endpoints := make([]*Memory, 0, len(b.endpoints))
	for m := range b.endpoints {
		endpoints = append(endpoints, m)
	}
	b.mu.RUnlock()

	for _, m := range endpoints {
		m.receive(appointmentID, msg)
	}
}

func (b *MemoryBus) detach(m *Memory) {
	b.mu.Lock()
	delete(b.endpoints, m)
	b.mu.Unlock()
}

// Memory is a Channel endpoint on a MemoryBus. Delivery is synchronous on the
// publisher's goroutine.
type Memory struct {
	bus *MemoryBus

	mu        sync.RWMutex
	connected bool
	closed    bool
	subs      map[uuid.UUID]map[*memorySub]struct{}
	signals   chan Signal
}

type memorySub struct {
	owner         *Memory
	appointmentID uuid.UUID
	handler       Handler
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if set, ok := s.owner.subs[s.appointmentID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.owner.subs, s.appointmentID)
		}
	}
	return nil
}

// Subscribe implements Channel.
func (m *Memory) Subscribe(appointmentID uuid.UUID, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{owner: m, appointmentID: appointmentID, handler: h}
	set, ok := m.subs[appointmentID]
	if !ok {
		set = make(map[*memorySub]struct{})
		m.subs[appointmentID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// PublishStatus implements Channel.
func (m *Memory) PublishStatus(_ context.Context, msg StatusChanged) error {
	if !m.Connected() {
		return nil
	}
	m.bus.deliver(msg.AppointmentID, Message{Kind: KindStatusChanged, Status: &msg})
	return nil
}

// PublishLocation implements Channel.
func (m *Memory) PublishLocation(_ context.Context, msg LocationUpdated) error {
	if !m.Connected() {
		return nil
	}
	m.bus.deliver(msg.AppointmentID, Message{Kind: KindLocationUpdated, Location: &msg})
	return nil
}

// Signals implements Channel.
func (m *Memory) Signals() <-chan Signal { return m.signals }

// Connected implements Channel.
func (m *Memory) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && !m.closed
}

// Disconnect simulates transport loss.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	was := m.connected
	m.connected = false
	m.mu.Unlock()
	if was {
		emitSignal(m.signals, SignalConnectionLost)
	}
}

// Reconnect simulates transport recovery. Nothing missed is replayed.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	was := m.connected
	m.connected = true
	m.mu.Unlock()
	if !was {
		emitSignal(m.signals, SignalReconnected)
	}
}

// Close implements Channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = make(map[uuid.UUID]map[*memorySub]struct{})
	m.mu.Unlock()
	m.bus.detach(m)
	return nil
}

func (m *Memory) receive(appointmentID uuid.UUID, msg Message) {
	m.mu.RLock()
	if !m.connected || m.closed {
		m.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(m.subs[appointmentID]))
	for sub := range m.subs[appointmentID] {
		handlers = append(handlers, sub.handler)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
