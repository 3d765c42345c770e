package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/metrics"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/middleware"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/response"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// LiveMessageType tags a frame of the live feed.
type LiveMessageType string

const (
	LiveSnapshot   LiveMessageType = "snapshot"
	LiveStatus     LiveMessageType = "status_change"
	LiveLocation   LiveMessageType = "location_update"
	LiveRoute      LiveMessageType = "route_update"
	LiveConnection LiveMessageType = "connection"
)

// LiveMessage is one frame written to a live-feed client.
type LiveMessage struct {
	Type      LiveMessageType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Remote    bool            `json:"remote,omitempty"`
	Data      interface{}     `json:"data"`
}

type connectionState struct {
	Connected bool `json:"connected"`
}

// LiveHandler streams appointment changes and channel connectivity to UIs
// over WebSocket.
type LiveHandler struct {
	service  *application.DispatchService
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewLiveHandler creates a new LiveHandler.
func NewLiveHandler(service *application.DispatchService, logger *zap.Logger) *LiveHandler {
	return &LiveHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.Named("live"),
	}
}

// RegisterRoutes registers the live feed route.
func (h *LiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/api/v1/appointments/:id/live", middleware.ActorMiddleware(), h.Stream)
}

// liveClient is one connected UI. The observer side never blocks: a client
// that cannot keep up is disconnected.
type liveClient struct {
	conn   *websocket.Conn
	send   chan LiveMessage
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *liveClient) enqueue(msg LiveMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("live client too slow, disconnecting")
		c.close()
	}
}

func (c *liveClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Stream handles GET /api/v1/appointments/:id/live.
func (h *LiveHandler) Stream(c *gin.Context) {
	id, ok := appointmentID(c)
	if !ok {
		return
	}
	actor, ok := currentActor(c)
	if !ok {
		return
	}

	client := &liveClient{
		send:   make(chan LiveMessage, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With(zap.String("appointment_id", id.String())),
	}

	snap, cancel, err := h.service.Observe(c.Request.Context(), id, func(ch statemachine.Change) {
		client.enqueue(changeMessage(ch))
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if !canWatch(actor, snap) {
		cancel()
		response.Fail(c, http.StatusForbidden, "forbidden", "not a party to this appointment")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		client.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.conn = conn

	offConn := h.service.OnConnection(func(connected bool) {
		client.enqueue(LiveMessage{
			Type:      LiveConnection,
			Timestamp: time.Now().UTC(),
			Data:      connectionState{Connected: connected},
		})
	})

	metrics.ActiveLiveClients.Inc()
	client.logger.Info("live client connected", zap.String("actor_id", actor.ID.String()))

	client.enqueue(LiveMessage{
		Type:      LiveSnapshot,
		Timestamp: time.Now().UTC(),
		Data:      application.ToAppointmentDTO(snap),
	})

	go client.readPump()
	client.writePump()

	offConn()
	cancel()
	metrics.ActiveLiveClients.Dec()
	client.logger.Info("live client disconnected")
}

// readPump discards client frames and keeps the read deadline alive on pong.
func (c *liveClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("live client read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *liveClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func changeMessage(ch statemachine.Change) LiveMessage {
	msg := LiveMessage{
		Timestamp: time.Now().UTC(),
		Remote:    ch.Remote,
		Data:      application.ToAppointmentDTO(ch.Snapshot),
	}
	switch ch.Kind {
	case statemachine.ChangeLocation:
		msg.Type = LiveLocation
	case statemachine.ChangeRoute:
		msg.Type = LiveRoute
	default:
		msg.Type = LiveStatus
	}
	return msg
}

func canWatch(actor application.Actor, snap appointment.Snapshot) bool {
	switch actor.Role {
	case appointment.RoleAdmin:
		return true
	case appointment.RoleClient:
		return snap.Client.ID == actor.ID
	case appointment.RoleDriver:
		return snap.Driver != nil && snap.Driver.ID == actor.ID
	}
	return false
}
