package application

import (
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/navigation"
	"github.com/google/uuid"
)

// Actor is the caller of an operation, as identified by the gateway.
type Actor struct {
	ID   uuid.UUID
	Role appointment.Role
}

// CreateAppointmentRequest holds the data needed to start tracking an appointment.
type CreateAppointmentRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id" binding:"required"`
	ClientID      uuid.UUID `json:"client_id" binding:"required"`
	ClientName    string    `json:"client_name"`
	PickupLat     float64   `json:"pickup_lat"`
	PickupLng     float64   `json:"pickup_lng"`
	ScheduledAt   time.Time `json:"scheduled_at" binding:"required"`
}

// TransitionRequest asks for a status change. Status may use the legacy
// vocabulary (assigned, in_progress, delivered).
type TransitionRequest struct {
	Status     string     `json:"status" binding:"required"`
	DriverID   *uuid.UUID `json:"driver_id"`
	DriverName string     `json:"driver_name"`
	Reason     string     `json:"reason"`
}

// LocationRequest is a driver position report.
type LocationRequest struct {
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	RecordedAt *time.Time `json:"recorded_at"`
}

// LocationResult tells the driver app what the report caused.
type LocationResult struct {
	Accepted  bool `json:"accepted"`
	OffRoute  bool `json:"off_route"`
	Advanced  bool `json:"advanced"`
	StepIndex *int `json:"step_index,omitempty"`
}

// RouteRequest asks for a route from origin (or the driver's last known
// position) to the pickup location through optional waypoints.
type RouteRequest struct {
	Origin    *geo.Point  `json:"origin"`
	Waypoints []geo.Point `json:"waypoints"`
	Profile   string      `json:"profile"`
}

// OptimizeStop is one point of an optimization request. Label is opaque
// caller metadata carried through the reordering.
type OptimizeStop struct {
	Label string    `json:"label"`
	Point geo.Point `json:"point"`
}

// OptimizeRequest asks for the best visiting order of stops.
type OptimizeRequest struct {
	Stops      []OptimizeStop `json:"stops" binding:"required"`
	FixedFirst bool           `json:"fixed_first"`
	FixedLast  bool           `json:"fixed_last"`
	Profile    string         `json:"profile"`
}

// OptimizeResult is the optimized route with the stops in visiting order.
type OptimizeResult struct {
	Route RouteDTO       `json:"route"`
	Order []int          `json:"order"`
	Stops []OptimizeStop `json:"stops"`
}

// RouteDTO is the response representation of a route.
type RouteDTO struct {
	Geometry        []geo.Point  `json:"geometry"`
	DistanceMeters  float64      `json:"distance_meters"`
	DurationSeconds float64      `json:"duration_seconds"`
	Distance        string       `json:"distance"`
	Duration        string       `json:"duration"`
	Steps           []route.Step `json:"steps"`
	WaypointOrder   []int        `json:"waypoint_order,omitempty"`
	Profile         string       `json:"profile"`
	Estimated       bool         `json:"estimated"`
	ComputedAt      time.Time    `json:"computed_at"`
}

// AppointmentDTO is the response representation of an appointment.
type AppointmentDTO struct {
	ID             uuid.UUID               `json:"id"`
	Status         string                  `json:"status"`
	ScheduledAt    time.Time               `json:"scheduled_at"`
	Client         appointment.PartyRef    `json:"client"`
	Driver         *appointment.PartyRef   `json:"driver,omitempty"`
	PickupLocation geo.Point               `json:"pickup_location"`
	Payment        *appointment.PaymentRef `json:"payment,omitempty"`
	CancelReason   string                  `json:"cancel_reason,omitempty"`
	DriverLocation *geo.Point              `json:"driver_location,omitempty"`
	Route          *RouteDTO               `json:"route,omitempty"`
	Version        int64                   `json:"version"`
	LastUpdatedAt  time.Time               `json:"last_updated_at"`
}

// NavigationDTO is the state of a navigation session.
type NavigationDTO struct {
	AppointmentID uuid.UUID           `json:"appointment_id"`
	Active        bool                `json:"active"`
	Step          route.Step          `json:"step"`
	SpeakableText string              `json:"speakable_text,omitempty"`
	VoiceEnabled  bool                `json:"voice_enabled"`
	Progress      navigation.Progress `json:"progress"`
}

// AppointmentStatsDTO holds appointment statistics for the admin dashboard.
type AppointmentStatsDTO struct {
	TotalAppointments int64            `json:"total_appointments"`
	ByStatus          map[string]int64 `json:"by_status"`
	Tracked           int              `json:"tracked"`
	ActiveNavigations int              `json:"active_navigations"`
}

// --- Helpers ---

// ToAppointmentDTO converts a snapshot for the HTTP and live surfaces.
func ToAppointmentDTO(s appointment.Snapshot) AppointmentDTO {
	return AppointmentDTO{
		ID:             s.ID,
		Status:         string(s.Status),
		ScheduledAt:    s.ScheduledAt,
		Client:         s.Client,
		Driver:         s.Driver,
		PickupLocation: s.PickupLocation,
		Payment:        s.Payment,
		CancelReason:   s.CancelReason,
		DriverLocation: s.DriverLocation,
		Route:          toRouteDTO(s.CurrentRoute),
		Version:        s.Version,
		LastUpdatedAt:  s.LastUpdatedAt,
	}
}

func toRouteDTO(r *route.Route) *RouteDTO {
	if r == nil {
		return nil
	}
	return &RouteDTO{
		Geometry:        r.Geometry,
		DistanceMeters:  r.DistanceMeters,
		DurationSeconds: r.DurationSeconds,
		Distance:        r.FormattedDistance(),
		Duration:        r.FormattedDuration(),
		Steps:           route.ExtractInstructions(r),
		WaypointOrder:   r.WaypointOrder,
		Profile:         string(r.Profile),
		Estimated:       r.Estimated,
		ComputedAt:      r.ComputedAt,
	}
}
