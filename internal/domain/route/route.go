package route

import (
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
)

// Profile is the travel mode a route is computed for.
type Profile string

const (
	ProfileDriving        Profile = "driving"
	ProfileDrivingTraffic Profile = "driving_traffic"
	ProfileWalking        Profile = "walking"
	ProfileCycling        Profile = "cycling"
)

// IsValid returns true if the profile is recognized.
func (p Profile) IsValid() bool {
	switch p {
	case ProfileDriving, ProfileDrivingTraffic, ProfileWalking, ProfileCycling:
		return true
	}
	return false
}

// ParseProfile converts a string to a Profile. The empty string yields def.
func ParseProfile(s string, def Profile) (Profile, error) {
	if s == "" {
		return def, nil
	}
	p := Profile(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid route profile: %s", s)
	}
	return p, nil
}

// Step is one maneuver of a route. Its index within Route.Steps is its identity.
type Step struct {
	InstructionText   string    `json:"instruction_text"`
	DistanceMeters    float64   `json:"distance_meters"`
	DurationSeconds   float64   `json:"duration_seconds"`
	ManeuverType      string    `json:"maneuver_type"`
	ManeuverModifier  string    `json:"maneuver_modifier,omitempty"`
	Location          geo.Point `json:"location"`
	VoiceInstruction  string    `json:"voice_instruction,omitempty"`
	BannerInstruction string    `json:"banner_instruction,omitempty"`
	StreetName        string    `json:"street_name,omitempty"`
}

// Route is a computed path. A Route is never mutated after it is built;
// recomputation produces a new value that replaces the old one wholesale.
type Route struct {
	Geometry        []geo.Point `json:"geometry"`
	DistanceMeters  float64     `json:"distance_meters"`
	DurationSeconds float64     `json:"duration_seconds"`
	Steps           []Step      `json:"steps"`
	// WaypointOrder[k] is the index of the input point visited k-th. Set only
	// for optimized trips.
	WaypointOrder []int     `json:"waypoint_order,omitempty"`
	Profile       Profile   `json:"profile"`
	Estimated     bool      `json:"estimated,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
}

// ExtractInstructions returns the route's turn-by-turn steps.
func ExtractInstructions(r *Route) []Step {
	if r == nil {
		return nil
	}
	return r.Steps
}

// FormattedDistance is the display string for the total distance.
func (r *Route) FormattedDistance() string {
	return geo.FormatDistance(r.DistanceMeters)
}

// FormattedDuration is the display string for the total duration.
func (r *Route) FormattedDuration() string {
	return geo.FormatDuration(r.DurationSeconds)
}

// Remap reorders caller-owned metadata (names, ids) so that element k
// describes the k-th visited waypoint of an optimized route.
func Remap[T any](order []int, items []T) ([]T, error) {
	if len(order) != len(items) {
		return nil, fmt.Errorf("waypoint order has %d entries, got %d items", len(order), len(items))
	}
	out := make([]T, len(items))
	seen := make([]bool, len(items))
	for k, idx := range order {
		if idx < 0 || idx >= len(items) || seen[idx] {
			return nil, fmt.Errorf("waypoint order is not a permutation: %v", order)
		}
		seen[idx] = true
		out[k] = items[idx]
	}
	return out, nil
}
