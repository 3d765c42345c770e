package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
)

// Flavor selects the URL layout of the directions backend. Both speak the
// same JSON response shape.
type Flavor string

const (
	FlavorMapbox Flavor = "mapbox"
	FlavorOSRM   Flavor = "osrm"
)

// Provider is a directions backend.
type Provider interface {
	// Directions returns the provider's primary route through points in order.
	Directions(ctx context.Context, profile route.Profile, points []geo.Point) (*route.Route, error)
	// Optimize returns the fastest visiting order of points.
	Optimize(ctx context.Context, profile route.Profile, points []geo.Point, fixedFirst, fixedLast bool) (*route.Route, error)
}

// DirectionsClient talks to a Mapbox Directions/Optimization or
// OSRM route/trip endpoint.
type DirectionsClient struct {
	baseURL     string
	accessToken string
	flavor      Flavor
	httpClient  *http.Client
	now         func() time.Time
}

// NewDirectionsClient creates a client. httpClient may be nil.
func NewDirectionsClient(baseURL, accessToken string, flavor Flavor, httpClient *http.Client) *DirectionsClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DirectionsClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		flavor:      flavor,
		httpClient:  httpClient,
		now:         time.Now,
	}
}

type directionsResponse struct {
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Routes    []providerRoute    `json:"routes"`
	Trips     []providerRoute    `json:"trips"`
	Waypoints []providerWaypoint `json:"waypoints"`
}

type providerRoute struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Geometry struct {
		Coordinates [][]float64 `json:"coordinates"`
	} `json:"geometry"`
	Legs []providerLeg `json:"legs"`
}

type providerLeg struct {
	Distance float64        `json:"distance"`
	Duration float64        `json:"duration"`
	Steps    []providerStep `json:"steps"`
}

type providerStep struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Name     string  `json:"name"`
	Maneuver struct {
		Type        string    `json:"type"`
		Modifier    string    `json:"modifier"`
		Location    []float64 `json:"location"`
		Instruction string    `json:"instruction"`
	} `json:"maneuver"`
	VoiceInstructions []struct {
		Announcement string `json:"announcement"`
	} `json:"voiceInstructions"`
	BannerInstructions []struct {
		Primary struct {
			Text string `json:"text"`
		} `json:"primary"`
	} `json:"bannerInstructions"`
}

type providerWaypoint struct {
	WaypointIndex int `json:"waypoint_index"`
	TripsIndex    int `json:"trips_index"`
}

// Directions implements Provider.
func (c *DirectionsClient) Directions(ctx context.Context, profile route.Profile, points []geo.Point) (*route.Route, error) {
	if len(points) < 2 {
		return nil, route.ErrInsufficientWaypoints
	}
	q := url.Values{}
	q.Set("steps", "true")
	q.Set("geometries", "geojson")
	q.Set("overview", "full")
	q.Set("alternatives", "false")

	var endpoint string
	if c.flavor == FlavorMapbox {
		q.Set("voice_instructions", "true")
		q.Set("banner_instructions", "true")
		endpoint = fmt.Sprintf("%s/directions/v5/mapbox/%s/%s", c.baseURL, c.profileName(profile), coordinates(points))
	} else {
		endpoint = fmt.Sprintf("%s/route/v1/%s/%s", c.baseURL, c.profileName(profile), coordinates(points))
	}

	resp, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}
	if len(resp.Routes) == 0 {
		return nil, fmt.Errorf("%w: provider returned no routes", route.ErrNoRouteFound)
	}
	return c.convert(resp.Routes[0], profile), nil
}

// Optimize implements Provider.
func (c *DirectionsClient) Optimize(ctx context.Context, profile route.Profile, points []geo.Point, fixedFirst, fixedLast bool) (*route.Route, error) {
	if len(points) < 2 {
		return nil, route.ErrInsufficientWaypoints
	}
	q := url.Values{}
	q.Set("steps", "true")
	q.Set("geometries", "geojson")
	q.Set("overview", "full")
	// An open trip is only supported with both ends pinned.
	roundtrip := !(fixedFirst && fixedLast)
	q.Set("roundtrip", strconv.FormatBool(roundtrip))
	q.Set("source", anyOr(fixedFirst, "first"))
	q.Set("destination", anyOr(fixedLast, "last"))

	var endpoint string
	if c.flavor == FlavorMapbox {
		endpoint = fmt.Sprintf("%s/optimized-trips/v1/mapbox/%s/%s", c.baseURL, c.profileName(profile), coordinates(points))
	} else {
		endpoint = fmt.Sprintf("%s/trip/v1/%s/%s", c.baseURL, c.profileName(profile), coordinates(points))
	}

	resp, err := c.get(ctx, endpoint, q)
	if err != nil {
		return nil, err
	}
	if len(resp.Trips) == 0 {
		return nil, fmt.Errorf("%w: provider returned no trips", route.ErrNoRouteFound)
	}
	if len(resp.Waypoints) != len(points) {
		return nil, fmt.Errorf("%w: provider returned %d waypoints for %d inputs", route.ErrNoRouteFound, len(resp.Waypoints), len(points))
	}

	// waypoints[i].waypoint_index is the visit position of input i.
	order := make([]int, len(points))
	seen := make([]bool, len(points))
	for i, wp := range resp.Waypoints {
		if wp.WaypointIndex < 0 || wp.WaypointIndex >= len(points) || seen[wp.WaypointIndex] {
			return nil, fmt.Errorf("%w: malformed waypoint order", route.ErrNoRouteFound)
		}
		seen[wp.WaypointIndex] = true
		order[wp.WaypointIndex] = i
	}

	trip := resp.Trips[0]
	if roundtrip {
		trip = dropReturnLeg(trip, len(points))
	}
	r := c.convert(trip, profile)
	r.WaypointOrder = order
	return r, nil
}

// dropReturnLeg removes the leg back to the start from a closed trip of n
// stops so the route ends at the last visited stop.
func dropReturnLeg(trip providerRoute, n int) providerRoute {
	if len(trip.Legs) != n || n < 2 {
		return trip
	}
	last := trip.Legs[n-1]
	trip.Legs = trip.Legs[:n-1]
	trip.Distance -= last.Distance
	trip.Duration -= last.Duration

	if len(last.Steps) > 0 && len(last.Steps[0].Maneuver.Location) >= 2 {
		start := last.Steps[0].Maneuver.Location
		coords := trip.Geometry.Coordinates
		for i := len(coords) - 1; i >= 0; i-- {
			if len(coords[i]) >= 2 && coords[i][0] == start[0] && coords[i][1] == start[1] {
				trip.Geometry.Coordinates = coords[:i+1]
				break
			}
		}
	}
	return trip
}

func (c *DirectionsClient) get(ctx context.Context, endpoint string, q url.Values) (*directionsResponse, error) {
	if c.accessToken != "" {
		q.Set("access_token", c.accessToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", route.ErrUnavailable, err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", route.ErrUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", route.ErrUnavailable, err)
	}

	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: provider returned %d", route.ErrUnavailable, res.StatusCode)
	}

	var parsed directionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: provider returned %d", route.ErrNoRouteFound, res.StatusCode)
		}
		return nil, fmt.Errorf("%w: decode response: %v", route.ErrUnavailable, err)
	}
	if res.StatusCode != http.StatusOK || (parsed.Code != "" && parsed.Code != "Ok") {
		return nil, fmt.Errorf("%w: %s %s", route.ErrNoRouteFound, parsed.Code, parsed.Message)
	}
	return &parsed, nil
}

func (c *DirectionsClient) convert(pr providerRoute, profile route.Profile) *route.Route {
	r := &route.Route{
		DistanceMeters:  pr.Distance,
		DurationSeconds: pr.Duration,
		Profile:         profile,
		ComputedAt:      c.now().UTC(),
	}
	r.Geometry = make([]geo.Point, 0, len(pr.Geometry.Coordinates))
	for _, pair := range pr.Geometry.Coordinates {
		if len(pair) < 2 {
			continue
		}
		r.Geometry = append(r.Geometry, geo.Point{Latitude: pair[1], Longitude: pair[0]})
	}

	for _, leg := range pr.Legs {
		for _, ps := range leg.Steps {
			step := route.Step{
				DistanceMeters:   ps.Distance,
				DurationSeconds:  ps.Duration,
				ManeuverType:     ps.Maneuver.Type,
				ManeuverModifier: ps.Maneuver.Modifier,
				StreetName:       ps.Name,
				InstructionText:  ps.Maneuver.Instruction,
			}
			if len(ps.Maneuver.Location) >= 2 {
				step.Location = geo.Point{Latitude: ps.Maneuver.Location[1], Longitude: ps.Maneuver.Location[0]}
			}
			if step.InstructionText == "" {
				step.InstructionText = synthesizeInstruction(ps.Maneuver.Type, ps.Maneuver.Modifier, ps.Name)
			}
			if len(ps.VoiceInstructions) > 0 {
				step.VoiceInstruction = ps.VoiceInstructions[0].Announcement
			}
			if len(ps.BannerInstructions) > 0 {
				step.BannerInstruction = ps.BannerInstructions[0].Primary.Text
			}
			if step.VoiceInstruction == "" {
				step.VoiceInstruction = step.InstructionText
			}
			if step.BannerInstruction == "" {
				step.BannerInstruction = step.InstructionText
			}
			r.Steps = append(r.Steps, step)
		}
	}
	return r
}

func (c *DirectionsClient) profileName(p route.Profile) string {
	if c.flavor == FlavorMapbox {
		if p == route.ProfileDrivingTraffic {
			return "driving-traffic"
		}
		return string(p)
	}
	if p == route.ProfileDrivingTraffic {
		return string(route.ProfileDriving)
	}
	return string(p)
}

func coordinates(points []geo.Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Longitude, p.Latitude)
	}
	return strings.Join(parts, ";")
}

func anyOr(fixed bool, value string) string {
	if fixed {
		return value
	}
	return "any"
}

// synthesizeInstruction builds display text from maneuver fields for
// backends that do not return instruction text.
func synthesizeInstruction(maneuverType, modifier, street string) string {
	onto := ""
	if street != "" {
		onto = " onto " + street
	}
	switch maneuverType {
	case "depart":
		if street != "" {
			return "Head out on " + street
		}
		return "Head out"
	case "arrive":
		return "You have arrived at your destination"
	case "turn", "end of road", "fork":
		if modifier == "" {
			return "Turn" + onto
		}
		return "Turn " + modifier + onto
	case "merge":
		return "Merge" + onto
	case "on ramp":
		return "Take the ramp" + onto
	case "off ramp":
		return "Take the exit" + onto
	case "roundabout", "rotary", "roundabout turn":
		return "Enter the roundabout and exit" + onto
	case "continue", "new name", "notification":
		if street != "" {
			return "Continue on " + street
		}
		return "Continue"
	}
	if modifier != "" {
		return strings.TrimSpace("Go " + modifier + onto)
	}
	return "Continue" + onto
}

// errorOutcome labels an error for metrics.
func errorOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, route.ErrSuperseded):
		return "superseded"
	case errors.Is(err, route.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, route.ErrNoRouteFound):
		return "no_route"
	case errors.Is(err, route.ErrInsufficientWaypoints):
		return "invalid"
	}
	return "error"
}
