package geo

import (
	"errors"
	"fmt"
	"math"
)

const earthRadiusKm = 6371.0

// ErrInvalidCoordinate is returned for a latitude outside [-90,90] or a
// longitude outside [-180,180].
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is an immutable WGS84 coordinate.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewPoint validates and returns a Point.
func NewPoint(lat, lng float64) (Point, error) {
	p := Point{Latitude: lat, Longitude: lng}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// Validate reports ErrInvalidCoordinate when the point is out of range.
func (p Point) Validate() error {
	if math.IsNaN(p.Latitude) || p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, p.Latitude)
	}
	if math.IsNaN(p.Longitude) || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, p.Longitude)
	}
	return nil
}

// String renders the point as "lat,lng".
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
}

// DistanceKm returns the Haversine great-circle distance between a and b.
func DistanceKm(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return haversineKm(a, b), nil
}

// DistanceMeters is DistanceKm in meters.
func DistanceMeters(a, b Point) (float64, error) {
	km, err := DistanceKm(a, b)
	if err != nil {
		return 0, err
	}
	return km * 1000, nil
}

// PathLengthMeters sums the great-circle length of consecutive segments.
func PathLengthMeters(path []Point) (float64, error) {
	var total float64
	for i := 1; i < len(path); i++ {
		d, err := DistanceMeters(path[i-1], path[i])
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

// Bearing returns the initial bearing from a to b in degrees, [0,360).
func Bearing(a, b Point) float64 {
	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)
	dLng := toRad(b.Longitude - a.Longitude)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// NearestDistanceMeters returns the smallest distance from p to any vertex of
// path, or +Inf for an empty path.
func NearestDistanceMeters(p Point, path []Point) float64 {
	best := math.Inf(1)
	for _, v := range path {
		if d := haversineKm(p, v) * 1000; d < best {
			best = d
		}
	}
	return best
}

func haversineKm(a, b Point) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLng := toRad(b.Longitude - a.Longitude)

	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
