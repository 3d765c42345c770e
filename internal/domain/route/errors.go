package route

import "errors"

var (
	// ErrUnavailable means the provider could not be reached, timed out, or
	// failed server-side. Retrying later may succeed.
	ErrUnavailable = errors.New("route unavailable")

	// ErrNoRouteFound means the request was valid but no path exists, or the
	// provider rejected these inputs. Retrying with the same inputs will not help.
	ErrNoRouteFound = errors.New("no route found")

	// ErrInsufficientWaypoints means fewer than two points were supplied.
	ErrInsufficientWaypoints = errors.New("at least two waypoints are required")

	// ErrSuperseded means a newer request for the same key started before
	// this one resolved; the result was discarded.
	ErrSuperseded = errors.New("route request superseded")
)

// IsRetryable reports whether the same request may succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
