// Package routing computes routes through a directions provider, bounds
// every call with a timeout, and discards results that a newer request for
// the same appointment has superseded.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/metrics"
	"go.uber.org/zap"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultCacheTTL      = 5 * time.Minute
	defaultFallbackSpeed = 40.0 // km/h
)

// Request describes one route computation.
type Request struct {
	Origin      geo.Point
	Destination geo.Point
	Waypoints   []geo.Point
	Profile     route.Profile
}

// Points returns origin, waypoints and destination in travel order.
func (r Request) Points() []geo.Point {
	points := make([]geo.Point, 0, len(r.Waypoints)+2)
	points = append(points, r.Origin)
	points = append(points, r.Waypoints...)
	return append(points, r.Destination)
}

type inflight struct {
	id     uint64
	cancel context.CancelFunc
}

// Engine is the route computation entry point.
type Engine struct {
	provider       Provider
	cache          Cache
	cacheTTL       time.Duration
	timeout        time.Duration
	defaultProfile route.Profile
	fallbackSpeed  float64
	now            func() time.Time
	logger         *zap.Logger

	mu       sync.Mutex
	seq      uint64
	inflight map[string]inflight
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables result caching.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = c
		e.cacheTTL = ttl
		if ttl <= 0 {
			e.cacheTTL = defaultCacheTTL
		}
	}
}

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithDefaultProfile sets the profile used when a request leaves it empty.
func WithDefaultProfile(p route.Profile) Option {
	return func(e *Engine) {
		if p.IsValid() {
			e.defaultProfile = p
		}
	}
}

// WithFallbackSpeed sets the driving speed used by Estimate, in km/h.
func WithFallbackSpeed(kmh float64) Option {
	return func(e *Engine) {
		if kmh > 0 {
			e.fallbackSpeed = kmh
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over provider.
func NewEngine(provider Provider, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		provider:       provider,
		timeout:        defaultTimeout,
		defaultProfile: route.ProfileDriving,
		fallbackSpeed:  defaultFallbackSpeed,
		now:            time.Now,
		logger:         logger.Named("routing"),
		inflight:       make(map[string]inflight),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ComputeRoute returns the provider's primary route from origin through
// waypoints to destination.
func (e *Engine) ComputeRoute(ctx context.Context, origin, destination geo.Point, profile route.Profile, waypoints ...geo.Point) (*route.Route, error) {
	r, err := e.compute(ctx, Request{Origin: origin, Destination: destination, Waypoints: waypoints, Profile: profile})
	metrics.RouteRequests.WithLabelValues("directions", errorOutcome(err)).Inc()
	return r, err
}

// OptimizeWaypointOrder asks the provider for the fastest visiting order of
// points. The result's WaypointOrder maps visit position to input index.
// Unless both ends are fixed the provider plans a closed loop; the leg back
// to the start is dropped, so distance, duration, steps and geometry end at
// the last visited stop.
func (e *Engine) OptimizeWaypointOrder(ctx context.Context, points []geo.Point, fixedFirst, fixedLast bool, profile route.Profile) (*route.Route, error) {
	r, err := e.optimize(ctx, points, fixedFirst, fixedLast, profile)
	metrics.RouteRequests.WithLabelValues("optimize", errorOutcome(err)).Inc()
	return r, err
}

func (e *Engine) optimize(ctx context.Context, points []geo.Point, fixedFirst, fixedLast bool, profile route.Profile) (*route.Route, error) {
	if len(points) < 2 {
		return nil, route.ErrInsufficientWaypoints
	}
	if err := validatePoints(points); err != nil {
		return nil, err
	}
	profile = e.profileOrDefault(profile)

	key := cacheKey("optimize", profile, points, fixedFirst, fixedLast)
	if r := e.cached(ctx, key); r != nil {
		return r, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	r, err := e.provider.Optimize(callCtx, profile, points, fixedFirst, fixedLast)
	metrics.ProviderLatency.WithLabelValues("optimize").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, e.classify(callCtx, err)
	}
	e.store(ctx, key, r)
	return r, nil
}

func (e *Engine) compute(ctx context.Context, req Request) (*route.Route, error) {
	points := req.Points()
	if err := validatePoints(points); err != nil {
		return nil, err
	}
	profile := e.profileOrDefault(req.Profile)

	key := cacheKey("directions", profile, points, false, false)
	if r := e.cached(ctx, key); r != nil {
		return r, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	r, err := e.provider.Directions(callCtx, profile, points)
	metrics.ProviderLatency.WithLabelValues("directions").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, e.classify(callCtx, err)
	}
	e.store(ctx, key, r)
	return r, nil
}

// Recompute computes req on behalf of key. Starting a new request for the
// same key cancels the previous one. install runs only for the most recent
// request and is called while the engine holds its lock, so it must not call
// back into the Engine. Superseded results return route.ErrSuperseded.
func (e *Engine) Recompute(ctx context.Context, key string, req Request, install func(*route.Route)) (*route.Route, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.seq++
	id := e.seq
	if prev, ok := e.inflight[key]; ok {
		prev.cancel()
	}
	e.inflight[key] = inflight{id: id, cancel: cancel}
	e.mu.Unlock()

	r, err := e.compute(reqCtx, req)

	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.inflight[key]
	if !ok || current.id != id {
		e.logger.Debug("dropping superseded route", zap.String("key", key), zap.Uint64("request_id", id))
		metrics.RouteRequests.WithLabelValues("recompute", "superseded").Inc()
		return nil, route.ErrSuperseded
	}
	delete(e.inflight, key)
	metrics.RouteRequests.WithLabelValues("recompute", errorOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	if install != nil {
		install(r)
	}
	return r, nil
}

// Cancel abandons any in-flight request for key.
func (e *Engine) Cancel(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.inflight[key]; ok {
		prev.cancel()
		delete(e.inflight, key)
	}
}

// Estimate builds a straight-line route through points for display while
// the provider is unavailable. It has no steps.
func (e *Engine) Estimate(points []geo.Point, profile route.Profile) (*route.Route, error) {
	if len(points) < 2 {
		return nil, route.ErrInsufficientWaypoints
	}
	if err := validatePoints(points); err != nil {
		return nil, err
	}
	profile = e.profileOrDefault(profile)

	meters, err := geo.PathLengthMeters(points)
	if err != nil {
		return nil, err
	}
	speed := e.speedFor(profile) * 1000 / 3600 // m/s
	return &route.Route{
		Geometry:        append([]geo.Point(nil), points...),
		DistanceMeters:  meters,
		DurationSeconds: meters / speed,
		Profile:         profile,
		Estimated:       true,
		ComputedAt:      e.now().UTC(),
	}, nil
}

func (e *Engine) speedFor(p route.Profile) float64 {
	switch p {
	case route.ProfileWalking:
		return 5
	case route.ProfileCycling:
		return 15
	}
	return e.fallbackSpeed
}

func (e *Engine) profileOrDefault(p route.Profile) route.Profile {
	if p == "" {
		return e.defaultProfile
	}
	return p
}

// classify maps a provider failure onto the route error kinds. A timeout is
// always an availability problem.
func (e *Engine) classify(ctx context.Context, err error) error {
	if errors.Is(err, route.ErrUnavailable) || errors.Is(err, route.ErrNoRouteFound) || errors.Is(err, route.ErrInsufficientWaypoints) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", route.ErrUnavailable, err)
	}
	e.logger.Error("unclassified provider error", zap.Error(err))
	return fmt.Errorf("%w: %v", route.ErrUnavailable, err)
}

func (e *Engine) cached(ctx context.Context, key string) *route.Route {
	if e.cache == nil {
		return nil
	}
	data, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			e.logger.Warn("route cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	var r route.Route
	if err := json.Unmarshal(data, &r); err != nil {
		e.logger.Warn("route cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil
	}
	metrics.RouteRequests.WithLabelValues("cache", "hit").Inc()
	return &r
}

func (e *Engine) store(ctx context.Context, key string, r *route.Route) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		e.logger.Warn("route cache encode failed", zap.Error(err))
		return
	}
	if err := e.cache.Set(ctx, key, data, e.cacheTTL); err != nil {
		e.logger.Warn("route cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func validatePoints(points []geo.Point) error {
	for i, p := range points {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: point %d: %v", route.ErrNoRouteFound, i, err)
		}
	}
	return nil
}

func cacheKey(op string, profile route.Profile, points []geo.Point, fixedFirst, fixedLast bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "dispatch:route:%s:%s:%t:%t:", op, profile, fixedFirst, fixedLast)
	b.WriteString(coordinates(points))
	return b.String()
}
