// Package navigation tracks a driver's position in a route's step list.
// Advancing is manual; callers that poll locations decide when to advance.
package navigation

import (
	"errors"
	"sync"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/geo"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
)

var (
	// ErrEmptyRoute is returned when starting on a route without steps.
	ErrEmptyRoute = errors.New("route has no steps")
	// ErrAtFinalStep is returned when advancing past the last step.
	ErrAtFinalStep = errors.New("already at final step")
	// ErrAtFirstStep is returned when retreating before the first step.
	ErrAtFirstStep = errors.New("already at first step")
	// ErrNotActive is returned when the session has been stopped.
	ErrNotActive = errors.New("navigation session is not active")
)

// Progress summarises what is left of the route from the current step.
type Progress struct {
	StepIndex                int     `json:"step_index"`
	StepCount                int     `json:"step_count"`
	RemainingDistanceMeters  float64 `json:"remaining_distance_meters"`
	RemainingDurationSeconds float64 `json:"remaining_duration_seconds"`
	RemainingDistance        string  `json:"remaining_distance"`
	RemainingDuration        string  `json:"remaining_duration"`
}

// Session walks one route. It is safe for concurrent use.
type Session struct {
	mu           sync.Mutex
	route        *route.Route
	index        int
	active       bool
	voiceEnabled bool
}

// Start begins navigation at step 0.
func Start(r *route.Route) (*Session, error) {
	if r == nil || len(r.Steps) == 0 {
		return nil, ErrEmptyRoute
	}
	return &Session{route: r, active: true, voiceEnabled: true}, nil
}

// Route returns the route being navigated.
func (s *Session) Route() *route.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// Active reports whether the session has not been stopped.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// StepIndex returns the current step's index.
func (s *Session) StepIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Advance moves to the next step and returns it.
func (s *Session) Advance() (route.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return route.Step{}, ErrNotActive
	}
	if s.index >= len(s.route.Steps)-1 {
		return route.Step{}, ErrAtFinalStep
	}
	s.index++
	return s.route.Steps[s.index], nil
}

// Retreat moves to the previous step and returns it.
func (s *Session) Retreat() (route.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return route.Step{}, ErrNotActive
	}
	if s.index == 0 {
		return route.Step{}, ErrAtFirstStep
	}
	s.index--
	return s.route.Steps[s.index], nil
}

// Stop ends the session and rewinds it. Stopping twice is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.index = 0
}

// CurrentInstruction returns the current step.
func (s *Session) CurrentInstruction() route.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route.Steps[s.index]
}

// SetVoiceEnabled toggles spoken guidance.
func (s *Session) SetVoiceEnabled(enabled bool) {
	s.mu.Lock()
	s.voiceEnabled = enabled
	s.mu.Unlock()
}

// VoiceEnabled reports whether spoken guidance is on.
func (s *Session) VoiceEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceEnabled
}

// SpeakableText is the text a voice engine should read for the current
// step, or "" when voice is off.
func (s *Session) SpeakableText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.voiceEnabled || !s.active {
		return ""
	}
	step := s.route.Steps[s.index]
	if step.VoiceInstruction != "" {
		return step.VoiceInstruction
	}
	return step.InstructionText
}

// Progress reports the distance and duration left, counting the current step.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{StepIndex: s.index, StepCount: len(s.route.Steps)}
	for _, step := range s.route.Steps[s.index:] {
		p.RemainingDistanceMeters += step.DistanceMeters
		p.RemainingDurationSeconds += step.DurationSeconds
	}
	p.RemainingDistance = geo.FormatDistance(p.RemainingDistanceMeters)
	p.RemainingDuration = geo.FormatDuration(p.RemainingDurationSeconds)
	return p
}

// DistanceToNextStep returns the distance from p to the next step's maneuver
// location. ok is false at the final step.
func (s *Session) DistanceToNextStep(p geo.Point) (meters float64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.route.Steps)-1 {
		return 0, false, nil
	}
	d, err := geo.DistanceMeters(p, s.route.Steps[s.index+1].Location)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}
