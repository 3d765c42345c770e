package appointment

import "fmt"

// Status represents the current state of an appointment in its lifecycle.
type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusDriverEnroute  Status = "driver_enroute"
	StatusPickedUp       Status = "picked_up"
	StatusInVerification Status = "in_verification"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Legacy vocabulary still sent by older screens. It is normalized on the way
// in and never stored.
const (
	legacyInProgress = "in_progress"
	legacyAssigned   = "assigned"
	legacyDelivered  = "delivered"
)

// validTransitions defines the state machine for appointment status transitions.
var validTransitions = map[Status][]Status{
	StatusPending:        {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusDriverEnroute, StatusCancelled},
	StatusDriverEnroute:  {StatusPickedUp, StatusCancelled},
	StatusPickedUp:       {StatusInVerification, StatusCancelled},
	StatusInVerification: {StatusCompleted, StatusCancelled},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

// IsValid returns true if the status is a recognized canonical status.
func (s Status) IsValid() bool {
	_, exists := validTransitions[s]
	return exists
}

// CanTransitionTo returns true if a transition from this status to the target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transitions are possible from this status.
func (s Status) IsTerminal() bool {
	allowed, exists := validTransitions[s]
	if !exists {
		return true
	}
	return len(allowed) == 0
}

// IsActive returns true while a driver is travelling or on site.
func (s Status) IsActive() bool {
	switch s {
	case StatusDriverEnroute, StatusPickedUp, StatusInVerification:
		return true
	}
	return false
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a stored or received string to a canonical Status.
// Legacy values map onto the canonical set: "assigned" is confirmed,
// "in_progress" is driver_enroute and "delivered" is completed.
func ParseStatus(s string) (Status, error) {
	switch s {
	case legacyAssigned:
		return StatusConfirmed, nil
	case legacyInProgress:
		return StatusDriverEnroute, nil
	case legacyDelivered:
		return StatusCompleted, nil
	}
	status := Status(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid appointment status: %s", s)
	}
	return status, nil
}

// ResolveTarget interprets a requested target status relative to the current
// one. "in_progress" means driver_enroute when leaving confirmed and
// in_verification when leaving picked_up.
func ResolveTarget(from Status, requested string) (Status, error) {
	if requested == legacyInProgress && from == StatusPickedUp {
		return StatusInVerification, nil
	}
	return ParseStatus(requested)
}

// AllStatuses lists the canonical statuses in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusConfirmed,
		StatusDriverEnroute,
		StatusPickedUp,
		StatusInVerification,
		StatusCompleted,
		StatusCancelled,
	}
}
