package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/appointment"
	"github.com/google/uuid"
)

// ChangeKind tells observers what part of an appointment changed.
type ChangeKind string

const (
	// ChangeStatus is a versioned change: a transition, a merged remote
	// update, or attached payment data.
	ChangeStatus ChangeKind = "status"
	// ChangeLocation only moves the driver marker.
	ChangeLocation ChangeKind = "location"
	// ChangeRoute replaces the current route.
	ChangeRoute ChangeKind = "route"
)

// Change is delivered to observers. The snapshot is a copy owned by the observer.
type Change struct {
	Kind     ChangeKind
	Snapshot appointment.Snapshot
	Remote   bool
}

// Observer is notified of every accepted change, serially and in commit order.
type Observer func(Change)

// MergeOutcome describes what ApplyRemoteUpdate did.
type MergeOutcome string

const (
	MergeStale     MergeOutcome = "stale"
	MergeApplied   MergeOutcome = "applied"
	MergeDuplicate MergeOutcome = "duplicate"
	MergeConflict  MergeOutcome = "conflict"
	MergeAdopted   MergeOutcome = "adopted"
	MergeRejected  MergeOutcome = "rejected"
)

// Notified reports whether observers were told about the merge.
func (o MergeOutcome) Notified() bool {
	return o == MergeApplied || o == MergeConflict || o == MergeAdopted
}

// IntentKind names the operation an Intent records.
type IntentKind string

const (
	IntentTransition IntentKind = "transition"
	IntentPayment    IntentKind = "payment"
)

// Intent is an outbound request to durably store an appointment state.
type Intent struct {
	Kind       IntentKind
	Snapshot   appointment.Snapshot
	OccurredAt time.Time
}

// Store is the durable home of appointments.
type Store interface {
	// Persist stores the intent's snapshot unless a newer version is already stored.
	Persist(ctx context.Context, intent Intent) error
	// Fetch returns the authoritative snapshot.
	Fetch(ctx context.Context, id uuid.UUID) (appointment.Snapshot, error)
}

// PersistenceError means a local change was accepted but could not be
// stored. The machine keeps the advanced state.
type PersistenceError struct {
	AppointmentID uuid.UUID
	Version       int64
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist appointment %s v%d: %v", e.AppointmentID, e.Version, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
