package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a reservation. The zero value
// StatusUnknown is a wire/filter sentinel and is never stored.
type Status string

const (
	StatusUnknown   Status = ""
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the three storable states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a reservation in state s occupies its slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// CanTransitionTo reports whether the monotone state machine permits
// moving from s to target. Same-state transitions are allowed for the
// idempotent confirm/cancel paths; the caller decides whether a no-op
// produces a change event.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusConfirmed || target == StatusCancelled
	case StatusConfirmed:
		return target == StatusConfirmed || target == StatusCancelled
	case StatusCancelled:
		return target == StatusCancelled
	}
	return false
}

// Timespan is the half-open interval [Start, End).
type Timespan struct {
	Start time.Time
	End   time.Time
}

// IsValid reports whether the span is non-empty.
func (t Timespan) IsValid() bool {
	return t.Start.Before(t.End)
}

// Overlaps reports whether two half-open spans intersect. Adjacent
// spans ([a,b) and [b,c)) do not overlap.
func (t Timespan) Overlaps(other Timespan) bool {
	return t.Start.Before(other.End) && other.Start.Before(t.End)
}

type Reservation struct {
	ID         uuid.UUID
	UserID     string
	ResourceID string
	Span       Timespan
	Note       string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
