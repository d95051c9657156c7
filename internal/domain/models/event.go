package models

import "github.com/google/uuid"

// Op is the kind of committed mutation a ChangeEvent describes.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpCancel Op = "cancel"
)

// ChangeEvent is an immutable record of a committed mutation. Snapshot
// is an independent copy of the reservation taken at commit time, so
// later mutations never alter a delivered event.
type ChangeEvent struct {
	Sequence      uint64
	ReservationID uuid.UUID
	Op            Op
	Snapshot      Reservation
}
