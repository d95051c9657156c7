package model

import (
	"time"

	"github.com/google/uuid"
)

// Change is a row of the persisted change log. Seq is assigned by the
// database in commit order.
type Change struct {
	Seq           int64     `db:"seq"`
	ReservationID uuid.UUID `db:"reservation_id"`
	Op            string    `db:"op"`
	Snapshot      []byte    `db:"snapshot"`
	CreatedAt     time.Time `db:"created_at"`
}
