package model

import (
	"time"

	"github.com/google/uuid"
)

type Reservation struct {
	ID         uuid.UUID `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	ResourceID string    `db:"resource_id" json:"resource_id"`
	StartAt    time.Time `db:"start_at" json:"start_at"`
	EndAt      time.Time `db:"end_at" json:"end_at"`
	Note       string    `db:"note" json:"note"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
