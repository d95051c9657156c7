package storage

import (
	"errors"

	"github.com/horaoen/reservation/internal/domain/models"
)

var (
	ErrNotFound          = errors.New("reservation not found")
	ErrConflict          = errors.New("timespan conflicts with an active reservation")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Filter narrows reservation queries. An empty ResourceID or UserID
// matches any value, StatusUnknown matches any status. Window is always
// applied: a reservation matches when its span overlaps Window under
// the half-open rule.
type Filter struct {
	ResourceID string
	UserID     string
	Status     models.Status
	Window     models.Timespan
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r models.Reservation) bool {
	if f.ResourceID != "" && r.ResourceID != f.ResourceID {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Status != models.StatusUnknown && r.Status != f.Status {
		return false
	}
	return r.Span.Overlaps(f.Window)
}
