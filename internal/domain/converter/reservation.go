package converter

import (
	"github.com/horaoen/reservation/internal/domain/models"
	storageModel "github.com/horaoen/reservation/internal/storage/model"
)

func ToReservationFromStorage(row storageModel.Reservation) models.Reservation {
	return models.Reservation{
		ID:         row.ID,
		UserID:     row.UserID,
		ResourceID: row.ResourceID,
		Span:       models.Timespan{Start: row.StartAt, End: row.EndAt},
		Note:       row.Note,
		Status:     models.Status(row.Status),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func ToReservationsFromStorage(rows []storageModel.Reservation) []models.Reservation {
	reservations := make([]models.Reservation, len(rows))
	for i, row := range rows {
		reservations[i] = ToReservationFromStorage(row)
	}

	return reservations
}

func ToStorageFromReservation(r models.Reservation) storageModel.Reservation {
	return storageModel.Reservation{
		ID:         r.ID,
		UserID:     r.UserID,
		ResourceID: r.ResourceID,
		StartAt:    r.Span.Start,
		EndAt:      r.Span.End,
		Note:       r.Note,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
