// Package memory is the in-process storage backend. Overlap exclusion
// is enforced by the interval index, whose per-resource partitions give
// this backend the same structural guarantee the SQL backends get from
// their constraints.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/interval"
	"github.com/horaoen/reservation/internal/storage"
)

type record struct {
	res models.Reservation
	tok interval.Token
}

type Storage struct {
	index *interval.Index

	mu      sync.RWMutex
	records map[uuid.UUID]record
}

func New() *Storage {
	return &Storage{
		index:   interval.New(),
		records: make(map[uuid.UUID]record),
	}
}

// CreateReservation persists res if its span is free on its resource.
func (s *Storage) CreateReservation(ctx context.Context, res models.Reservation) (models.Reservation, error) {
	const op = "storage.memory.CreateReservation"

	tok, err := s.index.TryReserve(res.ResourceID, res.Span)
	if err != nil {
		if errors.Is(err, interval.ErrConflict) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrConflict)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	s.records[res.ID] = record{res: res, tok: tok}
	s.mu.Unlock()

	return res, nil
}

// Reservation returns the record with the given id.
func (s *Storage) Reservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	const op = "storage.memory.Reservation"

	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return rec.res, nil
}

// UpdateNote replaces the note of an existing reservation.
func (s *Storage) UpdateNote(ctx context.Context, id uuid.UUID, note string) (models.Reservation, error) {
	const op = "storage.memory.UpdateNote"

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	rec.res.Note = note
	rec.res.UpdatedAt = time.Now().UTC()
	s.records[id] = rec

	return rec.res, nil
}

// Transition conditionally moves the reservation to target. The
// returned bool reports whether the state actually changed; reaching
// the target state that is already current is a successful no-op.
// Moving to StatusCancelled releases the reservation's slot.
func (s *Storage) Transition(ctx context.Context, id uuid.UUID, target models.Status) (models.Reservation, bool, error) {
	const op = "storage.memory.Transition"

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	if rec.res.Status == target {
		return rec.res, false, nil
	}
	if !rec.res.Status.CanTransitionTo(target) {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, storage.ErrInvalidTransition)
	}

	if target == models.StatusCancelled {
		if err := s.index.Release(rec.res.ResourceID, rec.tok); err != nil {
			return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
		}
		rec.tok = 0
	}

	rec.res.Status = target
	rec.res.UpdatedAt = time.Now().UTC()
	s.records[id] = rec

	return rec.res, true, nil
}

// Reschedule atomically swaps the reservation's span. Cancelled
// reservations hold no slot and cannot be rescheduled.
func (s *Storage) Reschedule(ctx context.Context, id uuid.UUID, span models.Timespan) (models.Reservation, error) {
	const op = "storage.memory.Reschedule"

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if !rec.res.Status.Active() {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrInvalidTransition)
	}

	tok, err := s.index.Replace(rec.res.ResourceID, rec.tok, span)
	if err != nil {
		if errors.Is(err, interval.ErrConflict) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrConflict)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	rec.tok = tok
	rec.res.Span = span
	rec.res.UpdatedAt = time.Now().UTC()
	s.records[id] = rec

	return rec.res, nil
}

// Reservations lists records matching the filter, ordered by span
// start and then id for a stable result.
func (s *Storage) Reservations(ctx context.Context, filter storage.Filter) ([]models.Reservation, error) {
	s.mu.RLock()
	matched := make([]models.Reservation, 0)
	for _, rec := range s.records {
		if filter.Matches(rec.res) {
			matched = append(matched, rec.res)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Span.Start.Equal(matched[j].Span.Start) {
			return matched[i].Span.Start.Before(matched[j].Span.Start)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	return matched, nil
}
