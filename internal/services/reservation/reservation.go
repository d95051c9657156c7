// Package reservation is the conflict-safe reservation store. All
// mutations of one resource are linearized by a per-resource lock, and
// the committed record change plus its change-feed append form one
// atomic unit under that lock: an event is never observed for a
// mutation that failed and never missing for one that committed.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/feed"
	"github.com/horaoen/reservation/internal/lib/logger/sl"
	"github.com/horaoen/reservation/internal/storage"
)

type ReservationSaver interface {
	CreateReservation(ctx context.Context, res models.Reservation) (models.Reservation, error)
	UpdateNote(ctx context.Context, id uuid.UUID, note string) (models.Reservation, error)
	Transition(ctx context.Context, id uuid.UUID, target models.Status) (models.Reservation, bool, error)
	Reschedule(ctx context.Context, id uuid.UUID, span models.Timespan) (models.Reservation, error)
}

type ReservationProvider interface {
	Reservation(ctx context.Context, id uuid.UUID) (models.Reservation, error)
	Reservations(ctx context.Context, filter storage.Filter) ([]models.Reservation, error)
}

// SnapshotCache is an optional point-lookup cache. Implementations are
// best effort: a miss or failure falls through to the provider.
type SnapshotCache interface {
	Reservation(ctx context.Context, id uuid.UUID) (models.Reservation, error)
	SaveReservation(ctx context.Context, res models.Reservation) error
}

// ChangeLog reads back the change log a durable backend persisted
// alongside its mutations, in commit order.
type ChangeLog interface {
	Changes(ctx context.Context, fromSeq int64, limit int) ([]models.ChangeEvent, error)
}

// Metrics are the counters the service increments on commit. Nil
// counters are skipped.
type Metrics struct {
	Created   prometheus.Counter
	Conflicts prometheus.Counter
	Cancelled prometheus.Counter
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

type Service struct {
	log       *slog.Logger
	saver     ReservationSaver
	provider  ReservationProvider
	cache     SnapshotCache
	changelog ChangeLog
	changes   *feed.Feed
	validator *validator.Validate
	metrics   Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a new instance of the reservation service. cache and
// changelog may be nil.
func New(
	log *slog.Logger,
	saver ReservationSaver,
	provider ReservationProvider,
	cache SnapshotCache,
	changelog ChangeLog,
	changes *feed.Feed,
	metrics Metrics,
) *Service {
	return &Service{
		log:       log,
		saver:     saver,
		provider:  provider,
		cache:     cache,
		changelog: changelog,
		changes:   changes,
		validator: validator.New(),
		metrics:   metrics,
		locks:     make(map[string]*sync.Mutex),
	}
}

// resourceLock returns the mutex serializing writers of one resource.
// Unrelated resources get unrelated mutexes and never contend.
func (s *Service) resourceLock(resourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[resourceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[resourceID] = l
	}
	return l
}

type ReserveParams struct {
	UserID     string `validate:"required"`
	ResourceID string `validate:"required"`
	Span       models.Timespan
	Note       string
}

// Reserve creates a pending reservation for the given slot, or fails
// with ErrConflict if the span overlaps an active reservation of the
// same resource.
func (s *Service) Reserve(ctx context.Context, params ReserveParams) (models.Reservation, error) {
	const op = "reservation.Reserve"
	log := s.log.With(slog.String("op", op), slog.String("resourceId", params.ResourceID))

	if err := s.validator.Struct(params); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w: %v", op, ErrInvalidArgument, err)
	}
	if !params.Span.IsValid() {
		return models.Reservation{}, fmt.Errorf("%s: %w: timespan start must precede end", op, ErrInvalidArgument)
	}

	lock := s.resourceLock(params.ResourceID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	res := models.Reservation{
		ID:         uuid.New(),
		UserID:     params.UserID,
		ResourceID: params.ResourceID,
		Span:       params.Span,
		Note:       params.Note,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, err := s.saver.CreateReservation(ctx, res)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			inc(s.metrics.Conflicts)
			log.Warn("slot already taken", sl.Err(err))
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrConflict)
		}

		log.Error("failed to create reservation", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	s.commit(ctx, models.OpCreate, created)
	inc(s.metrics.Created)
	log.Info("reservation created", slog.String("id", created.ID.String()))

	return created, nil
}

// Confirm transitions a pending reservation to confirmed. Confirming
// an already confirmed reservation is a successful no-op and emits no
// event.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	const op = "reservation.Confirm"

	return s.transition(ctx, op, id, models.StatusConfirmed, models.OpUpdate)
}

// Cancel transitions a reservation to cancelled and frees its slot.
// Cancelling an already cancelled reservation is a successful no-op
// and emits no event.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	const op = "reservation.Cancel"

	res, err := s.transition(ctx, op, id, models.StatusCancelled, models.OpCancel)
	if err == nil {
		inc(s.metrics.Cancelled)
	}
	return res, err
}

func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, target models.Status, changeOp models.Op) (models.Reservation, error) {
	log := s.log.With(slog.String("op", op), slog.String("id", id.String()))

	current, err := s.provider.Reservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		log.Error("failed to get reservation", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	lock := s.resourceLock(current.ResourceID)
	lock.Lock()
	defer lock.Unlock()

	updated, changed, err := s.saver.Transition(ctx, id, target)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		case errors.Is(err, storage.ErrInvalidTransition):
			log.Warn("transition rejected", slog.String("target", string(target)))
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrInvalidTransition)
		}

		log.Error("failed to transition reservation", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if changed {
		s.commit(ctx, changeOp, updated)
		log.Info("reservation transitioned", slog.String("status", string(updated.Status)))
	}

	return updated, nil
}

// UpdateNote replaces the reservation's note. The note carries no
// semantic weight and never touches the slot index.
func (s *Service) UpdateNote(ctx context.Context, id uuid.UUID, note string) (models.Reservation, error) {
	const op = "reservation.UpdateNote"
	log := s.log.With(slog.String("op", op), slog.String("id", id.String()))

	current, err := s.provider.Reservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		log.Error("failed to get reservation", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	lock := s.resourceLock(current.ResourceID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := s.saver.UpdateNote(ctx, id, note)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		log.Error("failed to update note", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	s.commit(ctx, models.OpUpdate, updated)

	return updated, nil
}

// Reschedule moves the reservation to a new span, atomically swapping
// the old slot for the new one. The old span is never a conflict
// source for the new one.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, span models.Timespan) (models.Reservation, error) {
	const op = "reservation.Reschedule"
	log := s.log.With(slog.String("op", op), slog.String("id", id.String()))

	if !span.IsValid() {
		return models.Reservation{}, fmt.Errorf("%s: %w: timespan start must precede end", op, ErrInvalidArgument)
	}

	current, err := s.provider.Reservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		log.Error("failed to get reservation", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	lock := s.resourceLock(current.ResourceID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := s.saver.Reschedule(ctx, id, span)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		case errors.Is(err, storage.ErrConflict):
			inc(s.metrics.Conflicts)
			log.Warn("new slot already taken")
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrConflict)
		case errors.Is(err, storage.ErrInvalidTransition):
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrInvalidTransition)
		}

		log.Error("failed to reschedule reservation", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	s.commit(ctx, models.OpUpdate, updated)
	log.Info("reservation rescheduled")

	return updated, nil
}

// Get returns the reservation with the given id, preferring the
// snapshot cache when one is wired.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	const op = "reservation.Get"
	log := s.log.With(slog.String("op", op), slog.String("id", id.String()))

	if s.cache != nil {
		if res, err := s.cache.Reservation(ctx, id); err == nil {
			return res, nil
		}
	}

	res, err := s.provider.Reservation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		log.Error("failed to get reservation", sl.Err(err))
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if s.cache != nil {
		if err := s.cache.SaveReservation(ctx, res); err != nil {
			log.Warn("failed to cache reservation", sl.Err(err))
		}
	}

	return res, nil
}

// Query returns a lazy, restartable sequence of reservations matching
// the filter. Each iteration runs the query anew; abandoning the
// sequence mid-way has no side effects. Errors, including an invalid
// filter, are yielded through the sequence.
func (s *Service) Query(ctx context.Context, filter storage.Filter) iter.Seq2[models.Reservation, error] {
	const op = "reservation.Query"

	return func(yield func(models.Reservation, error) bool) {
		if !filter.Window.IsValid() {
			yield(models.Reservation{}, fmt.Errorf("%s: %w: window start must precede end", op, ErrInvalidArgument))
			return
		}
		if filter.Status != models.StatusUnknown && !filter.Status.Valid() {
			yield(models.Reservation{}, fmt.Errorf("%s: %w: unknown status %q", op, ErrInvalidArgument, filter.Status))
			return
		}

		matched, err := s.provider.Reservations(ctx, filter)
		if err != nil {
			s.log.Error("query failed", slog.String("op", op), sl.Err(err))
			yield(models.Reservation{}, fmt.Errorf("%s: %w", op, err))
			return
		}

		for _, res := range matched {
			if !yield(res, nil) {
				return
			}
		}
	}
}

// Listen subscribes to the live change feed from this point forward.
func (s *Service) Listen() *feed.Listener {
	return s.changes.Subscribe()
}

const defaultReplayLimit = 100

// Replay reads committed change events with sequence greater than
// fromSeq from the persisted change log, in commit order. Listen covers
// the live tail; Replay covers the history a lagged or late consumer
// missed. It fails with ErrNoChangeLog on backends that keep no log.
func (s *Service) Replay(ctx context.Context, fromSeq int64, limit int) ([]models.ChangeEvent, error) {
	const op = "reservation.Replay"

	if s.changelog == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoChangeLog)
	}
	if limit <= 0 {
		limit = defaultReplayLimit
	}

	events, err := s.changelog.Changes(ctx, fromSeq, limit)
	if err != nil {
		s.log.Error("failed to read change log", slog.String("op", op), sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return events, nil
}

// commit publishes the change event for an already committed mutation
// and refreshes the snapshot cache. Callers hold the resource lock, so
// same-resource events reach the feed in commit order; the feed's own
// mutex orders the global sequence.
func (s *Service) commit(ctx context.Context, changeOp models.Op, res models.Reservation) {
	s.changes.Append(models.ChangeEvent{
		ReservationID: res.ID,
		Op:            changeOp,
		Snapshot:      res,
	})

	if s.cache != nil {
		if err := s.cache.SaveReservation(ctx, res); err != nil {
			s.log.Warn("failed to refresh cached reservation", slog.String("id", res.ID.String()), sl.Err(err))
		}
	}
}
