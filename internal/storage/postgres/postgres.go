// Package postgres is the durable storage backend. The non-overlap
// invariant is structural: an EXCLUDE USING gist constraint over
// (resource_id, tstzrange(start_at, end_at)) on active rows rejects
// conflicting writers at commit, and every mutation appends a row to
// the reservation_changes log inside the same transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/horaoen/reservation/internal/domain/converter"
	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/storage"
	storageModel "github.com/horaoen/reservation/internal/storage/model"
)

type Storage struct {
	dbpool *pgxpool.Pool
}

var (
	pgOnce sync.Once
)

func New(dbAddr string) (*Storage, error) {
	const op = "storage.postgres.New"

	var (
		dbpool *pgxpool.Pool
		err    error
	)

	//single instance of the db
	pgOnce.Do(func() {
		dbpool, err = pgxpool.New(context.Background(), dbAddr)
	})

	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{dbpool: dbpool}, nil
}

const reservationColumns = "id,user_id,resource_id,start_at,end_at,note,status,created_at,updated_at"

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(
		&r.ID, &r.UserID, &r.ResourceID,
		&r.Span.Start, &r.Span.End,
		&r.Note, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func appendChange(ctx context.Context, tx pgx.Tx, op models.Op, r models.Reservation) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return err
	}

	query := "INSERT INTO reservation_changes(reservation_id,op,snapshot) VALUES(@reservationId,@op,@snapshot)"
	args := pgx.NamedArgs{
		"reservationId": r.ID,
		"op":            string(op),
		"snapshot":      snapshot,
	}
	_, err = tx.Exec(ctx, query, args)
	return err
}

func (s *Storage) CreateReservation(ctx context.Context, res models.Reservation) (models.Reservation, error) {
	const op = "storage.postgres.CreateReservation"

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO reservations(` + reservationColumns + `)
		VALUES(@id,@userId,@resourceId,@startAt,@endAt,@note,@status,@createdAt,@updatedAt)
		RETURNING ` + reservationColumns
	args := pgx.NamedArgs{
		"id":         res.ID,
		"userId":     res.UserID,
		"resourceId": res.ResourceID,
		"startAt":    res.Span.Start,
		"endAt":      res.Span.End,
		"note":       res.Note,
		"status":     string(res.Status),
		"createdAt":  res.CreatedAt,
		"updatedAt":  res.UpdatedAt,
	}

	created, err := scanReservation(tx.QueryRow(ctx, query, args))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ExclusionViolation {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrConflict)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := appendChange(ctx, tx, models.OpCreate, created); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return created, nil
}

func (s *Storage) Reservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	const op = "storage.postgres.Reservation"

	query := "SELECT " + reservationColumns + " FROM reservations WHERE id=$1"
	res, err := scanReservation(s.dbpool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

func (s *Storage) UpdateNote(ctx context.Context, id uuid.UUID, note string) (models.Reservation, error) {
	const op = "storage.postgres.UpdateNote"

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE reservations SET note=@note, updated_at=now()
		WHERE id=@id RETURNING ` + reservationColumns
	args := pgx.NamedArgs{"id": id, "note": note}

	updated, err := scanReservation(tx.QueryRow(ctx, query, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := appendChange(ctx, tx, models.OpUpdate, updated); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return updated, nil
}

// Transition reads the current status under a row lock and moves the
// reservation to target if the state machine permits. The returned
// bool reports whether the state actually changed; a transition to the
// state already current is a successful no-op and appends no change row.
func (s *Storage) Transition(ctx context.Context, id uuid.UUID, target models.Status) (models.Reservation, bool, error) {
	const op = "storage.postgres.Transition"

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	query := "SELECT " + reservationColumns + " FROM reservations WHERE id=$1 FOR UPDATE"
	current, err := scanReservation(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, false, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	if current.Status == target {
		return current, false, nil
	}
	if !current.Status.CanTransitionTo(target) {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, storage.ErrInvalidTransition)
	}

	query = `UPDATE reservations SET status=@status, updated_at=now()
		WHERE id=@id RETURNING ` + reservationColumns
	args := pgx.NamedArgs{"id": id, "status": string(target)}

	updated, err := scanReservation(tx.QueryRow(ctx, query, args))
	if err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	changeOp := models.OpUpdate
	if target == models.StatusCancelled {
		changeOp = models.OpCancel
	}
	if err := appendChange(ctx, tx, changeOp, updated); err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	return updated, true, nil
}

// Reschedule swaps the reservation's span. The exclusion constraint
// re-checks the updated row against all other active rows, so the old
// span is never a conflict source for the new one and no other writer
// can slip in between.
func (s *Storage) Reschedule(ctx context.Context, id uuid.UUID, span models.Timespan) (models.Reservation, error) {
	const op = "storage.postgres.Reschedule"

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	query := "SELECT " + reservationColumns + " FROM reservations WHERE id=$1 FOR UPDATE"
	current, err := scanReservation(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if !current.Status.Active() {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrInvalidTransition)
	}

	query = `UPDATE reservations SET start_at=@startAt, end_at=@endAt, updated_at=now()
		WHERE id=@id RETURNING ` + reservationColumns
	args := pgx.NamedArgs{"id": id, "startAt": span.Start, "endAt": span.End}

	updated, err := scanReservation(tx.QueryRow(ctx, query, args))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ExclusionViolation {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrConflict)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := appendChange(ctx, tx, models.OpUpdate, updated); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return updated, nil
}

func (s *Storage) Reservations(ctx context.Context, filter storage.Filter) ([]models.Reservation, error) {
	const op = "storage.postgres.Reservations"

	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE start_at < @windowEnd AND end_at > @windowStart`
	args := pgx.NamedArgs{
		"windowStart": filter.Window.Start,
		"windowEnd":   filter.Window.End,
	}

	if filter.ResourceID != "" {
		query += " AND resource_id=@resourceId"
		args["resourceId"] = filter.ResourceID
	}
	if filter.UserID != "" {
		query += " AND user_id=@userId"
		args["userId"] = filter.UserID
	}
	if filter.Status != models.StatusUnknown {
		query += " AND status=@status"
		args["status"] = string(filter.Status)
	}
	query += " ORDER BY start_at, id"

	rows, err := s.dbpool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	reservations, err := pgx.CollectRows(rows, pgx.RowToStructByName[storageModel.Reservation])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToReservationsFromStorage(reservations), nil
}

// Changes reads the persisted change log starting after fromSeq, in
// commit order. Snapshots unmarshal back into the reservation state at
// emission time.
func (s *Storage) Changes(ctx context.Context, fromSeq int64, limit int) ([]models.ChangeEvent, error) {
	const op = "storage.postgres.Changes"

	query := `SELECT seq, reservation_id, op, snapshot, created_at FROM reservation_changes
		WHERE seq > $1 ORDER BY seq LIMIT $2`

	rows, err := s.dbpool.Query(ctx, query, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	changes, err := pgx.CollectRows(rows, pgx.RowToStructByName[storageModel.Change])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	events := make([]models.ChangeEvent, 0, len(changes))
	for _, change := range changes {
		ev := models.ChangeEvent{
			Sequence:      uint64(change.Seq),
			ReservationID: change.ReservationID,
			Op:            models.Op(change.Op),
		}
		if err := json.Unmarshal(change.Snapshot, &ev.Snapshot); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, ev)
	}

	return events, nil
}

func (s *Storage) ClosePool() {
	s.dbpool.Close()
}
