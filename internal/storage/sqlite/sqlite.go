// Package sqlite is the single-file storage backend. SQLite has no
// exclusion constraints, so the overlap check and the insert run inside
// one immediate transaction: the connection is opened with
// _txlock=immediate, which takes the write lock at BEGIN and serializes
// conflicting writers at the database level. Timestamps are stored as
// integer unix nanoseconds so span comparisons are exact.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/storage"
	storageModel "github.com/horaoen/reservation/internal/storage/model"
)

type Storage struct {
	db *sql.DB
}

func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_txlock=immediate&_busy_timeout=5000", storagePath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

const reservationColumns = "id,user_id,resource_id,start_at,end_at,note,status,created_at,updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (models.Reservation, error) {
	var (
		r                                  models.Reservation
		startAt, endAt, createdAt, updated int64
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.ResourceID,
		&startAt, &endAt,
		&r.Note, &r.Status, &createdAt, &updated,
	)
	if err != nil {
		return models.Reservation{}, err
	}

	r.Span = models.Timespan{Start: time.Unix(0, startAt).UTC(), End: time.Unix(0, endAt).UTC()}
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r, nil
}

func overlapExists(ctx context.Context, tx *sql.Tx, resourceID string, span models.Timespan, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM reservations
			WHERE resource_id=? AND id<>? AND status IN ('pending','confirmed')
			AND start_at<? AND end_at>?
		)`,
		resourceID, excludeID, span.End.UnixNano(), span.Start.UnixNano(),
	).Scan(&exists)
	return exists, err
}

func appendChange(ctx context.Context, tx *sql.Tx, op models.Op, r models.Reservation) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO reservation_changes(reservation_id,op,snapshot,created_at) VALUES(?,?,?,?)",
		r.ID, string(op), snapshot, time.Now().UTC().UnixNano(),
	)
	return err
}

func (s *Storage) CreateReservation(ctx context.Context, res models.Reservation) (models.Reservation, error) {
	const op = "storage.sqlite.CreateReservation"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	exists, err := overlapExists(ctx, tx, res.ResourceID, res.Span, uuid.Nil)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO reservations("+reservationColumns+") VALUES(?,?,?,?,?,?,?,?,?)",
		res.ID, res.UserID, res.ResourceID,
		res.Span.Start.UnixNano(), res.Span.End.UnixNano(),
		res.Note, string(res.Status),
		res.CreatedAt.UnixNano(), res.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := appendChange(ctx, tx, models.OpCreate, res); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

func (s *Storage) Reservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	const op = "storage.sqlite.Reservation"

	row := s.db.QueryRowContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id=?", id)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

func (s *Storage) reservationTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (models.Reservation, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id=?", id)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Reservation{}, storage.ErrNotFound
		}
		return models.Reservation{}, err
	}
	return res, nil
}

func (s *Storage) UpdateNote(ctx context.Context, id uuid.UUID, note string) (models.Reservation, error) {
	const op = "storage.sqlite.UpdateNote"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	res, err := s.reservationTx(ctx, tx, id)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	res.Note = note
	res.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		"UPDATE reservations SET note=?, updated_at=? WHERE id=?",
		res.Note, res.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := appendChange(ctx, tx, models.OpUpdate, res); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

// Transition conditionally moves the reservation to target; see the
// postgres backend for the contract.
func (s *Storage) Transition(ctx context.Context, id uuid.UUID, target models.Status) (models.Reservation, bool, error) {
	const op = "storage.sqlite.Transition"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	res, err := s.reservationTx(ctx, tx, id)
	if err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	if res.Status == target {
		return res, false, nil
	}
	if !res.Status.CanTransitionTo(target) {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, storage.ErrInvalidTransition)
	}

	res.Status = target
	res.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		"UPDATE reservations SET status=?, updated_at=? WHERE id=?",
		string(res.Status), res.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	changeOp := models.OpUpdate
	if target == models.StatusCancelled {
		changeOp = models.OpCancel
	}
	if err := appendChange(ctx, tx, changeOp, res); err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Reservation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	return res, true, nil
}

// Reschedule swaps the reservation's span. The overlap check excludes
// the reservation's own row, so the old span never blocks the new one;
// the immediate transaction keeps other writers out in between.
func (s *Storage) Reschedule(ctx context.Context, id uuid.UUID, span models.Timespan) (models.Reservation, error) {
	const op = "storage.sqlite.Reschedule"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	res, err := s.reservationTx(ctx, tx, id)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if !res.Status.Active() {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrInvalidTransition)
	}

	exists, err := overlapExists(ctx, tx, res.ResourceID, span, id)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}

	res.Span = span
	res.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		"UPDATE reservations SET start_at=?, end_at=?, updated_at=? WHERE id=?",
		span.Start.UnixNano(), span.End.UnixNano(), res.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := appendChange(ctx, tx, models.OpUpdate, res); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return res, nil
}

func (s *Storage) Reservations(ctx context.Context, filter storage.Filter) ([]models.Reservation, error) {
	const op = "storage.sqlite.Reservations"

	query := "SELECT " + reservationColumns + " FROM reservations WHERE start_at<? AND end_at>?"
	args := []any{filter.Window.End.UnixNano(), filter.Window.Start.UnixNano()}

	if filter.ResourceID != "" {
		query += " AND resource_id=?"
		args = append(args, filter.ResourceID)
	}
	if filter.UserID != "" {
		query += " AND user_id=?"
		args = append(args, filter.UserID)
	}
	if filter.Status != models.StatusUnknown {
		query += " AND status=?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY start_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var reservations []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		reservations = append(reservations, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return reservations, nil
}

// Changes reads the persisted change log starting after fromSeq, in
// commit order. Snapshots unmarshal back into the reservation state at
// emission time.
func (s *Storage) Changes(ctx context.Context, fromSeq int64, limit int) ([]models.ChangeEvent, error) {
	const op = "storage.sqlite.Changes"

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq,reservation_id,op,snapshot FROM reservation_changes WHERE seq>? ORDER BY seq LIMIT ?",
		fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var events []models.ChangeEvent
	for rows.Next() {
		var change storageModel.Change
		if err := rows.Scan(&change.Seq, &change.ReservationID, &change.Op, &change.Snapshot); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return events, nil
}

func (s *Storage) Close() error {
	const op = "storage.sqlite.Close"

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
