package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/storage"
)

var base = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

func span(startMin, endMin int) models.Timespan {
	return models.Timespan{
		Start: base.Add(time.Duration(startMin) * time.Minute),
		End:   base.Add(time.Duration(endMin) * time.Minute),
	}
}

func newStorage(t *testing.T) *Storage {
	t.Helper()

	st, err := New(filepath.Join(t.TempDir(), "reservations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "sqlite", "000001_init.up.sql"))
	require.NoError(t, err)
	_, err = st.db.Exec(string(schema))
	require.NoError(t, err)

	return st
}

func newReservation(resourceID string, s models.Timespan) models.Reservation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.Reservation{
		ID:         uuid.New(),
		UserID:     gofakeit.Username(),
		ResourceID: resourceID,
		Span:       s,
		Note:       gofakeit.Sentence(3),
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCreateReservation_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	want := newReservation("room-1", span(600, 660))
	_, err := st.CreateReservation(ctx, want)
	require.NoError(t, err)

	got, err := st.Reservation(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCreateReservation_Conflict(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	_, err := st.CreateReservation(ctx, newReservation("room-1", span(600, 660)))
	require.NoError(t, err)

	tests := []struct {
		name    string
		span    models.Timespan
		wantErr error
	}{
		{name: "contained", span: span(615, 645), wantErr: storage.ErrConflict},
		{name: "overlapping tail", span: span(630, 690), wantErr: storage.ErrConflict},
		{name: "covering", span: span(570, 690), wantErr: storage.ErrConflict},
		{name: "adjacent after", span: span(660, 720), wantErr: nil},
		{name: "adjacent before", span: span(540, 600), wantErr: nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := st.CreateReservation(ctx, newReservation("room-1", test.span))
			if test.wantErr != nil {
				assert.ErrorIs(t, err, test.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCreateReservation_OtherResource(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	_, err := st.CreateReservation(ctx, newReservation("room-1", span(600, 660)))
	require.NoError(t, err)
	_, err = st.CreateReservation(ctx, newReservation("room-2", span(600, 660)))
	assert.NoError(t, err)
}

func TestReservation_NotFound(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	_, err := st.Reservation(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransition_StateMachine(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	res := newReservation("room-1", span(600, 660))
	_, err := st.CreateReservation(ctx, res)
	require.NoError(t, err)

	confirmed, changed, err := st.Transition(ctx, res.ID, models.StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)

	// Repeating the transition is a no-op.
	again, changed, err := st.Transition(ctx, res.ID, models.StatusConfirmed)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusConfirmed, again.Status)

	_, changed, err = st.Transition(ctx, res.ID, models.StatusCancelled)
	require.NoError(t, err)
	assert.True(t, changed)

	// Cancelled is terminal.
	_, _, err = st.Transition(ctx, res.ID, models.StatusConfirmed)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestTransition_CancelFreesSlot(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	res := newReservation("room-1", span(600, 660))
	_, err := st.CreateReservation(ctx, res)
	require.NoError(t, err)

	_, _, err = st.Transition(ctx, res.ID, models.StatusCancelled)
	require.NoError(t, err)

	_, err = st.CreateReservation(ctx, newReservation("room-1", span(615, 645)))
	assert.NoError(t, err)
}

func TestReschedule(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	res := newReservation("room-1", span(600, 660))
	_, err := st.CreateReservation(ctx, res)
	require.NoError(t, err)
	_, err = st.CreateReservation(ctx, newReservation("room-1", span(660, 720)))
	require.NoError(t, err)

	// The old span never blocks the reservation's own move.
	moved, err := st.Reschedule(ctx, res.ID, span(570, 630))
	require.NoError(t, err)
	assert.Equal(t, span(570, 630), moved.Span)

	// Moving onto the neighbour conflicts and leaves the span alone.
	_, err = st.Reschedule(ctx, res.ID, span(680, 700))
	assert.ErrorIs(t, err, storage.ErrConflict)

	kept, err := st.Reservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, span(570, 630), kept.Span)

	// Cancelled reservations cannot move.
	_, _, err = st.Transition(ctx, res.ID, models.StatusCancelled)
	require.NoError(t, err)
	_, err = st.Reschedule(ctx, res.ID, span(0, 60))
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestUpdateNote(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	res := newReservation("room-1", span(600, 660))
	_, err := st.CreateReservation(ctx, res)
	require.NoError(t, err)

	updated, err := st.UpdateNote(ctx, res.ID, "projector required")
	require.NoError(t, err)
	assert.Equal(t, "projector required", updated.Note)

	got, err := st.Reservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "projector required", got.Note)
}

func TestReservations_Filtering(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	a := newReservation("r1", span(9*60, 10*60))
	a.UserID = "u1"
	b := newReservation("r1", span(11*60, 12*60))
	b.UserID = "u2"
	c := newReservation("r2", span(9*60, 10*60))
	c.UserID = "u1"

	for _, res := range []models.Reservation{a, b, c} {
		_, err := st.CreateReservation(ctx, res)
		require.NoError(t, err)
	}

	day := span(0, 24*60)

	byResource, err := st.Reservations(ctx, storage.Filter{ResourceID: "r1", Window: day})
	require.NoError(t, err)
	require.Len(t, byResource, 2)
	assert.Equal(t, a.ID, byResource[0].ID)
	assert.Equal(t, b.ID, byResource[1].ID)

	byUser, err := st.Reservations(ctx, storage.Filter{UserID: "u2", Window: day})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, b.ID, byUser[0].ID)

	// Half-open window: a reservation starting exactly at the window
	// end is excluded.
	windowed, err := st.Reservations(ctx, storage.Filter{ResourceID: "r1", Window: span(10*60, 11*60)})
	require.NoError(t, err)
	assert.Empty(t, windowed)

	_, _, err = st.Transition(ctx, b.ID, models.StatusCancelled)
	require.NoError(t, err)
	cancelled, err := st.Reservations(ctx, storage.Filter{Status: models.StatusCancelled, Window: day})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, b.ID, cancelled[0].ID)
}

func TestChanges_ReplaysCommitOrder(t *testing.T) {
	ctx := context.Background()
	st := newStorage(t)

	res := newReservation("room-1", span(600, 660))
	_, err := st.CreateReservation(ctx, res)
	require.NoError(t, err)
	_, _, err = st.Transition(ctx, res.ID, models.StatusConfirmed)
	require.NoError(t, err)
	_, _, err = st.Transition(ctx, res.ID, models.StatusCancelled)
	require.NoError(t, err)

	events, err := st.Changes(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	wantOps := []models.Op{models.OpCreate, models.OpUpdate, models.OpCancel}
	wantStatuses := []models.Status{models.StatusPending, models.StatusConfirmed, models.StatusCancelled}
	var lastSeq uint64
	for i, ev := range events {
		assert.Equal(t, wantOps[i], ev.Op)
		assert.Equal(t, res.ID, ev.ReservationID)
		assert.Equal(t, wantStatuses[i], ev.Snapshot.Status)
		assert.Greater(t, ev.Sequence, lastSeq)
		lastSeq = ev.Sequence
	}

	// fromSeq resumes after already-consumed events.
	tail, err := st.Changes(ctx, int64(events[1].Sequence), 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, models.OpCancel, tail[0].Op)

	// limit bounds the page.
	page, err := st.Changes(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
