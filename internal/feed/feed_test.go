package feed_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/feed"
)

func event(op models.Op) models.ChangeEvent {
	id := uuid.New()
	return models.ChangeEvent{
		ReservationID: id,
		Op:            op,
		Snapshot:      models.Reservation{ID: id},
	}
}

func TestAppend_OrderedDelivery(t *testing.T) {
	f := feed.New(8, nil)

	listener := f.Subscribe()
	defer listener.Close()

	ops := []models.Op{models.OpCreate, models.OpUpdate, models.OpCancel}
	for _, op := range ops {
		f.Append(event(op))
	}

	var lastSeq uint64
	for i, want := range ops {
		select {
		case ev := <-listener.Events():
			assert.Equal(t, want, ev.Op, "event %d", i)
			assert.Greater(t, ev.Sequence, lastSeq, "sequence must strictly increase")
			lastSeq = ev.Sequence
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestAppend_NoReplayBeforeSubscription(t *testing.T) {
	f := feed.New(8, nil)

	f.Append(event(models.OpCreate))

	listener := f.Subscribe()
	defer listener.Close()

	f.Append(event(models.OpUpdate))

	ev := <-listener.Events()
	assert.Equal(t, models.OpUpdate, ev.Op)
	assert.Empty(t, listener.Events())
}

func TestAppend_IndependentListeners(t *testing.T) {
	f := feed.New(8, nil)

	first := f.Subscribe()
	defer first.Close()
	second := f.Subscribe()
	defer second.Close()

	appended := f.Append(event(models.OpCreate))

	for _, l := range []*feed.Listener{first, second} {
		ev := <-l.Events()
		assert.Equal(t, appended.Sequence, ev.Sequence)
		assert.Equal(t, appended.ReservationID, ev.ReservationID)
	}
}

func TestAppend_SlowListenerDropped(t *testing.T) {
	var dropped int
	f := feed.New(1, func() { dropped++ })

	slow := f.Subscribe()
	fast := f.Subscribe()
	defer fast.Close()

	// The fast listener drains after every append and keeps up; the
	// slow listener never drains, so the second append overflows its
	// one-slot buffer and must terminate it without blocking.
	f.Append(event(models.OpCreate))
	assert.Equal(t, models.OpCreate, (<-fast.Events()).Op)
	f.Append(event(models.OpUpdate))
	assert.Equal(t, models.OpUpdate, (<-fast.Events()).Op)
	f.Append(event(models.OpCancel))
	assert.Equal(t, models.OpCancel, (<-fast.Events()).Op)

	// The slow listener got the first event, then the close.
	ev, ok := <-slow.Events()
	require.True(t, ok)
	assert.Equal(t, models.OpCreate, ev.Op)

	_, ok = <-slow.Events()
	require.False(t, ok, "lagged listener channel must be closed")
	assert.ErrorIs(t, slow.Err(), feed.ErrListenerLagged)
	assert.Equal(t, 1, dropped)
}

func TestClose_Unsubscribes(t *testing.T) {
	f := feed.New(8, nil)

	listener := f.Subscribe()
	listener.Close()

	_, ok := <-listener.Events()
	require.False(t, ok)
	assert.NoError(t, listener.Err())

	// Appending after close must not panic or deliver.
	f.Append(event(models.OpCreate))
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	f := feed.New(1024, nil)

	listener := f.Subscribe()
	defer listener.Close()

	const writers = 16
	const perWriter = 32

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				f.Append(event(models.OpUpdate))
			}
		}()
	}
	wg.Wait()

	var lastSeq uint64
	for i := 0; i < writers*perWriter; i++ {
		ev := <-listener.Events()
		require.Greater(t, ev.Sequence, lastSeq, "no duplicates and no gaps backwards")
		lastSeq = ev.Sequence
	}
	assert.Equal(t, uint64(writers*perWriter), lastSeq)
}
