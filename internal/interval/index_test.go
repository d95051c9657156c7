package interval_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/interval"
)

var base = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

func span(startMin, endMin int) models.Timespan {
	return models.Timespan{
		Start: base.Add(time.Duration(startMin) * time.Minute),
		End:   base.Add(time.Duration(endMin) * time.Minute),
	}
}

func TestTryReserve_Conflict(t *testing.T) {
	idx := interval.New()

	_, err := idx.TryReserve("room-1", span(600, 660))
	require.NoError(t, err)

	tests := []struct {
		name string
		span models.Timespan
	}{
		{name: "contained", span: span(630, 645)},
		{name: "overlapping start", span: span(590, 610)},
		{name: "overlapping end", span: span(650, 670)},
		{name: "covering", span: span(590, 670)},
		{name: "identical", span: span(600, 660)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := idx.TryReserve("room-1", test.span)
			assert.ErrorIs(t, err, interval.ErrConflict)
		})
	}
}

func TestTryReserve_AdjacentSpans(t *testing.T) {
	idx := interval.New()

	_, err := idx.TryReserve("room-1", span(600, 660))
	require.NoError(t, err)

	// Half-open intervals: [10:00,11:00) and [11:00,12:00) do not
	// overlap, nor do [09:00,10:00) and [10:00,11:00).
	_, err = idx.TryReserve("room-1", span(660, 720))
	assert.NoError(t, err)
	_, err = idx.TryReserve("room-1", span(540, 600))
	assert.NoError(t, err)
}

func TestTryReserve_DifferentResources(t *testing.T) {
	idx := interval.New()

	_, err := idx.TryReserve("room-1", span(600, 660))
	require.NoError(t, err)

	_, err = idx.TryReserve("room-2", span(600, 660))
	assert.NoError(t, err)
}

func TestRelease_FreesSlot(t *testing.T) {
	idx := interval.New()

	tok, err := idx.TryReserve("room-1", span(600, 660))
	require.NoError(t, err)

	require.NoError(t, idx.Release("room-1", tok))

	_, err = idx.TryReserve("room-1", span(615, 645))
	assert.NoError(t, err)
}

func TestRelease_UnknownToken(t *testing.T) {
	idx := interval.New()

	tok, err := idx.TryReserve("room-1", span(600, 660))
	require.NoError(t, err)

	require.NoError(t, idx.Release("room-1", tok))
	assert.ErrorIs(t, idx.Release("room-1", tok), interval.ErrUnknownToken)
}

func TestReplace_OwnSpanNotAConflict(t *testing.T) {
	idx := interval.New()

	tok, err := idx.TryReserve("room-1", span(600, 660))
	require.NoError(t, err)

	// The new span overlaps the old one; the swap must still succeed.
	newTok, err := idx.Replace("room-1", tok, span(630, 690))
	require.NoError(t, err)
	assert.NotEqual(t, tok, newTok)

	// The old span is gone.
	_, err = idx.TryReserve("room-1", span(600, 630))
	assert.NoError(t, err)
}

func TestReplace_ConflictKeepsOldSlot(t *testing.T) {
	idx := interval.New()

	tok, err := idx.TryReserve("room-1", span(600, 660))
	require.NoError(t, err)
	_, err = idx.TryReserve("room-1", span(660, 720))
	require.NoError(t, err)

	_, err = idx.Replace("room-1", tok, span(650, 700))
	require.ErrorIs(t, err, interval.ErrConflict)

	// The original slot must still be held.
	_, err = idx.TryReserve("room-1", span(615, 645))
	assert.ErrorIs(t, err, interval.ErrConflict)

	// And the token must remain usable.
	_, err = idx.Replace("room-1", tok, span(720, 780))
	assert.NoError(t, err)
}

func TestTryReserve_ConcurrentSameSlot(t *testing.T) {
	idx := interval.New()

	const writers = 64

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := idx.TryReserve("room-1", span(600, 660)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestTryReserve_ConcurrentRandomSpans(t *testing.T) {
	idx := interval.New()

	const writers = 200

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []models.Timespan
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := span(i%97*10, i%97*10+15)
			if _, err := idx.TryReserve("room-1", s); err == nil {
				mu.Lock()
				won = append(won, s)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, won)
	for i := range won {
		for j := range won {
			if i == j {
				continue
			}
			assert.False(t, won[i].Overlaps(won[j]),
				"reserved spans %v and %v overlap", won[i], won[j])
		}
	}
}

func TestTryReserve_ConcurrentDifferentResources(t *testing.T) {
	idx := interval.New()

	const writers = 100

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fails int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Numerically identical spans on distinct resources must
			// all succeed.
			resource := []string{"room-1", "room-2", "room-3", "room-4"}[i%4]
			if _, err := idx.TryReserve(resource, span(i/4*10, i/4*10+10)); err != nil {
				mu.Lock()
				fails++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, fails)
}
