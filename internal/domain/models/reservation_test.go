package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/horaoen/reservation/internal/domain/models"
)

var base = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

func span(startMin, endMin int) models.Timespan {
	return models.Timespan{
		Start: base.Add(time.Duration(startMin) * time.Minute),
		End:   base.Add(time.Duration(endMin) * time.Minute),
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from models.Status
		to   models.Status
		want bool
	}{
		{models.StatusPending, models.StatusConfirmed, true},
		{models.StatusPending, models.StatusCancelled, true},
		{models.StatusPending, models.StatusPending, false},
		{models.StatusConfirmed, models.StatusConfirmed, true},
		{models.StatusConfirmed, models.StatusCancelled, true},
		{models.StatusConfirmed, models.StatusPending, false},
		{models.StatusCancelled, models.StatusCancelled, true},
		{models.StatusCancelled, models.StatusPending, false},
		{models.StatusCancelled, models.StatusConfirmed, false},
		{models.StatusUnknown, models.StatusPending, false},
	}

	for _, test := range tests {
		t.Run(string(test.from)+"->"+string(test.to), func(t *testing.T) {
			assert.Equal(t, test.want, test.from.CanTransitionTo(test.to))
		})
	}
}

func TestStatus_Active(t *testing.T) {
	assert.True(t, models.StatusPending.Active())
	assert.True(t, models.StatusConfirmed.Active())
	assert.False(t, models.StatusCancelled.Active())
	assert.False(t, models.StatusUnknown.Active())
}

func TestTimespan_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Timespan
		want bool
	}{
		{name: "identical", a: span(0, 60), b: span(0, 60), want: true},
		{name: "contained", a: span(0, 60), b: span(15, 45), want: true},
		{name: "partial", a: span(0, 60), b: span(30, 90), want: true},
		{name: "adjacent", a: span(0, 60), b: span(60, 120), want: false},
		{name: "disjoint", a: span(0, 60), b: span(90, 120), want: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, test.a.Overlaps(test.b))
			assert.Equal(t, test.want, test.b.Overlaps(test.a))
		})
	}
}

func TestTimespan_IsValid(t *testing.T) {
	assert.True(t, span(0, 60).IsValid())
	assert.False(t, span(60, 0).IsValid())
	assert.False(t, span(60, 60).IsValid())
	assert.False(t, models.Timespan{}.IsValid())
}
