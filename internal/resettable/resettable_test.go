package resettable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResettable_GetReturnsCurrentValue(t *testing.T) {
	calls := 0
	r := New(func() int {
		calls++
		return calls
	}, nil)
	assert.Equal(t, 1, r.Get())
	assert.Equal(t, 1, calls)
}

func TestResettable_WithResetStopsThenRebuilds(t *testing.T) {
	var events []string
	calls := 0
	r := New(func() int {
		calls++
		events = append(events, "make")
		return calls
	}, func(int) {
		events = append(events, "stop")
	})

	r.WithReset(func() {
		events = append(events, "reset-body")
	})

	assert.Equal(t, []string{"make", "stop", "reset-body", "make"}, events)
	assert.Equal(t, 2, r.Get())
}

func TestResettable_NilStopIsOptional(t *testing.T) {
	r := New(func() int { return 7 }, nil)
	assert.NotPanics(t, func() {
		r.WithReset(func() {})
	})
	assert.Equal(t, 7, r.Get())
}
