package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	base := errors.New("base")

	wrapped := Wrap(base, "loading order")
	assert.EqualError(t, wrapped, "loading order: base")
	assert.ErrorIs(t, wrapped, base)

	assert.NoError(t, Wrap(nil, "nothing"))
	assert.NoError(t, Wrapf(nil, "nothing %d", 1))
	assert.EqualError(t, Wrapf(base, "order %d", 7), "order 7: base")
}

func TestStillProcessingIsDuplicateInFlight(t *testing.T) {
	assert.ErrorIs(t, ErrStillProcessing, ErrDuplicateInFlight)
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validation("missing items"), false},
		{"inapplicable", Inapplicable("order %d cancelled", 1), false},
		{"conflict", ErrConflict, false},
		{"in flight", ErrDuplicateInFlight, true},
		{"still processing", ErrStillProcessing, true},
		{"transient store", Wrap(ErrTransientStore, "save"), true},
		{"publish", Wrap(ErrPublishFailure, "rabbit"), true},
		{"out of order", OutOfOrder("order %d", 2), true},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(Validation("bad")))
	assert.True(t, IsRejection(Inapplicable("late")))
	assert.True(t, IsRejection(Wrap(ErrNotFound, "product 3")))
	assert.False(t, IsRejection(ErrTransientStore))
	assert.False(t, IsRejection(OutOfOrder("early")))
}
