package orders

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestParseStatus(t *testing.T) {
	for _, st := range AllStatuses {
		got, err := ParseStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	for _, bad := range []string{"", "Pending", "processing", " paid"} {
		_, err := ParseStatus(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw     *string
		want    Status
		changed bool
	}{
		{nil, StatusPending, true},
		{strp(""), StatusPending, true},
		{strp("processing"), StatusPending, true},
		{strp("shipped"), StatusShipped, false},
		{strp("awaiting_treatment"), StatusAwaitingTreatment, false},
	}
	for _, tc := range cases {
		got, changed := Normalize(tc.raw)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.changed, changed)
	}
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanRequestTreatment(StatusPending))
	for _, st := range AllStatuses[1:] {
		assert.False(t, CanRequestTreatment(st), st)
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			assert.True(t, CanAdminSet(from, to))
		}
		assert.False(t, CanAdminSet(from, "bogus"))
	}

	assert.True(t, CanTransition(StatusPending, StatusAwaitingTreatment))
	assert.True(t, CanTransition(StatusShipped, StatusDelivered))
	assert.False(t, CanTransition(StatusDelivered, StatusPending))
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPaid.Terminal())
	assert.Equal(t, StatusPending, StatusInitial)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", InsufficientStock("B", 2, 1))
	assert.Equal(t, KindInsufficientStock, KindOf(err))
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.NotErrorIs(t, err, ErrNotFound)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "B", de.ProductID)

	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "internal_error", KindInternal.String())

	cause := errors.New("conn reset")
	in := asDomain("create order", cause)
	assert.Equal(t, KindInternal, KindOf(in))
	assert.ErrorIs(t, in, cause)

	nf := NotFoundf("x")
	assert.Same(t, nf, asDomain("ignored", nf))
	assert.NoError(t, asDomain("nil", nil))
}
