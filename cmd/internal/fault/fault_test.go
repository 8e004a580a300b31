package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesKindThroughWrapping(t *testing.T) {
	t.Parallel()

	base := New(TurnViolation, "lobby.execute_turn", "not your turn")
	wrapped := fmt.Errorf("ws submit-turn: %w", base)

	require.ErrorIs(t, wrapped, TurnViolation)
	require.NotErrorIs(t, wrapped, IllegalState)
	assert.Equal(t, TurnViolation, KindOf(wrapped))
	assert.Equal(t, "not your turn", Message(wrapped))
}

func TestKindOf_UnclassifiedIsInternal(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	assert.Equal(t, Internal, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrap_NilStaysNil(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wrap(NotFound, "op", nil))

	err := Wrap(NotFound, "store.get", errors.New("missing key"))
	require.ErrorIs(t, err, NotFound)
	assert.Equal(t, "store.get: missing key", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind Kind
		want int
	}{
		{InvalidArgument, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{Forbidden, http.StatusForbidden},
		{IllegalState, http.StatusConflict},
		{TurnViolation, http.StatusConflict},
		{ResourceExhausted, http.StatusTooManyRequests},
		{Expired, http.StatusGone},
		{Cancelled, http.StatusGone},
		{Unavailable, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.kind), "kind=%s", tc.kind)
	}
}

func TestKindOf_ContextErrorsAreUnavailable(t *testing.T) {
	t.Parallel()

	for _, base := range []error{context.Canceled, context.DeadlineExceeded} {
		err := fmt.Errorf("lobby create: %w", base)
		assert.Equal(t, Unavailable, KindOf(err), "err=%v", base)
		assert.Equal(t, "request cancelled before it completed", Message(err))
		assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindOf(err)))
	}

	// An explicit classification still wins over the wrapped context error.
	err := Wrap(Conflict, "invite.join", context.Canceled)
	assert.Equal(t, Conflict, KindOf(err))
}
