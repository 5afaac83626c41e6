package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Lifecycle(t *testing.T) {
	s := StatusPending

	s, err := Transition(s, EventAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, s)

	s, err = Transition(s, EventDisconnected)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, s)

	s, err = Transition(s, EventAuthenticated)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, s)

	s, err = Transition(s, EventRevoked)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, s)
}

func TestTransition_RevokedIsTerminal(t *testing.T) {
	_, err := Transition(StatusRevoked, EventAuthenticated)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Transition(StatusRevoked, EventDisconnected)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err := Transition(StatusRevoked, EventRevoked)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, s)
}

func TestTransition_RevokeFromAnyState(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusOnline, StatusOffline} {
		s, err := Transition(from, EventRevoked)
		require.NoError(t, err, from)
		assert.Equal(t, StatusRevoked, s)
	}
}

func TestTransition_PendingCannotGoOffline(t *testing.T) {
	s, err := Transition(StatusPending, EventDisconnected)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, s)
}

func TestTransition_UnknownEvent(t *testing.T) {
	_, err := Transition(StatusOnline, Event(42))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAllowedFrom_ReturnsCopy(t *testing.T) {
	from := AllowedFrom(EventAuthenticated)
	assert.NotContains(t, from, StatusRevoked)

	from[0] = StatusRevoked
	assert.NotContains(t, AllowedFrom(EventAuthenticated), StatusRevoked)
	assert.Nil(t, AllowedFrom(Event(99)))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("offline")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, s)

	_, err = ParseStatus("busy")
	assert.Error(t, err)
}
