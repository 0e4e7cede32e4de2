package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validWhipOffer = "v=0\r\no=- 1 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\na=setup:actpass\r\na=sendonly\r\n"
const validWhepAnswer = "v=0\r\no=- 2 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\na=setup:actpass\r\na=recvonly\r\n"

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{"", " ", "v=1", "v=0"}
	for _, c := range cases {
		_, err := Parse(c)
		assert.ErrorIs(t, err, ErrInvalid, "input %q", c)
	}
}

func TestParseAcceptsValid(t *testing.T) {
	s, err := Parse(validWhipOffer)
	require.NoError(t, err)
	assert.True(t, s.IsSendOnly())
	assert.False(t, s.IsRecvOnly())

	s2, err := Parse(validWhepAnswer)
	require.NoError(t, err)
	assert.True(t, s2.IsRecvOnly())
}

func TestSetupRewriteIsIdempotentWithoutToken(t *testing.T) {
	s, err := Parse("v=0\r\na=sendonly\r\n")
	require.NoError(t, err)
	rewritten := s.SetActive()
	assert.Equal(t, s.String(), rewritten.String())
}

func TestSetActiveReplacesFirstOccurrenceOnly(t *testing.T) {
	s, err := Parse(validWhipOffer)
	require.NoError(t, err)
	active := s.SetActive()
	assert.Contains(t, active.String(), "a=setup:active")
	assert.NotContains(t, active.String(), "a=setup:actpass")
}

func TestSetPassive(t *testing.T) {
	s, err := Parse(validWhepAnswer)
	require.NoError(t, err)
	passive := s.SetPassive()
	assert.Contains(t, passive.String(), "a=setup:passive")
}
