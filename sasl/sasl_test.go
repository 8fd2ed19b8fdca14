package sasl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiatePicksStrongestCommonMechanism(t *testing.T) {
	m, err := Negotiate("PLAIN CRAM-MD5", "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "CRAM-MD5", m.Name())
}

func TestNegotiateFallsBackToPlain(t *testing.T) {
	m, err := Negotiate("PLAIN", "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", m.Name())
}

func TestNegotiateNoCommonMechanism(t *testing.T) {
	_, err := Negotiate("GSSAPI", "u", "p")
	assert.ErrorIs(t, err, ErrNoCommonMechanism)
}

func TestPlainInitialResponse(t *testing.T) {
	m, err := Negotiate("PLAIN", "u", "p")
	require.NoError(t, err)
	initial, err := m.Start()
	require.NoError(t, err)
	assert.Equal(t, "\x00u\x00p", string(initial))
}

func TestCRAMMD5RespondsToChallenge(t *testing.T) {
	m := newCRAMMD5("u", "p")
	initial, err := m.Start()
	require.NoError(t, err)
	assert.Nil(t, initial)

	resp, done, err := m.Step([]byte("<1896.697170952@server>"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Contains(t, string(resp), "u ")
}
