package crypto_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/fedauth/internal/crypto"
)

func TestGenerateOpaqueToken(t *testing.T) {
	a, err := crypto.GenerateOpaqueToken()
	require.NoError(t, err)
	b, err := crypto.GenerateOpaqueToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, crypto.OpaqueTokenBytes)
	assert.False(t, strings.ContainsAny(a, "+/="))
}

func TestHashToken(t *testing.T) {
	h := crypto.HashToken("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
	assert.NotEqual(t, h, crypto.HashToken("abd"))
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := crypto.NewSealer([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	sealed, err := s.Seal("ya29.provider-access-token", "google:g123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ya29")

	opened, err := s.Open(sealed, "google:g123")
	require.NoError(t, err)
	assert.Equal(t, "ya29.provider-access-token", opened)

	_, err = s.Open(sealed, "google:other")
	assert.ErrorIs(t, err, crypto.ErrSealedValueInvalid)

	empty, err := s.Seal("", "x")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNewSealer_ShortKey(t *testing.T) {
	_, err := crypto.NewSealer([]byte("short"))
	assert.Error(t, err)
}
