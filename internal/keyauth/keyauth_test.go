package keyauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: string(jose.ES256)}
}

func TestKeyAuthorizationDeterministic(t *testing.T) {
	key := testKey(t)

	ka1, err := KeyAuthorization("token123", key)
	require.NoError(t, err)
	ka2, err := KeyAuthorization("token123", key)
	require.NoError(t, err)
	assert.Equal(t, ka1, ka2, "same token and key must derive identical output")

	parts := strings.SplitN(ka1, ".", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "token123", parts[0])
	assert.NotEmpty(t, parts[1])
	// base64url without padding
	assert.NotContains(t, parts[1], "=")
	assert.NotContains(t, parts[1], "+")
	assert.NotContains(t, parts[1], "/")

	// A different token changes the output.
	ka3, err := KeyAuthorization("token456", key)
	require.NoError(t, err)
	assert.NotEqual(t, ka1, ka3)

	// A different key changes the output.
	ka4, err := KeyAuthorization("token123", testKey(t))
	require.NoError(t, err)
	assert.NotEqual(t, ka1, ka4)
}

func TestDigestForms(t *testing.T) {
	key := testKey(t)
	ka, err := KeyAuthorization("tok", key)
	require.NoError(t, err)

	raw := Digest(ka)
	b64 := DigestB64(ka)
	assert.Len(t, raw, 32)
	assert.Equal(t, b64, DigestB64(ka), "digest encoding must be stable")
	assert.NotContains(t, b64, "=")
}

func TestKeyAuthorizationErrors(t *testing.T) {
	_, err := KeyAuthorization("", testKey(t))
	assert.Error(t, err)

	_, err = KeyAuthorization("tok", nil)
	assert.Error(t, err)
}

func TestParseAccountKeyRoundTrip(t *testing.T) {
	key := testKey(t)
	raw, err := key.MarshalJSON()
	require.NoError(t, err)

	parsed, err := ParseAccountKey(string(raw))
	require.NoError(t, err)

	tp1, err := Thumbprint(key)
	require.NoError(t, err)
	tp2, err := Thumbprint(parsed)
	require.NoError(t, err)
	assert.Equal(t, tp1, tp2)

	_, err = ParseAccountKey("{not json")
	assert.Error(t, err)
}
