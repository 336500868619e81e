package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentifierNormalization(t *testing.T) {
	ident, err := NewIdentifier(IdentifierDNS, "  WWW.Example.Com ")
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", ident.Value)

	ident, err = NewIdentifier(IdentifierIP, "2001:DB8::1")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ident.Value)

	ident, err = NewIdentifier(IdentifierPermanentIdentifier, "Device-0042")
	require.NoError(t, err)
	// permanent-identifier values are case-significant.
	assert.Equal(t, "Device-0042", ident.Value)

	_, err = NewIdentifier("tn", "+15555550100")
	assert.Error(t, err, "unsupported identifier types must be rejected")

	_, err = NewIdentifier(IdentifierDNS, "   ")
	assert.Error(t, err)
}

func TestIdentifierEquality(t *testing.T) {
	a := Identifier{Type: IdentifierDNS, Value: "Example.com"}
	b := Identifier{Type: IdentifierDNS, Value: "example.COM"}
	assert.True(t, a.Equals(b))

	c := Identifier{Type: IdentifierIP, Value: "example.com"}
	assert.False(t, a.Equals(c))
}

func TestWildcardHelpers(t *testing.T) {
	wc := Identifier{Type: IdentifierDNS, Value: "*.example.com"}
	assert.True(t, wc.IsWildcard())
	assert.Equal(t, "example.com", wc.WithoutWildcard().Value)

	plain := Identifier{Type: IdentifierDNS, Value: "example.com"}
	assert.False(t, plain.IsWildcard())
	assert.Equal(t, plain, plain.WithoutWildcard())

	// Only DNS identifiers can be wildcards.
	ip := Identifier{Type: IdentifierIP, Value: "*.1.2.3"}
	assert.False(t, ip.IsWildcard())
}
