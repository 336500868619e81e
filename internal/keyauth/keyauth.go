// Package keyauth derives ACME key authorizations (RFC 8555 section
// 8.1). The derivation is deterministic and shared by every token-based
// challenge validator, so the HTTP, DNS and TLS checks agree byte for
// byte on what they expect to find.
package keyauth

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of the account
// key, base64url encoded without padding.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("keyauth: nil account key")
	}
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("keyauth: failed to compute JWK thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// KeyAuthorization returns token || "." || thumbprint for the given
// challenge token and account key.
func KeyAuthorization(token string, key *jose.JSONWebKey) (string, error) {
	if token == "" {
		return "", fmt.Errorf("keyauth: empty challenge token")
	}
	tp, err := Thumbprint(key)
	if err != nil {
		return "", err
	}
	return token + "." + tp, nil
}

// Digest returns the SHA-256 digest of the key authorization string.
// tls-alpn-01 compares these raw bytes against the acmeIdentifier
// extension payload.
func Digest(keyAuthorization string) [sha256.Size]byte {
	return sha256.Sum256([]byte(keyAuthorization))
}

// DigestB64 returns the base64url encoding (unpadded) of Digest, the
// form published in DNS TXT records for dns-01.
func DigestB64(keyAuthorization string) string {
	digest := Digest(keyAuthorization)
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// ParseAccountKey parses the JWK JSON stored on an account record.
func ParseAccountKey(jwkJSON string) (*jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	if err := json.Unmarshal([]byte(jwkJSON), &key); err != nil {
		return nil, fmt.Errorf("keyauth: failed to parse account key: %w", err)
	}
	if !key.Valid() {
		return nil, fmt.Errorf("keyauth: account key is not a valid JWK")
	}
	return &key, nil
}
