// Package csr implements decoding of ACME finalize CSRs and the
// matching of their subject names against an order's identifiers.
package csr

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// Decode parses a base64url (unpadded) DER certificate request and
// verifies its self-signature. A CSR signs its own content, so any
// tampering invalidates it here.
func Decode(csrB64 string) (*x509.CertificateRequest, error) {
	if csrB64 == "" {
		return nil, fmt.Errorf("csr: empty CSR")
	}
	der, err := base64.RawURLEncoding.DecodeString(csrB64)
	if err != nil {
		return nil, fmt.Errorf("csr: failed to decode base64url CSR: %w", err)
	}
	return parseAndCheck(der)
}

func parseAndCheck(der []byte) (*x509.CertificateRequest, error) {
	req, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("csr: failed to parse CSR: %w", err)
	}
	if err := req.CheckSignature(); err != nil {
		return nil, fmt.Errorf("csr: invalid CSR signature: %w", err)
	}
	return req, nil
}

// PublicKeyInfo returns the base64 (standard encoding) DER
// SubjectPublicKeyInfo of the CSR's public key, the form stored on
// authorizations for continuity binding.
func PublicKeyInfo(req *x509.CertificateRequest) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(req.PublicKey)
	if err != nil {
		return "", fmt.Errorf("csr: failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}
