package validation

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/blockadesystems/acmeforge/internal/model"
)

// alpnProtocol is the application protocol negotiated for tls-alpn-01
// (RFC 8737).
const alpnProtocol = "acme-tls/1"

// idPeAcmeIdentifier is the id-pe-acmeIdentifier certificate extension
// carrying the key authorization digest.
var idPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// tlsalpn01Validator performs the RFC 8737 handshake and inspects the
// presented validation certificate. Path validation is deliberately
// skipped; the certificate is expected to be self-signed.
type tlsalpn01Validator struct {
	port    int
	timeout time.Duration
}

var _ Validator = (*tlsalpn01Validator)(nil)

func (v *tlsalpn01Validator) Type() model.ChallengeType {
	return model.ChallengeTypeTLSALPN01
}

// connectionTarget returns the TLS SNI value for the identifier: the
// DNS name itself, or the reverse-ARPA name for IP identifiers.
func connectionTarget(ident model.Identifier) (string, error) {
	if ident.Type != model.IdentifierIP {
		return ident.Value, nil
	}
	arpa, err := dns.ReverseAddr(ident.Value)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(arpa, "."), nil
}

func (v *tlsalpn01Validator) Validate(ctx context.Context, req *Request) Result {
	ident := req.Authorization.Identifier
	target, err := connectionTarget(ident)
	if err != nil {
		return invalid(model.MalformedProblem("Identifier %s has no TLS connection target: %s", ident, err))
	}
	addr := net.JoinHostPort(ident.Value, strconv.Itoa(v.port))

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: v.timeout},
		Config: &tls.Config{
			ServerName: target,
			NextProtos: []string{alpnProtocol},
			MinVersion: tls.VersionTLS12,
			// The validation certificate is self-signed; only its
			// contents are adjudicated.
			InsecureSkipVerify: true,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return invalid(model.ConnectionProblem("TLS handshake with %s failed: %s", addr, err))
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if state.NegotiatedProtocol != alpnProtocol {
		return invalid(model.TLSProblem(
			"Server at %s did not negotiate the %q protocol.", addr, alpnProtocol))
	}
	if len(state.PeerCertificates) == 0 {
		return invalid(model.TLSProblem("Server at %s presented no certificate.", addr))
	}
	return checkValidationCert(state.PeerCertificates[0], target, addr, req.Digest[:])
}

func checkValidationCert(cert *x509.Certificate, target, addr string, digest []byte) Result {
	sanCount := 0
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			sanCount++
		}
	}
	if sanCount != 1 {
		return invalid(model.TLSProblem(
			"Validation certificate from %s has %d subjectAltName extensions, want exactly 1.", addr, sanCount))
	}
	if len(cert.DNSNames) != 1 || len(cert.IPAddresses) != 0 || len(cert.EmailAddresses) != 0 || len(cert.URIs) != 0 {
		return invalid(model.TLSProblem(
			"Validation certificate from %s must contain exactly one DNS name.", addr))
	}
	if !strings.EqualFold(cert.DNSNames[0], target) {
		return invalid(model.TLSProblem(
			"Validation certificate from %s names %q, want %q.", addr, cert.DNSNames[0], target))
	}

	var acmeExt *asn1.RawValue
	extCount := 0
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(idPeAcmeIdentifier) {
			continue
		}
		extCount++
		if !ext.Critical {
			return invalid(model.TLSProblem(
				"Validation certificate from %s carries a non-critical acmeIdentifier extension.", addr))
		}
		var payload asn1.RawValue
		if rest, err := asn1.Unmarshal(ext.Value, &payload); err != nil || len(rest) != 0 {
			return invalid(model.TLSProblem(
				"Validation certificate from %s has a malformed acmeIdentifier extension.", addr))
		}
		if payload.Class != asn1.ClassUniversal || payload.Tag != asn1.TagOctetString || payload.IsCompound {
			return invalid(model.TLSProblem(
				"Validation certificate from %s: acmeIdentifier payload is not an OCTET STRING.", addr))
		}
		acmeExt = &payload
	}
	if extCount != 1 || acmeExt == nil {
		return invalid(model.TLSProblem(
			"Validation certificate from %s has %d acmeIdentifier extensions, want exactly 1.", addr, extCount))
	}
	if !bytes.Equal(acmeExt.Bytes, digest) {
		return invalid(model.IncorrectResponseProblem(
			"Validation certificate from %s carries the wrong key authorization digest.", addr))
	}
	return valid()
}
