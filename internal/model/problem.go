package model

import (
	"fmt"
)

// ProblemType is an ACME error type URN.
type ProblemType string

// Standard error types from RFC 8555 section 6.7.
const (
	ProblemAccountDoesNotExist ProblemType = "urn:ietf:params:acme:error:accountDoesNotExist"
	ProblemBadCSR              ProblemType = "urn:ietf:params:acme:error:badCSR"
	ProblemBadNonce            ProblemType = "urn:ietf:params:acme:error:badNonce"
	ProblemBadPublicKey        ProblemType = "urn:ietf:params:acme:error:badPublicKey"
	ProblemBadSignatureAlg     ProblemType = "urn:ietf:params:acme:error:badSignatureAlgorithm"
	ProblemConnection          ProblemType = "urn:ietf:params:acme:error:connection"
	ProblemDNS                 ProblemType = "urn:ietf:params:acme:error:dns"
	ProblemIncorrectResponse   ProblemType = "urn:ietf:params:acme:error:incorrectResponse"
	ProblemMalformed           ProblemType = "urn:ietf:params:acme:error:malformed"
	ProblemRejectedIdentifier  ProblemType = "urn:ietf:params:acme:error:rejectedIdentifier"
	ProblemServerInternal      ProblemType = "urn:ietf:params:acme:error:serverInternal"
	ProblemTLS                 ProblemType = "urn:ietf:params:acme:error:tls"
	ProblemUnauthorized        ProblemType = "urn:ietf:params:acme:error:unauthorized"
)

// Server-specific error types, used where RFC 8555 has no fitting URN.
const (
	ProblemAuthExpired    ProblemType = "urn:blockadesystems:acmeforge:error:authExpired"
	ProblemOrderExpired   ProblemType = "urn:blockadesystems:acmeforge:error:orderExpired"
	ProblemBadAttestation ProblemType = "urn:blockadesystems:acmeforge:error:badAttestation"
)

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555
// section 6.7). It is used both as a terminal field on orders and
// challenges and as the transient verdict carried by validation
// results.
type ProblemDetails struct {
	Type        ProblemType       `json:"type"`
	Detail      string            `json:"detail"`
	Status      int               `json:"status,omitempty"`   // Associated HTTP status code
	Instance    string            `json:"instance,omitempty"` // URL of the specific occurrence (optional)
	Identifier  *Identifier       `json:"identifier,omitempty"`
	Subproblems []*ProblemDetails `json:"subproblems,omitempty"` // For compound failures
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Detail)
}

// WithIdentifier returns a copy of the problem annotated with the
// identifier it concerns.
func (pd *ProblemDetails) WithIdentifier(ident Identifier) *ProblemDetails {
	out := *pd
	out.Identifier = &ident
	return &out
}

// AddSubproblem appends a nested problem for compound failures.
func (pd *ProblemDetails) AddSubproblem(sub *ProblemDetails) {
	pd.Subproblems = append(pd.Subproblems, sub)
}

func problem(typ ProblemType, status int, format string, args ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:   typ,
		Detail: fmt.Sprintf(format, args...),
		Status: status,
	}
}

// MalformedProblem reports bad input shape or encoding.
func MalformedProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemMalformed, 400, format, args...)
}

// BadCSRProblem reports a CSR that failed decoding, signature
// verification or identifier matching.
func BadCSRProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemBadCSR, 400, format, args...)
}

// UnauthorizedProblem reports insufficient authorization.
func UnauthorizedProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemUnauthorized, 403, format, args...)
}

// ConnectionProblem reports a failure reaching the validation target.
func ConnectionProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemConnection, 400, format, args...)
}

// DNSProblem reports a DNS resolution failure during validation.
func DNSProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemDNS, 400, format, args...)
}

// IncorrectResponseProblem reports a response from the validation
// target that does not match the expected key authorization.
func IncorrectResponseProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemIncorrectResponse, 403, format, args...)
}

// TLSProblem reports a TLS-layer failure during tls-alpn-01 validation.
func TLSProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemTLS, 400, format, args...)
}

// RejectedIdentifierProblem reports an identifier the server refuses to
// issue for.
func RejectedIdentifierProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemRejectedIdentifier, 400, format, args...)
}

// ServerInternalProblem reports an unexpected internal failure.
func ServerInternalProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemServerInternal, 500, format, args...)
}

// AuthExpiredProblem reports that the authorization expired before
// validation completed.
func AuthExpiredProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemAuthExpired, 403, format, args...)
}

// OrderExpiredProblem reports that the order expired before validation
// completed.
func OrderExpiredProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemOrderExpired, 403, format, args...)
}

// BadAttestationProblem reports an attestation object that could not be
// decoded or verified.
func BadAttestationProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemBadAttestation, 400, format, args...)
}

// BadNonceProblem reports a missing, invalid or replayed nonce. The
// 400 status tells clients to fetch a fresh nonce and retry.
func BadNonceProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemBadNonce, 400, format, args...)
}

// AccountDoesNotExistProblem reports a kid that names no account.
func AccountDoesNotExistProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemAccountDoesNotExist, 400, format, args...)
}

// BadPublicKeyProblem reports a CSR public key the policy rejects.
func BadPublicKeyProblem(format string, args ...interface{}) *ProblemDetails {
	return problem(ProblemBadPublicKey, 400, format, args...)
}
