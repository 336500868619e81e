package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChallengeType identifies one of the supported ACME challenge types.
type ChallengeType string

const (
	ChallengeTypeHTTP01         ChallengeType = "http-01"
	ChallengeTypeDNS01          ChallengeType = "dns-01"
	ChallengeTypeTLSALPN01      ChallengeType = "tls-alpn-01"
	ChallengeTypeDNSPersist01   ChallengeType = "dns-persist-01"
	ChallengeTypeDeviceAttest01 ChallengeType = "device-attest-01"
)

// ParseChallengeType validates a wire string against the closed
// challenge type set.
func ParseChallengeType(s string) (ChallengeType, error) {
	switch t := ChallengeType(s); t {
	case ChallengeTypeHTTP01, ChallengeTypeDNS01, ChallengeTypeTLSALPN01,
		ChallengeTypeDNSPersist01, ChallengeTypeDeviceAttest01:
		return t, nil
	}
	return "", fmt.Errorf("model: unknown challenge type %q", s)
}

// Account represents an ACME account on the server.
type Account struct {
	ID                     string          `json:"id" db:"id"`                                // Unique account identifier
	PublicKeyJWK           string          `json:"-" db:"public_key_jwk"`                     // Public key in JWK format (JSON string), immutable once created
	Contact                []string        `json:"contact,omitempty" db:"contact"`            // Contact URLs (e.g., "mailto:...")
	Status                 Status          `json:"status" db:"status"`                        // "pending", "valid", "deactivated", "revoked"
	TermsOfServiceAgreedAt *time.Time      `json:"-" db:"tos_agreed_at"`                      // When the client agreed to terms
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty" db:"eab"` // Optional EAB token (JSON)
	Version                int64           `json:"-" db:"version"`                            // Optimistic-concurrency version, reassigned by the store on save
	CreatedAt              time.Time       `json:"-" db:"created_at"`
	LastModifiedAt         time.Time       `json:"-" db:"last_modified_at"`
}

// TermsOfServiceAgreed reports whether the account holder has accepted
// the terms of service.
func (a *Account) TermsOfServiceAgreed() bool {
	return a.TermsOfServiceAgreedAt != nil
}

// Order represents a certificate order. Identifiers are fixed at
// creation; one authorization exists per identifier.
type Order struct {
	ID                string           `json:"id" db:"id"`
	AccountID         string           `json:"-" db:"account_id"`
	Status            Status           `json:"status" db:"status"`
	Profile           string           `json:"profile,omitempty" db:"profile"` // Issuance profile name
	Expires           time.Time        `json:"expires" db:"expires_at"`
	Identifiers       []Identifier     `json:"identifiers" db:"-"` // Immutable after creation, order-of-creation
	NotBefore         *time.Time       `json:"notBefore,omitempty" db:"not_before"`
	NotAfter          *time.Time       `json:"notAfter,omitempty" db:"not_after"`
	Error             *ProblemDetails  `json:"error,omitempty" db:"-"`
	Authorizations    []*Authorization `json:"-" db:"-"`   // Loaded alongside the order; one per identifier
	CSR               string           `json:"-" db:"csr"` // base64url DER, set once at finalize
	CertificateSerial string           `json:"-" db:"certificate_serial"`
	Version           int64            `json:"-" db:"version"`
	CreatedAt         time.Time        `json:"-" db:"created_at"`
	LastModifiedAt    time.Time        `json:"-" db:"last_modified_at"`

	// Storage helpers - denormalized JSON for DB columns
	IdentifiersJSON string `json:"-" db:"identifiers_json"`
	ErrorJSON       string `json:"-" db:"error_json,omitempty"`
}

// Authorization represents the state of an identifier authorization.
// The order exclusively owns its authorizations; OrderID is a
// lookup-only back-reference.
type Authorization struct {
	ID         string       `json:"id" db:"id"`
	AccountID  string       `json:"-" db:"account_id"`
	OrderID    string       `json:"-" db:"order_id"`
	Identifier Identifier   `json:"identifier" db:"-"` // Stored with any "*." prefix removed
	Status     Status       `json:"status" db:"status"`
	Expires    time.Time    `json:"expires,omitempty" db:"expires_at"`
	Challenges []*Challenge `json:"challenges" db:"-"`
	Wildcard   bool         `json:"wildcard,omitempty" db:"wildcard"`
	// ExpectedPublicKey optionally pins the base64 SubjectPublicKeyInfo a
	// finalizing CSR must present, for continuity-bound re-enrollment.
	ExpectedPublicKey string    `json:"-" db:"expected_public_key"`
	Version           int64     `json:"-" db:"version"`
	CreatedAt         time.Time `json:"-" db:"created_at"`

	// Storage helper - denormalized Identifier JSON
	IdentifierJSON string `json:"-" db:"identifier_json"`
}

// Challenge represents an ACME challenge to prove control over an
// identifier. AuthorizationID is a lookup-only back-reference; the
// authorization owns the challenge.
type Challenge struct {
	ID              string          `json:"id" db:"id"`
	AuthorizationID string          `json:"-" db:"authorization_id"`
	Type            ChallengeType   `json:"type" db:"type"`
	Status          Status          `json:"status" db:"status"`
	Token           string          `json:"token,omitempty" db:"token"`
	Validated       *time.Time      `json:"validated,omitempty" db:"validated_at"`
	Error           *ProblemDetails `json:"error,omitempty" db:"-"`
	// Payload carries the opaque client-submitted blob for challenge
	// types that need one (device-attest-01 attestation envelope).
	Payload string `json:"-" db:"payload"`
	// IssuerDomains lists the accepted issuers for dns-persist-01,
	// copied from the profile at creation time.
	IssuerDomains []string  `json:"-" db:"-"`
	Version       int64     `json:"-" db:"version"`
	CreatedAt     time.Time `json:"-" db:"created_at"`

	// Storage helpers - denormalized JSON
	ErrorJSON         string `json:"-" db:"error_json,omitempty"`
	IssuerDomainsJSON string `json:"-" db:"issuer_domains_json,omitempty"`
}

// NewAuthorization constructs a pending authorization owned by the
// order for the given identifier. Wildcard DNS identifiers are stored
// with the "*." prefix stripped and the Wildcard flag set. Children are
// only created through this factory so back-references are never empty.
func (o *Order) NewAuthorization(id string, ident Identifier, expires time.Time) *Authorization {
	authz := &Authorization{
		ID:         id,
		AccountID:  o.AccountID,
		OrderID:    o.ID,
		Identifier: ident.WithoutWildcard().Normalized(),
		Wildcard:   ident.IsWildcard(),
		Status:     StatusPending,
		Expires:    expires,
	}
	o.Authorizations = append(o.Authorizations, authz)
	return authz
}

// NewChallenge constructs a pending challenge owned by the
// authorization.
func (a *Authorization) NewChallenge(id string, typ ChallengeType, token string) *Challenge {
	chal := &Challenge{
		ID:              id,
		AuthorizationID: a.ID,
		Type:            typ,
		Status:          StatusPending,
		Token:           token,
	}
	a.Challenges = append(a.Challenges, chal)
	return chal
}

// SelectChallenge narrows the authorization's challenge list to the
// chosen one. This is a one-way operation per authorization.
func (a *Authorization) SelectChallenge(challengeID string) (*Challenge, error) {
	for _, chal := range a.Challenges {
		if chal.ID == challengeID {
			a.Challenges = []*Challenge{chal}
			return chal, nil
		}
	}
	return nil, fmt.Errorf("model: challenge %q not found on authorization %q", challengeID, a.ID)
}

// Nonce represents an ACME nonce for preventing replay attacks (storage model).
type Nonce struct {
	Value     string    `db:"value"`      // The nonce value (Primary Key)
	ExpiresAt time.Time `db:"expires_at"` // Expiry time
	IssuedAt  time.Time `db:"issued_at"`  // Issuance time
}

// CertificateData represents stored information about an issued certificate (storage model).
type CertificateData struct {
	SerialNumber     string    `db:"serial_number"`               // Certificate serial number (Primary Key)
	CertificatePEM   string    `db:"certificate_pem"`             // PEM encoded certificate
	ChainPEM         string    `db:"chain_pem"`                   // PEM encoded issuing chain (optional)
	IssuedAt         time.Time `db:"issued_at"`                   // Timestamp of issuance
	ExpiresAt        time.Time `db:"expires_at"`                  // Timestamp of expiry
	AccountID        string    `db:"account_id"`                  // Link to the account that ordered it
	OrderID          string    `db:"order_id"`                    // Link to the order it fulfilled
	Revoked          bool      `db:"revoked"`                     // Is the certificate revoked?
	RevokedAt        time.Time `db:"revoked_at,omitempty"`        // Timestamp of revocation
	RevocationReason int       `db:"revocation_reason,omitempty"` // CRL reason code (optional)
}
