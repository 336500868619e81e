package model

import (
	"fmt"
	"net"
	"strings"
)

// IdentifierType is a registered ACME identifier type.
type IdentifierType string

const (
	IdentifierDNS IdentifierType = "dns"
	IdentifierIP  IdentifierType = "ip"
	// IdentifierEmail is specified in RFC 8823 for S/MIME issuance.
	IdentifierEmail IdentifierType = "email"
	// IdentifierPermanentIdentifier and IdentifierHardwareModule are
	// used by device-attest-01 (draft-acme-device-attest).
	IdentifierPermanentIdentifier IdentifierType = "permanent-identifier"
	IdentifierHardwareModule      IdentifierType = "hardware-module"
)

// supportedIdentifierTypes is the closed set of identifier types this
// server knows how to authorize.
var supportedIdentifierTypes = map[IdentifierType]bool{
	IdentifierDNS:                 true,
	IdentifierIP:                  true,
	IdentifierEmail:               true,
	IdentifierPermanentIdentifier: true,
	IdentifierHardwareModule:      true,
}

// Identifier represents a domain or other identifier in an order.
// Values are stored normalized, so Identifier is safe to use as a map
// key and to compare with ==.
type Identifier struct {
	Type  IdentifierType `json:"type"`  // e.g., "dns"
	Value string         `json:"value"` // e.g., "example.com"
}

// NewIdentifier validates the type against the supported set and
// returns a normalized Identifier.
func NewIdentifier(typ IdentifierType, value string) (Identifier, error) {
	if !supportedIdentifierTypes[typ] {
		return Identifier{}, fmt.Errorf("model: unsupported identifier type %q", typ)
	}
	ident := Identifier{Type: typ, Value: value}
	ident.normalize()
	if ident.Value == "" {
		return Identifier{}, fmt.Errorf("model: empty identifier value")
	}
	return Identifier{Type: ident.Type, Value: ident.Value}, nil
}

// normalize trims surrounding whitespace and lower-cases DNS and email
// values. IP values are normalized to their canonical textual form when
// parseable.
func (i *Identifier) normalize() {
	i.Value = strings.TrimSpace(i.Value)
	switch i.Type {
	case IdentifierDNS, IdentifierEmail:
		i.Value = strings.ToLower(i.Value)
	case IdentifierIP:
		if ip := net.ParseIP(i.Value); ip != nil {
			i.Value = ip.String()
		}
	}
}

// Normalized returns a copy of the identifier in normalized form.
func (i Identifier) Normalized() Identifier {
	i.normalize()
	return i
}

// Equals compares two identifiers by type and normalized value.
func (i Identifier) Equals(other Identifier) bool {
	return i.Normalized() == other.Normalized()
}

// IsWildcard reports whether a DNS identifier value carries a leading
// wildcard label.
func (i Identifier) IsWildcard() bool {
	return i.Type == IdentifierDNS && strings.HasPrefix(i.Value, "*.")
}

// WithoutWildcard returns the identifier with the "*." prefix removed.
// Authorizations store the base domain and record wildcardness in a
// separate flag.
func (i Identifier) WithoutWildcard() Identifier {
	if i.IsWildcard() {
		i.Value = strings.TrimPrefix(i.Value, "*.")
	}
	return i
}

func (i Identifier) String() string {
	return fmt.Sprintf("%s:%s", i.Type, i.Value)
}
