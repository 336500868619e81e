// Package profile provides named issuance policy bundles. A profile
// selects the identifier types an order may contain, the challenge
// types offered per identifier, certificate lifetimes, and the
// fallback policy the CSR matching engine applies to subject names
// that are not order identifiers.
package profile

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "profile"))
}

// DefaultProfileName is used when an order does not select a profile.
const DefaultProfileName = "default"

// Policy is a compiled issuance profile.
type Policy struct {
	Name string

	// IdentifierTypes an order under this profile may contain.
	IdentifierTypes []model.IdentifierType

	OrderLifetime         time.Duration
	AuthorizationLifetime time.Duration
	CertificateLifetime   time.Duration

	// SAN fallback policy, consulted for CSR names that match no order
	// identifier. A nil field means that class of extra name is
	// rejected.
	DNSNamePattern    *regexp.Regexp // dNSName and rfc822Name entries
	URIPattern        *regexp.Regexp // uniformResourceIdentifier entries
	AllowedNetworks   []*net.IPNet   // iPAddress entries
	UPNPattern        *regexp.Regexp // userPrincipalName otherName entries
	IgnoredOtherNames []string       // otherName OIDs (dotted) to accept and ignore

	// ExpectedKeyRequired forces the continuity binding check even when
	// no authorization pins a key (re-enrollment-only profiles).
	ExpectedKeyRequired bool

	// PersistIssuerDomains are the issuers accepted in
	// dns-persist-01 records created under this profile.
	PersistIssuerDomains []string
}

// SupportsIdentifier reports whether orders under this profile may
// carry the given identifier type.
func (p *Policy) SupportsIdentifier(typ model.IdentifierType) bool {
	for _, t := range p.IdentifierTypes {
		if t == typ {
			return true
		}
	}
	return false
}

// ChallengeTypesFor returns the challenge types offered for an
// identifier under this profile. Wildcard DNS identifiers are narrowed
// to the wildcard-eligible types.
func (p *Policy) ChallengeTypesFor(ident model.Identifier, wildcard bool) []model.ChallengeType {
	switch ident.Type {
	case model.IdentifierDNS:
		if wildcard {
			return []model.ChallengeType{
				model.ChallengeTypeDNS01,
				model.ChallengeTypeDNSPersist01,
			}
		}
		return []model.ChallengeType{
			model.ChallengeTypeHTTP01,
			model.ChallengeTypeDNS01,
			model.ChallengeTypeTLSALPN01,
			model.ChallengeTypeDNSPersist01,
		}
	case model.IdentifierIP:
		return []model.ChallengeType{
			model.ChallengeTypeHTTP01,
			model.ChallengeTypeTLSALPN01,
		}
	case model.IdentifierPermanentIdentifier, model.IdentifierHardwareModule:
		return []model.ChallengeType{model.ChallengeTypeDeviceAttest01}
	default:
		return nil
	}
}

// IgnoresOtherName reports whether the profile allowlists the given
// otherName OID as accepted-but-ignored.
func (p *Policy) IgnoresOtherName(oid string) bool {
	for _, ignored := range p.IgnoredOtherNames {
		if ignored == oid {
			return true
		}
	}
	return false
}

// Provider resolves profile names to compiled policies.
type Provider interface {
	// Get returns the policy for name, or the default policy when name
	// is empty. Unknown names are an error.
	Get(name string) (*Policy, error)
}

// StaticProvider serves a fixed set of compiled policies.
type StaticProvider struct {
	mu       sync.RWMutex
	profiles map[string]*Policy
}

// NewStaticProvider builds a provider over the given policies. A
// policy named DefaultProfileName must be present.
func NewStaticProvider(policies ...*Policy) (*StaticProvider, error) {
	p := &StaticProvider{profiles: make(map[string]*Policy, len(policies))}
	for _, pol := range policies {
		if pol.Name == "" {
			return nil, fmt.Errorf("profile: policy with empty name")
		}
		if _, dup := p.profiles[pol.Name]; dup {
			return nil, fmt.Errorf("profile: duplicate policy %q", pol.Name)
		}
		p.profiles[pol.Name] = pol
	}
	if _, ok := p.profiles[DefaultProfileName]; !ok {
		return nil, fmt.Errorf("profile: no %q policy configured", DefaultProfileName)
	}
	logger.Info("profile provider initialized", zap.Int("profiles", len(p.profiles)))
	return p, nil
}

// Get implements Provider.
func (p *StaticProvider) Get(name string) (*Policy, error) {
	if name == "" {
		name = DefaultProfileName
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	pol, ok := p.profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile: unknown profile %q", name)
	}
	return pol, nil
}

// DefaultPolicy returns the built-in policy used when no profiles file
// is configured: DNS and IP identifiers, no extra-SAN allowances.
func DefaultPolicy() *Policy {
	return &Policy{
		Name:                  DefaultProfileName,
		IdentifierTypes:       []model.IdentifierType{model.IdentifierDNS, model.IdentifierIP},
		OrderLifetime:         7 * 24 * time.Hour,
		AuthorizationLifetime: 30 * 24 * time.Hour,
		CertificateLifetime:   90 * 24 * time.Hour,
	}
}
