package profile

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockadesystems/acmeforge/internal/model"
)

// fileProfile is the YAML shape of a single profile entry.
type fileProfile struct {
	IdentifierTypes       []string `yaml:"identifierTypes"`
	OrderLifetime         string   `yaml:"orderLifetime"`
	AuthorizationLifetime string   `yaml:"authorizationLifetime"`
	CertificateLifetime   string   `yaml:"certificateLifetime"`
	DNSNamePattern        string   `yaml:"dnsNamePattern"`
	URIPattern            string   `yaml:"uriPattern"`
	AllowedNetworks       []string `yaml:"allowedNetworks"`
	UPNPattern            string   `yaml:"upnPattern"`
	IgnoredOtherNames     []string `yaml:"ignoredOtherNames"`
	ExpectedKeyRequired   bool     `yaml:"expectedKeyRequired"`
	PersistIssuerDomains  []string `yaml:"persistIssuerDomains"`
}

type fileRoot struct {
	Profiles map[string]fileProfile `yaml:"profiles"`
}

// LoadFile reads a YAML profiles file and returns a provider over its
// compiled policies.
func LoadFile(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: failed to read profiles file: %w", err)
	}
	var root fileRoot
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("profile: failed to parse profiles file: %w", err)
	}
	if len(root.Profiles) == 0 {
		return nil, fmt.Errorf("profile: profiles file %q defines no profiles", path)
	}

	policies := make([]*Policy, 0, len(root.Profiles))
	for name, fp := range root.Profiles {
		pol, err := compile(name, fp)
		if err != nil {
			return nil, fmt.Errorf("profile: profile %q: %w", name, err)
		}
		policies = append(policies, pol)
	}
	return NewStaticProvider(policies...)
}

func compile(name string, fp fileProfile) (*Policy, error) {
	pol := DefaultPolicy()
	pol.Name = name

	if len(fp.IdentifierTypes) > 0 {
		pol.IdentifierTypes = nil
		for _, raw := range fp.IdentifierTypes {
			ident, err := model.NewIdentifier(model.IdentifierType(raw), "placeholder")
			if err != nil {
				return nil, fmt.Errorf("bad identifier type %q", raw)
			}
			pol.IdentifierTypes = append(pol.IdentifierTypes, ident.Type)
		}
	}

	var err error
	if pol.OrderLifetime, err = parseLifetime(fp.OrderLifetime, pol.OrderLifetime); err != nil {
		return nil, fmt.Errorf("orderLifetime: %w", err)
	}
	if pol.AuthorizationLifetime, err = parseLifetime(fp.AuthorizationLifetime, pol.AuthorizationLifetime); err != nil {
		return nil, fmt.Errorf("authorizationLifetime: %w", err)
	}
	if pol.CertificateLifetime, err = parseLifetime(fp.CertificateLifetime, pol.CertificateLifetime); err != nil {
		return nil, fmt.Errorf("certificateLifetime: %w", err)
	}

	if pol.DNSNamePattern, err = compilePattern(fp.DNSNamePattern); err != nil {
		return nil, fmt.Errorf("dnsNamePattern: %w", err)
	}
	if pol.URIPattern, err = compilePattern(fp.URIPattern); err != nil {
		return nil, fmt.Errorf("uriPattern: %w", err)
	}
	if pol.UPNPattern, err = compilePattern(fp.UPNPattern); err != nil {
		return nil, fmt.Errorf("upnPattern: %w", err)
	}

	for _, cidr := range fp.AllowedNetworks {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("allowedNetworks: bad CIDR %q: %w", cidr, err)
		}
		pol.AllowedNetworks = append(pol.AllowedNetworks, network)
	}

	pol.IgnoredOtherNames = fp.IgnoredOtherNames
	pol.ExpectedKeyRequired = fp.ExpectedKeyRequired
	pol.PersistIssuerDomains = fp.PersistIssuerDomains
	return pol, nil
}

func parseLifetime(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("lifetime must be positive, got %s", d)
	}
	return d, nil
}

func compilePattern(raw string) (*regexp.Regexp, error) {
	if raw == "" {
		return nil, nil
	}
	return regexp.Compile(raw)
}
