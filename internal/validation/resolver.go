package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver is the lookup surface the DNS-based validators need.
type DNSResolver interface {
	// LookupTXT returns the TXT record values at name, each with its
	// character-strings joined. A name with no records returns an empty
	// slice and no error.
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Resolver queries a single recursive resolver over plain DNS.
type Resolver struct {
	client *dns.Client
	server string
}

var _ DNSResolver = (*Resolver)(nil)

// NewResolver returns a resolver querying server ("host:port").
func NewResolver(server string, timeout time.Duration) *Resolver {
	return &Resolver{
		client: &dns.Client{Timeout: timeout},
		server: server,
	}
}

// LookupTXT implements DNSResolver.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("validation: TXT query for %s failed: %w", name, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		// NXDOMAIN is an empty answer, not a resolver failure.
		return nil, nil
	default:
		return nil, fmt.Errorf("validation: TXT query for %s returned %s", name, dns.RcodeToString[in.Rcode])
	}

	var values []string
	for _, ans := range in.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}
