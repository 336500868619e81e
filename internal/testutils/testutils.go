// Package testutils builds a fully wired in-memory server stack for
// endpoint tests: real CA, validation engine with a fake resolver, and
// the echo surface.
package testutils

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmeforge/internal/acme"
	"github.com/blockadesystems/acmeforge/internal/attestation"
	"github.com/blockadesystems/acmeforge/internal/ca"
	"github.com/blockadesystems/acmeforge/internal/config"
	"github.com/blockadesystems/acmeforge/internal/csr"
	"github.com/blockadesystems/acmeforge/internal/profile"
	"github.com/blockadesystems/acmeforge/internal/server"
	"github.com/blockadesystems/acmeforge/internal/storage"
	"github.com/blockadesystems/acmeforge/internal/validation"
)

// TestExternalURL is the base URL the test server believes it is
// reachable at. Requests must sign their url headers against it.
const TestExternalURL = "https://ca.test"

// NewTestConfig returns a config suitable for in-memory tests.
func NewTestConfig() *config.Config {
	return &config.Config{
		DataDir:             ".",
		ExternalURL:         TestExternalURL,
		Organization:        "ACME Forge Test",
		Country:             "US",
		CommonName:          "ACME Forge Test Root CA",
		CACertValidityYears: 1,
		CRLValidityHours:    24,
		StorageType:         "memory",
		AdminAPIKey:         "test-admin-key",
		CertificatePolicies: config.CertificatePolicies{
			AllowedKeyTypes:    []string{"RSA", "ECDSA", "Ed25519"},
			MinRSASize:         2048,
			AllowedECDSACurves: []string{"P-256", "P-384"},
			AllowedKeyUsages:   []x509.KeyUsage{x509.KeyUsageDigitalSignature},
			AllowedExtKeyUsages: []x509.ExtKeyUsage{
				x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth,
			},
		},
	}
}

// FakeResolver is an in-memory DNSResolver.
type FakeResolver struct {
	mu      sync.Mutex
	records map[string][]string
}

func NewFakeResolver() *FakeResolver {
	return &FakeResolver{records: make(map[string][]string)}
}

// Set replaces the TXT records at name.
func (r *FakeResolver) Set(name string, values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[name] = values
}

func (r *FakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[name], nil
}

// Fixture is a wired server stack over memory storage.
type Fixture struct {
	Cfg      *config.Config
	Store    *storage.MemoryStorage
	CA       *ca.Service
	Service  *acme.Service
	Server   *server.Server
	Resolver *FakeResolver
	Clock    clock.FakeClock
}

// NewFixture builds the stack. The fake clock starts at the current
// wall time so issued material falls inside the CA validity window.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	cfg := NewTestConfig()
	store := storage.NewMemoryStorage()

	caService, err := ca.New(cfg, store)
	require.NoError(t, err)

	pol := profile.DefaultPolicy()
	pol.PersistIssuerDomains = []string{"acmeforge.example"}
	profiles, err := profile.NewStaticProvider(pol)
	require.NoError(t, err)

	clk := clock.NewFake()
	clk.Set(time.Now())
	resolver := NewFakeResolver()
	engine := validation.NewEngine(validation.Options{
		Resolver:     resolver,
		Attestations: attestation.NewRegistry(),
		Clock:        clk,
	})

	svc := acme.NewService(store, engine, csr.NewEngine(profiles), profiles, caService, clk)
	srv := server.New(cfg, svc, caService)

	return &Fixture{
		Cfg:      cfg,
		Store:    store,
		CA:       caService,
		Service:  svc,
		Server:   srv,
		Resolver: resolver,
		Clock:    clk,
	}
}

// NewAccountKey generates an ECDSA P-256 account key.
func NewAccountKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

// JWSOptions shape one signed test request.
type JWSOptions struct {
	Key     *ecdsa.PrivateKey
	Nonce   string
	URL     string
	KID     string // account URL; empty embeds the JWK instead
	Payload string
}

// SignJWS produces the JSON serialization of a signed ACME request.
func SignJWS(t *testing.T, opts JWSOptions) string {
	t.Helper()
	signerOpts := (&jose.SignerOptions{}).WithHeader(jose.HeaderKey("url"), opts.URL)
	signerOpts.NonceSource = staticNonce(opts.Nonce)
	signerOpts.EmbedJWK = opts.KID == ""

	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: opts.Key}
	if opts.KID != "" {
		signingKey.Key = jose.JSONWebKey{Key: opts.Key, KeyID: opts.KID, Algorithm: string(jose.ES256)}
	}
	signer, err := jose.NewSigner(signingKey, signerOpts)
	require.NoError(t, err)

	jws, err := signer.Sign([]byte(opts.Payload))
	require.NoError(t, err)
	return jws.FullSerialize()
}
