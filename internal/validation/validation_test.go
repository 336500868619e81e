package validation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmeforge/internal/attestation"
	"github.com/blockadesystems/acmeforge/internal/keyauth"
	"github.com/blockadesystems/acmeforge/internal/model"
)

type fakeResolver struct {
	records map[string][]string
	err     error
}

func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[name], nil
}

type fixture struct {
	account *model.Account
	key     *jose.JSONWebKey
	clk     clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub := jose.JSONWebKey{Key: priv.Public()}
	jwkJSON, err := pub.MarshalJSON()
	require.NoError(t, err)

	fc := clock.NewFake()
	fc.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	key, err := keyauth.ParseAccountKey(string(jwkJSON))
	require.NoError(t, err)

	return &fixture{
		account: &model.Account{
			ID:           "acct-1",
			Status:       model.StatusValid,
			PublicKeyJWK: string(jwkJSON),
		},
		key: key,
		clk: fc,
	}
}

func (f *fixture) challenge(typ model.ChallengeType, ident model.Identifier) (*model.Order, *model.Authorization, *model.Challenge) {
	order := &model.Order{
		ID:        "ord-1",
		AccountID: f.account.ID,
		Status:    model.StatusPending,
		Expires:   f.clk.Now().Add(24 * time.Hour),
	}
	authz := &model.Authorization{
		ID:         "authz-1",
		AccountID:  f.account.ID,
		OrderID:    order.ID,
		Identifier: ident,
		Status:     model.StatusPending,
		Expires:    f.clk.Now().Add(24 * time.Hour),
	}
	chal := &model.Challenge{
		ID:              "chal-1",
		AuthorizationID: authz.ID,
		Type:            typ,
		Status:          model.StatusProcessing,
		Token:           "test-token-0123456789",
	}
	return order, authz, chal
}

func (f *fixture) keyAuth(t *testing.T, chal *model.Challenge) string {
	t.Helper()
	ka, err := keyauth.KeyAuthorization(chal.Token, f.key)
	require.NoError(t, err)
	return ka
}

func newTestEngine(f *fixture, opts Options) *Engine {
	opts.Clock = f.clk
	opts.Registerer = prometheus.NewRegistry()
	return NewEngine(opts)
}

func TestPrecheckAccountStatus(t *testing.T) {
	f := newFixture(t)
	f.account.Status = model.StatusDeactivated
	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}})

	order, authz, chal := f.challenge(model.ChallengeTypeDNS01, model.Identifier{Type: model.IdentifierDNS, Value: "a.example"})
	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemUnauthorized, result.Problem.Type)
}

func TestPrecheckExpiredAuthorization(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}})

	order, authz, chal := f.challenge(model.ChallengeTypeDNS01, model.Identifier{Type: model.IdentifierDNS, Value: "a.example"})
	authz.Expires = f.clk.Now().Add(-time.Minute)

	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemAuthExpired, result.Problem.Type)
	// Validation itself expires the authorization.
	assert.Equal(t, model.StatusExpired, authz.Status)
}

func TestPrecheckExpiredOrder(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}})

	order, authz, chal := f.challenge(model.ChallengeTypeDNS01, model.Identifier{Type: model.IdentifierDNS, Value: "a.example"})
	order.Expires = f.clk.Now().Add(-time.Minute)

	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemOrderExpired, result.Problem.Type)
	assert.Equal(t, model.StatusInvalid, order.Status)
}

func TestHTTP01(t *testing.T) {
	f := newFixture(t)
	order, authz, chal := f.challenge(model.ChallengeTypeHTTP01, model.Identifier{Type: model.IdentifierIP, Value: "127.0.0.1"})
	ka := f.keyAuth(t, chal)

	mux := http.NewServeMux()
	body := ka
	status := http.StatusOK
	mux.HandleFunc("/.well-known/acme-challenge/"+chal.Token, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprintln(w, body) // trailing newline must be tolerated
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tsURL, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(tsURL.Port())
	require.NoError(t, err)

	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}, HTTPPort: port})

	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)

	body = "wrong-key-authorization"
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemIncorrectResponse, result.Problem.Type)

	body, status = ka, http.StatusNotFound
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemIncorrectResponse, result.Problem.Type)
}

func TestHTTP01ConnectionRefused(t *testing.T) {
	f := newFixture(t)
	order, authz, chal := f.challenge(model.ChallengeTypeHTTP01, model.Identifier{Type: model.IdentifierIP, Value: "127.0.0.1"})

	// Grab a port nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}, HTTPPort: port})
	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemConnection, result.Problem.Type)
}

func TestHTTP01ChallengeURL(t *testing.T) {
	// IPv6 literals must be bracketed whether or not the port is
	// explicit; hostnames and IPv4 stay bare on the default port.
	assert.Equal(t, "http://a.example/.well-known/acme-challenge/tok",
		challengeURL("a.example", 80, "tok"))
	assert.Equal(t, "http://a.example:8080/.well-known/acme-challenge/tok",
		challengeURL("a.example", 8080, "tok"))
	assert.Equal(t, "http://127.0.0.1/.well-known/acme-challenge/tok",
		challengeURL("127.0.0.1", 80, "tok"))
	assert.Equal(t, "http://[2001:db8::1]/.well-known/acme-challenge/tok",
		challengeURL("2001:db8::1", 80, "tok"))
	assert.Equal(t, "http://[2001:db8::1]:8080/.well-known/acme-challenge/tok",
		challengeURL("2001:db8::1", 8080, "tok"))

	for _, raw := range []string{
		challengeURL("2001:db8::1", 80, "tok"),
		challengeURL("2001:db8::1", 8080, "tok"),
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "2001:db8::1", u.Hostname())
	}
}

func TestDNS01(t *testing.T) {
	f := newFixture(t)
	order, authz, chal := f.challenge(model.ChallengeTypeDNS01, model.Identifier{Type: model.IdentifierDNS, Value: "a.example"})
	digest := keyauth.DigestB64(f.keyAuth(t, chal))

	resolver := &fakeResolver{records: map[string][]string{
		"_acme-challenge.a.example": {"unrelated", digest},
	}}
	engine := newTestEngine(f, Options{Resolver: resolver})

	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)

	resolver.records["_acme-challenge.a.example"] = []string{"unrelated"}
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemIncorrectResponse, result.Problem.Type)

	resolver.err = fmt.Errorf("SERVFAIL")
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemDNS, result.Problem.Type)
}

// alpnServer serves one validation certificate over a TLS listener
// speaking acme-tls/1 and returns the listening port.
func alpnServer(t *testing.T, cert tls.Certificate) int {
	t.Helper()
	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				c.(*tls.Conn).Handshake()
			}(conn)
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func validationCert(t *testing.T, dnsName string, digest []byte, critical bool) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	extValue, err := asn1.Marshal(digest)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: dnsName},
		DNSNames:     []string{dnsName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{{
			Id:       idPeAcmeIdentifier,
			Critical: critical,
			Value:    extValue,
		}},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestTLSALPN01(t *testing.T) {
	f := newFixture(t)
	ident := model.Identifier{Type: model.IdentifierIP, Value: "127.0.0.1"}
	order, authz, chal := f.challenge(model.ChallengeTypeTLSALPN01, ident)

	ka := f.keyAuth(t, chal)
	digest := keyauth.Digest(ka)
	target, err := connectionTarget(ident)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0.127.in-addr.arpa", target)

	port := alpnServer(t, validationCert(t, target, digest[:], true))
	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}, TLSPort: port})
	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)

	// Wrong digest in the certificate.
	bogus := make([]byte, len(digest))
	port = alpnServer(t, validationCert(t, target, bogus, true))
	engine = newTestEngine(f, Options{Resolver: &fakeResolver{}, TLSPort: port})
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemIncorrectResponse, result.Problem.Type)

	// Non-critical acmeIdentifier extension.
	port = alpnServer(t, validationCert(t, target, digest[:], false))
	engine = newTestEngine(f, Options{Resolver: &fakeResolver{}, TLSPort: port})
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemTLS, result.Problem.Type)

	// Wrong SAN value.
	port = alpnServer(t, validationCert(t, "wrong.example", digest[:], true))
	engine = newTestEngine(f, Options{Resolver: &fakeResolver{}, TLSPort: port})
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemTLS, result.Problem.Type)
}

func persistRecordValue(issuer, accountURI string, extra ...string) string {
	rec := issuer + ";accountUri=" + accountURI
	for _, kv := range extra {
		rec += ";" + kv
	}
	return rec
}

func TestDNSPersist01(t *testing.T) {
	f := newFixture(t)
	ident := model.Identifier{Type: model.IdentifierDNS, Value: "www.a.example"}
	order, authz, chal := f.challenge(model.ChallengeTypeDNSPersist01, ident)
	chal.IssuerDomains = []string{"ca.example"}

	resolver := &fakeResolver{records: map[string][]string{
		"_validation-persist.www.a.example": {
			persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-1"),
		},
	}}
	engine := newTestEngine(f, Options{Resolver: resolver})
	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)

	// Wrong issuer.
	resolver.records = map[string][]string{
		"_validation-persist.www.a.example": {
			persistRecordValue("other-ca.example", "https://ca.example/acme/acct/acct-1"),
		},
	}
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusInvalid, result.Outcome)

	// Wrong account.
	resolver.records = map[string][]string{
		"_validation-persist.www.a.example": {
			persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-9"),
		},
	}
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusInvalid, result.Outcome)
}

func TestDNSPersist01ParentRecord(t *testing.T) {
	f := newFixture(t)
	ident := model.Identifier{Type: model.IdentifierDNS, Value: "www.a.example"}
	order, authz, chal := f.challenge(model.ChallengeTypeDNSPersist01, ident)
	chal.IssuerDomains = []string{"ca.example"}

	// A parent-domain record authorizes the child only with
	// policy=wildcard.
	resolver := &fakeResolver{records: map[string][]string{
		"_validation-persist.a.example": {
			persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-1"),
		},
	}}
	engine := newTestEngine(f, Options{Resolver: resolver})
	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusInvalid, result.Outcome)

	resolver.records = map[string][]string{
		"_validation-persist.a.example": {
			persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-1", "policy=wildcard"),
		},
	}
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)
}

func TestDNSPersist01Wildcard(t *testing.T) {
	f := newFixture(t)
	ident := model.Identifier{Type: model.IdentifierDNS, Value: "a.example"}
	order, authz, chal := f.challenge(model.ChallengeTypeDNSPersist01, ident)
	authz.Wildcard = true
	chal.IssuerDomains = []string{"ca.example"}

	resolver := &fakeResolver{records: map[string][]string{
		"_validation-persist.a.example": {
			persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-1"),
		},
	}}
	engine := newTestEngine(f, Options{Resolver: resolver})
	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusInvalid, result.Outcome, "wildcard identifier needs policy=wildcard")

	resolver.records["_validation-persist.a.example"] = []string{
		persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-1", "Policy=Wildcard"),
	}
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)
}

func TestDNSPersist01ExpiredRecord(t *testing.T) {
	f := newFixture(t)
	ident := model.Identifier{Type: model.IdentifierDNS, Value: "www.a.example"}
	order, authz, chal := f.challenge(model.ChallengeTypeDNSPersist01, ident)
	chal.IssuerDomains = []string{"ca.example"}

	expired := strconv.FormatInt(f.clk.Now().Add(-time.Hour).Unix(), 10)
	live := strconv.FormatInt(f.clk.Now().Add(time.Hour).Unix(), 10)

	resolver := &fakeResolver{records: map[string][]string{
		"_validation-persist.www.a.example": {
			persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-1", "persistUntil="+expired),
		},
	}}
	engine := newTestEngine(f, Options{Resolver: resolver})
	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusInvalid, result.Outcome, "expired record must not authorize")

	resolver.records["_validation-persist.www.a.example"] = []string{
		persistRecordValue("ca.example", "https://ca.example/acme/acct/acct-1", "persistUntil="+live),
	}
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)
}

type fakeVerifier struct {
	format string
	err    error
	seen   *attestation.Request
}

func (f *fakeVerifier) Format() string { return f.format }

func (f *fakeVerifier) Verify(_ context.Context, _ *attestation.Object, req *attestation.Request) error {
	f.seen = req
	return f.err
}

func attestPayload(t *testing.T, format string) string {
	t.Helper()
	obj, err := cbor.Marshal(map[string]interface{}{
		"fmt":      format,
		"attStmt":  map[string]interface{}{},
		"authData": []byte{0x01, 0x02},
	})
	require.NoError(t, err)
	env, err := json.Marshal(map[string]string{
		"attObj": base64.RawURLEncoding.EncodeToString(obj),
	})
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(env)
}

func TestDeviceAttest01(t *testing.T) {
	f := newFixture(t)
	ident := model.Identifier{Type: model.IdentifierPermanentIdentifier, Value: "device-0042"}
	order, authz, chal := f.challenge(model.ChallengeTypeDeviceAttest01, ident)
	chal.Payload = attestPayload(t, "apple")

	verifier := &fakeVerifier{format: "apple"}
	registry := attestation.NewRegistry()
	registry.Register(verifier)
	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}, Attestations: registry})

	result := engine.Validate(context.Background(), f.account, order, authz, chal)
	assert.Equal(t, model.StatusValid, result.Outcome, "problem: %v", result.Problem)
	require.NotNil(t, verifier.seen)
	assert.Equal(t, ident, verifier.seen.Identifier)
	assert.Equal(t, "acct-1", verifier.seen.AccountID)
	assert.Len(t, verifier.seen.KeyAuthDigest, 32)

	// Verifier rejection.
	verifier.err = fmt.Errorf("nonce mismatch")
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemBadAttestation, result.Problem.Type)

	// Unknown attestation format.
	verifier.err = nil
	chal.Payload = attestPayload(t, "tpm")
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemBadAttestation, result.Problem.Type)

	// Garbage payload.
	chal.Payload = "%%%"
	result = engine.Validate(context.Background(), f.account, order, authz, chal)
	require.Equal(t, model.StatusInvalid, result.Outcome)
	assert.Equal(t, model.ProblemBadAttestation, result.Problem.Type)
}

func TestGetValidatorUnknownType(t *testing.T) {
	f := newFixture(t)
	engine := newTestEngine(f, Options{Resolver: &fakeResolver{}})
	_, err := engine.GetValidator(model.ChallengeType("bogus-99"))
	assert.Error(t, err)
}

func TestParsePersistRecord(t *testing.T) {
	rec, ok := parsePersistRecord("ca.example;AccountUri=https://x/1;policy=wildcard")
	require.True(t, ok)
	assert.Equal(t, "ca.example", rec.issuer)
	assert.Equal(t, "https://x/1", rec.params["accounturi"])
	assert.Equal(t, "wildcard", rec.params["policy"])

	_, ok = parsePersistRecord(";accountUri=https://x/1")
	assert.False(t, ok)

	_, ok = parsePersistRecord("ca.example;notakeyvalue")
	assert.False(t, ok)
}
