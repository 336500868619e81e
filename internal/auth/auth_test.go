package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/model"
)

// fakeSource is an in-memory AccountSource.
type fakeSource struct {
	nonces   map[string]bool
	accounts map[string]*model.Account
}

func newFakeSource() *fakeSource {
	return &fakeSource{nonces: make(map[string]bool), accounts: make(map[string]*model.Account)}
}

func (s *fakeSource) ConsumeNonce(_ context.Context, value string) (bool, error) {
	if !s.nonces[value] {
		return false, nil
	}
	delete(s.nonces, value)
	return true, nil
}

func (s *fakeSource) GetAccount(_ context.Context, id string) (*model.Account, error) {
	acc, ok := s.accounts[id]
	if !ok {
		return nil, errs.NotFoundError("account %s not found", id)
	}
	return acc, nil
}

type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

type signOptions struct {
	nonce   string
	url     string
	kid     string
	embed   bool
	payload string
}

func signRequest(t *testing.T, key *ecdsa.PrivateKey, opts signOptions) string {
	t.Helper()
	signerOpts := (&jose.SignerOptions{}).WithHeader(jose.HeaderKey("url"), opts.url)
	signerOpts.NonceSource = staticNonce(opts.nonce)
	signerOpts.EmbedJWK = opts.embed

	signingKey := jose.SigningKey{Algorithm: jose.ES256, Key: key}
	if opts.kid != "" {
		signingKey.Key = jose.JSONWebKey{Key: key, KeyID: opts.kid, Algorithm: string(jose.ES256)}
	}
	signer, err := jose.NewSigner(signingKey, signerOpts)
	require.NoError(t, err)

	jws, err := signer.Sign([]byte(opts.payload))
	require.NoError(t, err)
	return jws.FullSerialize()
}

type authFixture struct {
	verifier *Verifier
	src      *fakeSource
	key      *ecdsa.PrivateKey
	account  *model.Account
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwkJSON, err := json.Marshal(jose.JSONWebKey{Key: &key.PublicKey})
	require.NoError(t, err)

	src := newFakeSource()
	account := &model.Account{ID: "acct-1", PublicKeyJWK: string(jwkJSON), Status: model.StatusValid}
	src.accounts[account.ID] = account

	return &authFixture{verifier: NewVerifier(src), src: src, key: key, account: account}
}

func (f *authFixture) addNonce(value string) {
	f.src.nonces[value] = true
}

const testURL = "https://ca.example/acme/new-order"

func TestVerifyEmbeddedJWK(t *testing.T) {
	f := newAuthFixture(t)
	f.addNonce("nonce-1")

	body := signRequest(t, f.key, signOptions{
		nonce: "nonce-1", url: testURL, embed: true, payload: `{"contact":[]}`,
	})
	result, err := f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	require.NoError(t, err)
	assert.Nil(t, result.Account)
	require.NotNil(t, result.Key)
	assert.JSONEq(t, `{"contact":[]}`, string(result.Payload))
	assert.NotEmpty(t, result.KeyJSON)
}

func TestVerifyKID(t *testing.T) {
	f := newAuthFixture(t)
	f.addNonce("nonce-1")

	body := signRequest(t, f.key, signOptions{
		nonce: "nonce-1", url: testURL,
		kid: "https://ca.example/acme/account/acct-1", payload: "{}",
	})
	result, err := f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.Equal(t, "acct-1", result.Account.ID)
	assert.Equal(t, f.account.PublicKeyJWK, result.KeyJSON)

	_, err = result.RequireAccount()
	assert.NoError(t, err)
}

func TestVerifyBadNonce(t *testing.T) {
	f := newAuthFixture(t)

	body := signRequest(t, f.key, signOptions{
		nonce: "never-issued", url: testURL, embed: true, payload: "{}",
	})
	_, err := f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	requireProblem(t, err, model.ProblemBadNonce)
}

func TestVerifyNonceReplay(t *testing.T) {
	f := newAuthFixture(t)
	f.addNonce("nonce-1")

	body := signRequest(t, f.key, signOptions{
		nonce: "nonce-1", url: testURL, embed: true, payload: "{}",
	})
	_, err := f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	require.NoError(t, err)

	// The nonce was consumed; replaying the same body fails.
	f.addNonce("nonce-2")
	_, err = f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	requireProblem(t, err, model.ProblemBadNonce)
}

func TestVerifyURLMismatch(t *testing.T) {
	f := newAuthFixture(t)
	f.addNonce("nonce-1")

	body := signRequest(t, f.key, signOptions{
		nonce: "nonce-1", url: "https://ca.example/acme/other", embed: true, payload: "{}",
	})
	_, err := f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	requireProblem(t, err, model.ProblemUnauthorized)
}

func TestVerifyUnknownKID(t *testing.T) {
	f := newAuthFixture(t)
	f.addNonce("nonce-1")

	body := signRequest(t, f.key, signOptions{
		nonce: "nonce-1", url: testURL,
		kid: "https://ca.example/acme/account/ghost", payload: "{}",
	})
	_, err := f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	requireProblem(t, err, model.ProblemAccountDoesNotExist)
}

func TestVerifyWrongKey(t *testing.T) {
	f := newAuthFixture(t)
	f.addNonce("nonce-1")

	// Signed by a key that is not the account's.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	body := signRequest(t, otherKey, signOptions{
		nonce: "nonce-1", url: testURL,
		kid: "https://ca.example/acme/account/acct-1", payload: "{}",
	})
	_, err = f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	requireProblem(t, err, model.ProblemUnauthorized)
}

func TestVerifyDeactivatedAccount(t *testing.T) {
	f := newAuthFixture(t)
	f.addNonce("nonce-1")
	f.account.Status = model.StatusDeactivated

	body := signRequest(t, f.key, signOptions{
		nonce: "nonce-1", url: testURL,
		kid: "https://ca.example/acme/account/acct-1", payload: "{}",
	})
	_, err := f.verifier.VerifyRequest(context.Background(), []byte(body), testURL)
	requireProblem(t, err, model.ProblemUnauthorized)
}

func TestVerifyGarbageBody(t *testing.T) {
	f := newAuthFixture(t)
	_, err := f.verifier.VerifyRequest(context.Background(), []byte("not a jws"), testURL)
	requireProblem(t, err, model.ProblemMalformed)
}

func requireProblem(t *testing.T, err error, typ model.ProblemType) {
	t.Helper()
	require.Error(t, err)
	pd, ok := err.(*model.ProblemDetails)
	require.True(t, ok, "expected a problem details error, got %T: %v", err, err)
	assert.Equal(t, typ, pd.Type)
}
