// Package auth verifies ACME request JWS envelopes (RFC 8555 section
// 6.2): signature, anti-replay nonce, URL binding, and the
// jwk-or-kid account binding rule.
package auth

import (
	"context"
	"encoding/json"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/keyauth"
	"github.com/blockadesystems/acmeforge/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "auth"))
}

// allowedAlgorithms is the closed set of JWS algorithms accepted on
// ACME requests.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// AccountSource provides the nonce and account lookups verification
// needs. The ACME service satisfies it.
type AccountSource interface {
	ConsumeNonce(ctx context.Context, value string) (bool, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// Result is a successfully verified request.
type Result struct {
	// Account is the bound account for kid-signed requests; nil when
	// the request carried an embedded JWK (new-account and
	// certificate-key revocation).
	Account *model.Account
	// Key is the key that verified the signature.
	Key *jose.JSONWebKey
	// KeyJSON is the canonical JSON of Key, comparable with the stored
	// account key.
	KeyJSON string
	// Payload is the decoded request body. Empty for POST-as-GET.
	Payload []byte
}

// Verifier checks request envelopes against an account source.
type Verifier struct {
	src AccountSource
}

// NewVerifier returns a Verifier over the given account source.
func NewVerifier(src AccountSource) *Verifier {
	return &Verifier{src: src}
}

// VerifyRequest authenticates one ACME request body. expectedURL is
// the canonical URL of the endpoint being served; the JWS protected
// header must bind to it exactly.
func (v *Verifier) VerifyRequest(ctx context.Context, body []byte, expectedURL string) (*Result, error) {
	jws, err := jose.ParseSigned(string(body), allowedAlgorithms)
	if err != nil {
		return nil, model.MalformedProblem("Request body is not a valid JWS.")
	}
	if len(jws.Signatures) != 1 {
		return nil, model.MalformedProblem("Request JWS must carry exactly one signature.")
	}
	header := jws.Signatures[0].Header

	// Anti-replay nonce, single use.
	if header.Nonce == "" {
		return nil, model.BadNonceProblem("Request JWS has no nonce.")
	}
	ok, err := v.src.ConsumeNonce(ctx, header.Nonce)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.BadNonceProblem("Request nonce is invalid or already used.")
	}

	// URL binding.
	urlHeader, _ := header.ExtraHeaders[jose.HeaderKey("url")].(string)
	if urlHeader == "" {
		return nil, model.MalformedProblem("Request JWS has no url header.")
	}
	if urlHeader != expectedURL {
		return nil, model.UnauthorizedProblem("Request JWS url %q does not match %q.", urlHeader, expectedURL)
	}

	// Exactly one of jwk and kid.
	embedded := header.JSONWebKey
	kid := header.KeyID
	switch {
	case embedded != nil && kid != "":
		return nil, model.MalformedProblem("Request JWS carries both jwk and kid.")
	case embedded == nil && kid == "":
		return nil, model.MalformedProblem("Request JWS carries neither jwk nor kid.")
	}

	if embedded != nil {
		if !embedded.Valid() || !embedded.IsPublic() {
			return nil, model.MalformedProblem("Embedded JWK is not a valid public key.")
		}
		payload, err := jws.Verify(embedded)
		if err != nil {
			return nil, model.UnauthorizedProblem("JWS signature verification failed.")
		}
		keyJSON, err := json.Marshal(embedded)
		if err != nil {
			return nil, errs.InternalError("failed to re-encode embedded JWK: %v", err)
		}
		return &Result{Key: embedded, KeyJSON: string(keyJSON), Payload: payload}, nil
	}

	account, err := v.accountForKID(ctx, kid)
	if err != nil {
		return nil, err
	}
	key, err := keyauth.ParseAccountKey(account.PublicKeyJWK)
	if err != nil {
		logger.Error("stored account key failed to parse",
			zap.String("account_id", account.ID), zap.Error(err))
		return nil, errs.InternalError("account key could not be processed")
	}
	payload, err := jws.Verify(key)
	if err != nil {
		return nil, model.UnauthorizedProblem("JWS signature verification failed.")
	}
	return &Result{Account: account, Key: key, KeyJSON: account.PublicKeyJWK, Payload: payload}, nil
}

// accountForKID resolves a kid URL to its account. The account ID is
// the trailing path segment of the account URL.
func (v *Verifier) accountForKID(ctx context.Context, kid string) (*model.Account, error) {
	trimmed := strings.TrimRight(kid, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 || idx == len(trimmed)-1 {
		return nil, model.MalformedProblem("The kid header is not an account URL.")
	}
	id := trimmed[idx+1:]

	account, err := v.src.GetAccount(ctx, id)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, model.AccountDoesNotExistProblem("The kid header does not name a known account.")
		}
		return nil, err
	}
	if account.Status != model.StatusValid {
		return nil, model.UnauthorizedProblem("Account %s is %s.", account.ID, account.Status)
	}
	return account, nil
}

// RequireAccount returns the result's account or an error for
// endpoints that do not accept embedded-JWK requests.
func (r *Result) RequireAccount() (*model.Account, error) {
	if r.Account == nil {
		return nil, model.UnauthorizedProblem("This endpoint requires an account-bound (kid) request.")
	}
	return r.Account, nil
}
