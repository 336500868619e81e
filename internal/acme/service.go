// Package acme orchestrates the ACME order lifecycle: account and
// order creation, challenge selection and validation, CSR finalize
// adjudication, and certificate issuance hand-off.
package acme

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/ca"
	"github.com/blockadesystems/acmeforge/internal/csr"
	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/keyauth"
	"github.com/blockadesystems/acmeforge/internal/model"
	"github.com/blockadesystems/acmeforge/internal/profile"
	"github.com/blockadesystems/acmeforge/internal/storage"
	"github.com/blockadesystems/acmeforge/internal/validation"
)

const (
	tokenBytes = 32
	nonceBytes = 16

	nonceLifetime = time.Hour
)

// ACMEService is the order-lifecycle surface the HTTP handlers and
// schedulers drive.
type ACMEService interface {
	// Nonces
	NewNonce(ctx context.Context) (string, error)
	ConsumeNonce(ctx context.Context, value string) (bool, error)

	// Accounts
	CreateAccount(ctx context.Context, jwkJSON string, contact []string, tosAgreed bool, eab json.RawMessage) (*model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByKey(ctx context.Context, jwkJSON string) (*model.Account, error)
	UpdateAccount(ctx context.Context, account *model.Account, contact []string) (*model.Account, error)
	DeactivateAccount(ctx context.Context, account *model.Account) (*model.Account, error)

	// Orders
	CreateOrder(ctx context.Context, account *model.Account, profileName string, identifiers []model.Identifier, notBefore, notAfter *time.Time) (*model.Order, error)
	GetOrder(ctx context.Context, account *model.Account, orderID string) (*model.Order, error)
	GetOrdersByAccount(ctx context.Context, account *model.Account) ([]*model.Order, error)
	FinalizeOrder(ctx context.Context, account *model.Account, orderID string, csrB64 string) (*model.Order, error)

	// Authorizations and challenges
	GetAuthorization(ctx context.Context, account *model.Account, authzID string) (*model.Authorization, error)
	DeactivateAuthorization(ctx context.Context, account *model.Account, authzID string) (*model.Authorization, error)
	GetChallenge(ctx context.Context, account *model.Account, challengeID string) (*model.Challenge, error)
	RespondToChallenge(ctx context.Context, account *model.Account, challengeID string, payload string) (*model.Challenge, error)
	KeyAuthorizationFor(account *model.Account, chal *model.Challenge) (string, error)

	// Driven by the schedulers, not by clients.
	ValidateChallenge(ctx context.Context, challengeID string) error
	IssueOrder(ctx context.Context, orderID string) error

	// Certificates
	GetCertificate(ctx context.Context, account *model.Account, serial string) (*model.CertificateData, error)
	RevokeCertificate(ctx context.Context, account *model.Account, serial string, reasonCode int) error
	// RevokeCertificateBySigner authorizes revocation by proof of
	// possession of the certificate key instead of account ownership.
	RevokeCertificateBySigner(ctx context.Context, signerKey *jose.JSONWebKey, serial string, reasonCode int) error
}

// Service implements ACMEService on top of the storage, validation,
// CSR-matching, profile and CA layers.
type Service struct {
	store     storage.Storage
	engine    *validation.Engine
	csrEngine *csr.Engine
	profiles  profile.Provider
	issuer    ca.CAService
	clk       clock.Clock
}

var _ ACMEService = (*Service)(nil)

// NewService wires the orchestration service.
func NewService(store storage.Storage, engine *validation.Engine, csrEngine *csr.Engine, profiles profile.Provider, issuer ca.CAService, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:     store,
		engine:    engine,
		csrEngine: csrEngine,
		profiles:  profiles,
		issuer:    issuer,
		clk:       clk,
	}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("acme: failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// --- Nonces ---

// NewNonce mints and persists a fresh nonce.
func (s *Service) NewNonce(ctx context.Context) (string, error) {
	value, err := randomToken(nonceBytes)
	if err != nil {
		return "", err
	}
	now := s.clk.Now()
	nonce := &model.Nonce{Value: value, IssuedAt: now, ExpiresAt: now.Add(nonceLifetime)}
	if err := s.store.SaveNonce(ctx, nonce); err != nil {
		return "", err
	}
	return value, nil
}

// ConsumeNonce reports whether value was a live nonce; consuming is
// destructive either way.
func (s *Service) ConsumeNonce(ctx context.Context, value string) (bool, error) {
	nonce, err := s.store.ConsumeNonce(ctx, value)
	if err != nil {
		return false, err
	}
	return nonce != nil, nil
}

// --- Accounts ---

// CreateAccount registers a new account for the given JWK. A key
// already bound to an account returns that account unchanged, per RFC
// 8555 new-account semantics.
func (s *Service) CreateAccount(ctx context.Context, jwkJSON string, contact []string, tosAgreed bool, eab json.RawMessage) (*model.Account, error) {
	if _, err := keyauth.ParseAccountKey(jwkJSON); err != nil {
		return nil, errs.MalformedError("account key is not a usable JWK: %v", err)
	}
	existing, err := s.store.GetAccountByKey(ctx, jwkJSON)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	acc := &model.Account{
		ID:                     uuid.NewString(),
		PublicKeyJWK:           jwkJSON,
		Contact:                contact,
		Status:                 model.StatusValid,
		ExternalAccountBinding: eab,
	}
	if tosAgreed {
		now := s.clk.Now()
		acc.TermsOfServiceAgreedAt = &now
	}
	if err := s.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	logger.Info("account created", zap.String("account_id", acc.ID))
	return acc, nil
}

// GetAccount loads an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errs.NotFoundError("account %s not found", id)
	}
	return acc, nil
}

// GetAccountByKey resolves the account owning a JWK, or NotFound.
func (s *Service) GetAccountByKey(ctx context.Context, jwkJSON string) (*model.Account, error) {
	acc, err := s.store.GetAccountByKey(ctx, jwkJSON)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errs.NotFoundError("no account for the given key")
	}
	return acc, nil
}

// UpdateAccount replaces the account's contact list.
func (s *Service) UpdateAccount(ctx context.Context, account *model.Account, contact []string) (*model.Account, error) {
	if account.Status != model.StatusValid {
		return nil, errs.ConflictError("account %s is %s", account.ID, account.Status)
	}
	account.Contact = contact
	if err := s.store.SaveAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// DeactivateAccount permanently disables an account.
func (s *Service) DeactivateAccount(ctx context.Context, account *model.Account) (*model.Account, error) {
	if account.Status != model.StatusValid {
		return nil, errs.ConflictError("account %s is %s", account.ID, account.Status)
	}
	account.Status = model.StatusDeactivated
	if err := s.store.SaveAccount(ctx, account); err != nil {
		return nil, err
	}
	logger.Info("account deactivated", zap.String("account_id", account.ID))
	return account, nil
}

// --- Orders ---

// CreateOrder validates the identifiers against the profile and builds
// the order with one pending authorization per identifier, each
// carrying the profile's challenge menu.
func (s *Service) CreateOrder(ctx context.Context, account *model.Account, profileName string, identifiers []model.Identifier, notBefore, notAfter *time.Time) (*model.Order, error) {
	if account.Status != model.StatusValid {
		return nil, errs.UnauthorizedError("account %s is %s", account.ID, account.Status)
	}
	pol, err := s.profiles.Get(profileName)
	if err != nil {
		return nil, errs.MalformedError("unknown profile %q", profileName)
	}
	if len(identifiers) == 0 {
		return nil, errs.MalformedError("order must contain at least one identifier")
	}

	normalized := make([]model.Identifier, 0, len(identifiers))
	for _, ident := range identifiers {
		ident, err := model.NewIdentifier(ident.Type, ident.Value)
		if err != nil {
			return nil, errs.MalformedError("%v", err)
		}
		if !pol.SupportsIdentifier(ident.Type) {
			return nil, model.RejectedIdentifierProblem(
				"Profile %q does not issue for %s identifiers.", pol.Name, ident.Type).WithIdentifier(ident)
		}
		if len(pol.ChallengeTypesFor(ident.WithoutWildcard(), ident.IsWildcard())) == 0 {
			return nil, model.RejectedIdentifierProblem(
				"No challenge types are available for identifier %s.", ident).WithIdentifier(ident)
		}
		normalized = append(normalized, ident)
	}

	now := s.clk.Now()
	order := &model.Order{
		ID:          uuid.NewString(),
		AccountID:   account.ID,
		Status:      model.StatusPending,
		Profile:     pol.Name,
		Expires:     now.Add(pol.OrderLifetime),
		Identifiers: normalized,
		NotBefore:   notBefore,
		NotAfter:    notAfter,
	}
	authzExpires := now.Add(pol.AuthorizationLifetime)
	for _, ident := range normalized {
		authz := order.NewAuthorization(uuid.NewString(), ident, authzExpires)
		for _, typ := range pol.ChallengeTypesFor(authz.Identifier, authz.Wildcard) {
			token, err := randomToken(tokenBytes)
			if err != nil {
				return nil, err
			}
			chal := authz.NewChallenge(uuid.NewString(), typ, token)
			if typ == model.ChallengeTypeDNSPersist01 {
				chal.IssuerDomains = pol.PersistIssuerDomains
			}
		}
	}

	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		for _, authz := range order.Authorizations {
			if err := tx.SaveAuthorization(ctx, authz); err != nil {
				return err
			}
			for _, chal := range authz.Challenges {
				if err := tx.SaveChallenge(ctx, chal); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("account_id", account.ID),
		zap.String("profile", order.Profile),
		zap.Int("identifiers", len(order.Identifiers)))
	return order, nil
}

// loadOrder assembles an order with its authorizations and their
// challenges.
func (s *Service) loadOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.NotFoundError("order %s not found", orderID)
	}
	authzs, err := s.store.GetAuthorizationsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, authz := range authzs {
		chals, err := s.store.GetChallengesByAuthorizationID(ctx, authz.ID)
		if err != nil {
			return nil, err
		}
		authz.Challenges = chals
	}
	order.Authorizations = authzs
	return order, nil
}

// GetOrder loads an order owned by the account.
func (s *Service) GetOrder(ctx context.Context, account *model.Account, orderID string) (*model.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AccountID != account.ID {
		return nil, errs.NotAllowedError("order %s does not belong to account %s", orderID, account.ID)
	}
	return order, nil
}

// GetOrdersByAccount lists the account's orders, newest first.
func (s *Service) GetOrdersByAccount(ctx context.Context, account *model.Account) ([]*model.Order, error) {
	return s.store.GetOrdersByAccountID(ctx, account.ID)
}

// --- Authorizations and challenges ---

// GetAuthorization loads an authorization owned by the account,
// including its challenges.
func (s *Service) GetAuthorization(ctx context.Context, account *model.Account, authzID string) (*model.Authorization, error) {
	authz, err := s.store.GetAuthorization(ctx, authzID)
	if err != nil {
		return nil, err
	}
	if authz == nil {
		return nil, errs.NotFoundError("authorization %s not found", authzID)
	}
	if authz.AccountID != account.ID {
		return nil, errs.NotAllowedError("authorization %s does not belong to account %s", authzID, account.ID)
	}
	chals, err := s.store.GetChallengesByAuthorizationID(ctx, authzID)
	if err != nil {
		return nil, err
	}
	authz.Challenges = chals
	return authz, nil
}

// DeactivateAuthorization retires a valid authorization and re-derives
// the owning order's status from the remaining set, so an order that
// lost an authorization can no longer be finalized.
func (s *Service) DeactivateAuthorization(ctx context.Context, account *model.Account, authzID string) (*model.Authorization, error) {
	authz, err := s.GetAuthorization(ctx, account, authzID)
	if err != nil {
		return nil, err
	}
	if err := authz.SetStatus(model.StatusDeactivated); err != nil {
		return nil, err
	}

	order, err := s.loadOrder(ctx, authz.OrderID)
	if err != nil {
		return nil, err
	}
	for i, az := range order.Authorizations {
		if az.ID == authz.ID {
			order.Authorizations[i] = authz
		}
	}
	if err := order.RefreshStatus(); err != nil {
		return nil, err
	}

	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveAuthorization(ctx, authz); err != nil {
			return err
		}
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("authorization deactivated",
		zap.String("authorization_id", authz.ID),
		zap.String("order_id", order.ID),
		zap.String("order_status", string(order.Status)))
	return authz, nil
}

// GetChallenge loads a challenge owned by the account.
func (s *Service) GetChallenge(ctx context.Context, account *model.Account, challengeID string) (*model.Challenge, error) {
	chal, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if chal == nil {
		return nil, errs.NotFoundError("challenge %s not found", challengeID)
	}
	authz, err := s.store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil {
		return nil, err
	}
	if authz == nil || authz.AccountID != account.ID {
		return nil, errs.NotAllowedError("challenge %s does not belong to account %s", challengeID, account.ID)
	}
	return chal, nil
}

// RespondToChallenge selects the challenge the client chose to pursue:
// the authorization's challenge list narrows to it, siblings are
// removed, and the challenge moves to processing for the validation
// scheduler to pick up. The payload is stored for challenge types that
// carry one.
func (s *Service) RespondToChallenge(ctx context.Context, account *model.Account, challengeID string, payload string) (*model.Challenge, error) {
	chal, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if chal == nil {
		return nil, errs.NotFoundError("challenge %s not found", challengeID)
	}
	authz, err := s.store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil {
		return nil, err
	}
	if authz == nil {
		return nil, errs.InternalError("challenge %s has no authorization", challengeID)
	}
	if authz.AccountID != account.ID {
		return nil, errs.NotAllowedError("challenge %s does not belong to account %s", challengeID, account.ID)
	}
	if authz.Status != model.StatusPending {
		return nil, errs.ConflictError("authorization %s is %s; challenges may only be answered while pending", authz.ID, authz.Status)
	}
	order, err := s.store.GetOrder(ctx, authz.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.InternalError("authorization %s has no order", authz.ID)
	}
	if order.Status != model.StatusPending {
		return nil, errs.ConflictError("order %s is %s; challenges may only be answered while the order is pending", order.ID, order.Status)
	}

	// Re-answering the already selected challenge is an idempotent
	// re-poll, not a conflict.
	if chal.Status == model.StatusProcessing {
		return chal, nil
	}

	// Narrow the authorization's challenge menu to the chosen one.
	chals, err := s.store.GetChallengesByAuthorizationID(ctx, authz.ID)
	if err != nil {
		return nil, err
	}
	authz.Challenges = chals
	chal, err = authz.SelectChallenge(chal.ID)
	if err != nil {
		return nil, errs.InternalError("%v", err)
	}
	if err := chal.SetStatus(model.StatusProcessing); err != nil {
		return nil, err
	}
	chal.Payload = payload

	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveChallenge(ctx, chal); err != nil {
			return err
		}
		_, err := tx.DeleteChallengesExcept(ctx, authz.ID, chal.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info("challenge selected",
		zap.String("challenge_id", chal.ID),
		zap.String("type", string(chal.Type)),
		zap.String("authorization_id", authz.ID))
	return chal, nil
}

// KeyAuthorizationFor derives the key authorization the client must
// publish for the challenge.
func (s *Service) KeyAuthorizationFor(account *model.Account, chal *model.Challenge) (string, error) {
	key, err := keyauth.ParseAccountKey(account.PublicKeyJWK)
	if err != nil {
		return "", err
	}
	return keyauth.KeyAuthorization(chal.Token, key)
}

// ValidateChallenge runs the validation engine for a processing
// challenge and applies the outcome: challenge status and error,
// authorization status, and the derived order status. Concurrency
// failures are benign; the scheduler retries from fresh state.
func (s *Service) ValidateChallenge(ctx context.Context, challengeID string) error {
	chal, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}
	if chal == nil {
		return errs.NotFoundError("challenge %s not found", challengeID)
	}
	if chal.Status != model.StatusProcessing {
		return errs.ConflictError("challenge %s is %s, not processing", chal.ID, chal.Status)
	}
	authz, err := s.store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil {
		return err
	}
	if authz == nil {
		return errs.InternalError("challenge %s has no authorization", challengeID)
	}
	order, err := s.loadOrder(ctx, authz.OrderID)
	if err != nil {
		return err
	}
	account, err := s.GetAccount(ctx, order.AccountID)
	if err != nil {
		return err
	}

	result := s.engine.Validate(ctx, account, order, authz, chal)
	return s.applyValidationResult(ctx, order, authz, chal, result)
}

func (s *Service) applyValidationResult(ctx context.Context, order *model.Order, authz *model.Authorization, chal *model.Challenge, result validation.Result) error {
	// The engine's pre-checks may already have expired the
	// authorization or invalidated the order; those transitions are
	// persisted along with the challenge outcome.
	if err := chal.SetStatus(result.Outcome); err != nil {
		return err
	}
	chal.Error = result.Problem
	if result.Outcome == model.StatusValid {
		now := s.clk.Now()
		chal.Validated = &now
	}

	// Reflect the challenge outcome on a still-pending authorization.
	if authz.Status == model.StatusPending {
		if err := authz.SetStatus(result.Outcome); err != nil {
			return err
		}
	}

	// Re-derive the order status from the full authorization set.
	for i, az := range order.Authorizations {
		if az.ID == authz.ID {
			order.Authorizations[i] = authz
		}
	}
	if err := order.RefreshStatus(); err != nil {
		return err
	}

	return s.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveChallenge(ctx, chal); err != nil {
			return err
		}
		if err := tx.SaveAuthorization(ctx, authz); err != nil {
			return err
		}
		return tx.SaveOrder(ctx, order)
	})
}

// --- Finalize and issuance ---

// FinalizeOrder accepts the finalize CSR for a ready order. The CSR is
// recorded once, adjudicated against the order's identifiers, and the
// order moves to processing on success or invalid with the adjudication
// problem on failure.
func (s *Service) FinalizeOrder(ctx context.Context, account *model.Account, orderID string, csrB64 string) (*model.Order, error) {
	order, err := s.GetOrder(ctx, account, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusReady {
		return nil, errs.ConflictError("order %s is %s; finalize requires ready", order.ID, order.Status)
	}
	if csrB64 == "" {
		return nil, errs.MalformedError("finalize request carries no CSR")
	}
	if order.CSR != "" && order.CSR != csrB64 {
		return nil, errs.ConflictError("order %s already carries a different CSR", order.ID)
	}
	order.CSR = csrB64

	result := s.csrEngine.ValidateCSR(order)
	if !result.OK {
		order.Error = result.Problem
		if err := order.SetStatus(model.StatusInvalid); err != nil {
			return nil, err
		}
		if err := s.store.SaveOrder(ctx, order); err != nil {
			return nil, err
		}
		logger.Info("finalize CSR rejected",
			zap.String("order_id", order.ID), zap.String("problem", string(result.Problem.Type)))
		return order, nil
	}

	if err := order.SetStatus(model.StatusProcessing); err != nil {
		return nil, err
	}
	if err := s.store.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	logger.Info("order finalizing", zap.String("order_id", order.ID))
	return order, nil
}

// IssueOrder signs the CSR of a processing order and completes it:
// certificate stored, serial recorded, order valid. Issuance failures
// invalidate the order with a server-internal problem.
func (s *Service) IssueOrder(ctx context.Context, orderID string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != model.StatusProcessing {
		return errs.ConflictError("order %s is %s, not processing", order.ID, order.Status)
	}
	pol, err := s.profiles.Get(order.Profile)
	if err != nil {
		return errs.InternalError("order %s has unknown profile %q", order.ID, order.Profile)
	}

	req, err := csr.Decode(order.CSR)
	if err != nil {
		return s.failIssuance(ctx, order, fmt.Errorf("stored CSR no longer decodes: %w", err))
	}
	cert, err := s.issuer.SignCSR(ctx, req, pol.CertificateLifetime, order.Profile)
	if err != nil {
		return s.failIssuance(ctx, order, err)
	}

	serial := cert.SerialNumber.Text(16)
	certData := &model.CertificateData{
		SerialNumber:   serial,
		CertificatePEM: string(ca.EncodeCertificate(cert)),
		IssuedAt:       cert.NotBefore,
		ExpiresAt:      cert.NotAfter,
		AccountID:      order.AccountID,
		OrderID:        order.ID,
	}
	if caCert := s.issuer.GetCACertificate(); caCert != nil {
		certData.ChainPEM = string(ca.EncodeCertificate(caCert))
	}

	order.CertificateSerial = serial
	if err := order.SetStatus(model.StatusValid); err != nil {
		return err
	}
	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveCertificateData(ctx, certData); err != nil {
			return err
		}
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return err
	}
	logger.Info("certificate issued",
		zap.String("order_id", order.ID), zap.String("serial", serial))
	return nil
}

func (s *Service) failIssuance(ctx context.Context, order *model.Order, cause error) error {
	logger.Error("issuance failed", zap.String("order_id", order.ID), zap.Error(cause))
	order.Error = model.ServerInternalProblem("Certificate issuance failed.")
	if err := order.SetStatus(model.StatusInvalid); err != nil {
		return err
	}
	return s.store.SaveOrder(ctx, order)
}

// --- Certificates ---

// GetCertificate loads an issued certificate owned by the account.
func (s *Service) GetCertificate(ctx context.Context, account *model.Account, serial string) (*model.CertificateData, error) {
	certData, err := s.store.GetCertificateData(ctx, serial)
	if err != nil {
		return nil, err
	}
	if certData == nil {
		return nil, errs.NotFoundError("certificate %s not found", serial)
	}
	if certData.AccountID != account.ID {
		return nil, errs.NotAllowedError("certificate %s does not belong to account %s", serial, account.ID)
	}
	return certData, nil
}

// RevokeCertificate marks an owned certificate revoked.
func (s *Service) RevokeCertificate(ctx context.Context, account *model.Account, serial string, reasonCode int) error {
	certData, err := s.GetCertificate(ctx, account, serial)
	if err != nil {
		return err
	}
	if certData.Revoked {
		return errs.ConflictError("certificate %s is already revoked", serial)
	}
	if err := s.issuer.RevokeCertificate(ctx, serial, reasonCode); err != nil {
		return err
	}
	logger.Info("certificate revoked",
		zap.String("serial", serial), zap.String("account_id", account.ID))
	return nil
}

// RevokeCertificateBySigner revokes a certificate for a request signed
// with the certificate's own key (RFC 8555 section 7.6).
func (s *Service) RevokeCertificateBySigner(ctx context.Context, signerKey *jose.JSONWebKey, serial string, reasonCode int) error {
	certData, err := s.store.GetCertificateData(ctx, serial)
	if err != nil {
		return err
	}
	if certData == nil {
		return errs.NotFoundError("certificate %s not found", serial)
	}
	if certData.Revoked {
		return errs.ConflictError("certificate %s is already revoked", serial)
	}

	block, _ := pem.Decode([]byte(certData.CertificatePEM))
	if block == nil {
		return errs.InternalError("stored certificate %s does not decode", serial)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return errs.InternalError("stored certificate %s does not parse: %v", serial, err)
	}
	certKey, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return errs.InternalError("certificate %s public key does not marshal: %v", serial, err)
	}
	presented, err := x509.MarshalPKIXPublicKey(signerKey.Key)
	if err != nil {
		return errs.MalformedError("request key does not marshal: %v", err)
	}
	if !bytes.Equal(certKey, presented) {
		return errs.NotAllowedError("request key does not match certificate %s", serial)
	}

	if err := s.issuer.RevokeCertificate(ctx, serial, reasonCode); err != nil {
		return err
	}
	logger.Info("certificate revoked by certificate key", zap.String("serial", serial))
	return nil
}
