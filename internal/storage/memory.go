package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/model"
)

// MemoryStorage is an in-process Storage used by tests and
// single-node development setups. It honors the same versioning
// contract as the PostgreSQL implementation.
type MemoryStorage struct {
	mu sync.RWMutex

	caKey  []byte
	caCert []byte
	crl    []byte

	certificates map[string]*model.CertificateData
	nonces       map[string]*model.Nonce
	accounts     map[string]*model.Account
	orders       map[string]*model.Order
	authzs       map[string]*model.Authorization
	challenges   map[string]*model.Challenge
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		certificates: make(map[string]*model.CertificateData),
		nonces:       make(map[string]*model.Nonce),
		accounts:     make(map[string]*model.Account),
		orders:       make(map[string]*model.Order),
		authzs:       make(map[string]*model.Authorization),
		challenges:   make(map[string]*model.Challenge),
	}
}

// Copies keep callers from mutating stored state without a Save.

func copyAccount(acc *model.Account) *model.Account {
	c := *acc
	c.Contact = append([]string(nil), acc.Contact...)
	c.ExternalAccountBinding = append([]byte(nil), acc.ExternalAccountBinding...)
	return &c
}

func copyOrder(order *model.Order) *model.Order {
	c := *order
	c.Identifiers = append([]model.Identifier(nil), order.Identifiers...)
	c.Authorizations = nil
	if order.Error != nil {
		e := *order.Error
		c.Error = &e
	}
	return &c
}

func copyAuthorization(authz *model.Authorization) *model.Authorization {
	c := *authz
	c.Challenges = nil
	return &c
}

func copyChallenge(chal *model.Challenge) *model.Challenge {
	c := *chal
	c.IssuerDomains = append([]string(nil), chal.IssuerDomains...)
	if chal.Error != nil {
		e := *chal.Error
		c.Error = &e
	}
	if chal.Validated != nil {
		t := *chal.Validated
		c.Validated = &t
	}
	return &c
}

// --- CA material ---

func (s *MemoryStorage) SaveCAPrivateKey(_ context.Context, keyBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caKey = append([]byte(nil), keyBytes...)
	return nil
}

func (s *MemoryStorage) GetCAPrivateKey(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.caKey...), nil
}

func (s *MemoryStorage) SaveCACertificate(_ context.Context, certBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caCert = append([]byte(nil), certBytes...)
	return nil
}

func (s *MemoryStorage) GetCACertificate(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.caCert...), nil
}

func (s *MemoryStorage) SaveCRL(_ context.Context, crlBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crl = append([]byte(nil), crlBytes...)
	return nil
}

func (s *MemoryStorage) GetCRL(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.crl...), nil
}

// --- Certificates ---

func (s *MemoryStorage) SaveCertificateData(_ context.Context, certData *model.CertificateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *certData
	s.certificates[certData.SerialNumber] = &c
	return nil
}

func (s *MemoryStorage) GetCertificateData(_ context.Context, serialNumber string) (*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certificates[serialNumber]
	if !ok {
		return nil, nil
	}
	c := *cert
	return &c, nil
}

func (s *MemoryStorage) UpdateCertificateRevocation(_ context.Context, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certificates[serialNumber]
	if !ok {
		return errs.NotFoundError("certificate %s not found", serialNumber)
	}
	cert.Revoked = revoked
	if revoked {
		if revokedAt.IsZero() {
			revokedAt = time.Now()
		}
		cert.RevokedAt = revokedAt
		cert.RevocationReason = reasonCode
	}
	return nil
}

func (s *MemoryStorage) ListRevokedCertificates(_ context.Context) ([]*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var certs []*model.CertificateData
	for _, cert := range s.certificates {
		if cert.Revoked && cert.ExpiresAt.After(now) {
			c := *cert
			certs = append(certs, &c)
		}
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].RevokedAt.Before(certs[j].RevokedAt) })
	return certs, nil
}

// --- Nonces ---

func (s *MemoryStorage) SaveNonce(_ context.Context, nonce *model.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := *nonce
	s.nonces[nonce.Value] = &n
	return nil
}

func (s *MemoryStorage) ConsumeNonce(_ context.Context, nonceValue string) (*model.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ok := s.nonces[nonceValue]
	if !ok {
		return nil, nil
	}
	delete(s.nonces, nonceValue)
	if time.Now().After(nonce.ExpiresAt) {
		return nil, nil
	}
	n := *nonce
	return &n, nil
}

func (s *MemoryStorage) DeleteExpiredNonces(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var deleted int64
	for value, nonce := range s.nonces {
		if now.After(nonce.ExpiresAt) {
			delete(s.nonces, value)
			deleted++
		}
	}
	return deleted, nil
}

// --- Accounts ---

func (s *MemoryStorage) SaveAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	stored, exists := s.accounts[acc.ID]
	if acc.Version == 0 {
		if exists {
			return errs.ConflictError("account %s already exists", acc.ID)
		}
		acc.Version = 1
	} else {
		if !exists || stored.Version != acc.Version {
			return errs.ConcurrencyError("account %s was modified concurrently", acc.ID)
		}
		acc.Version++
	}
	s.accounts[acc.ID] = copyAccount(acc)
	return nil
}

func (s *MemoryStorage) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return copyAccount(acc), nil
}

func (s *MemoryStorage) GetAccountByKey(_ context.Context, publicKeyJWK string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acc := range s.accounts {
		if acc.PublicKeyJWK == publicKeyJWK {
			return copyAccount(acc), nil
		}
	}
	return nil, nil
}

// --- Orders ---

func (s *MemoryStorage) SaveOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	stored, exists := s.orders[order.ID]
	if order.Version == 0 {
		if exists {
			return errs.ConflictError("order %s already exists", order.ID)
		}
		order.Version = 1
	} else {
		if !exists || stored.Version != order.Version {
			return errs.ConcurrencyError("order %s was modified concurrently", order.ID)
		}
		order.Version++
	}
	s.orders[order.ID] = copyOrder(order)
	return nil
}

func (s *MemoryStorage) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(order), nil
}

func (s *MemoryStorage) GetOrdersByAccountID(_ context.Context, accountID string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]*model.Order, 0)
	for _, order := range s.orders {
		if order.AccountID == accountID {
			orders = append(orders, copyOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (s *MemoryStorage) GetOrdersInStatus(_ context.Context, status model.Status, limit int) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]*model.Order, 0)
	for _, order := range s.orders {
		if order.Status == status {
			orders = append(orders, copyOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].LastModifiedAt.Before(orders[j].LastModifiedAt) })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// --- Authorizations ---

func (s *MemoryStorage) SaveAuthorization(_ context.Context, authz *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	stored, exists := s.authzs[authz.ID]
	if authz.Version == 0 {
		if exists {
			return errs.ConflictError("authorization %s already exists", authz.ID)
		}
		authz.Version = 1
	} else {
		if !exists || stored.Version != authz.Version {
			return errs.ConcurrencyError("authorization %s was modified concurrently", authz.ID)
		}
		authz.Version++
	}
	s.authzs[authz.ID] = copyAuthorization(authz)
	return nil
}

func (s *MemoryStorage) GetAuthorization(_ context.Context, id string) (*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authz, ok := s.authzs[id]
	if !ok {
		return nil, nil
	}
	return copyAuthorization(authz), nil
}

func (s *MemoryStorage) GetAuthorizationsByOrderID(_ context.Context, orderID string) ([]*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authzs := make([]*model.Authorization, 0)
	for _, authz := range s.authzs {
		if authz.OrderID == orderID {
			authzs = append(authzs, copyAuthorization(authz))
		}
	}
	sort.Slice(authzs, func(i, j int) bool {
		if authzs[i].CreatedAt.Equal(authzs[j].CreatedAt) {
			return authzs[i].ID < authzs[j].ID
		}
		return authzs[i].CreatedAt.Before(authzs[j].CreatedAt)
	})
	return authzs, nil
}

// --- Challenges ---

func (s *MemoryStorage) SaveChallenge(_ context.Context, chal *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	stored, exists := s.challenges[chal.ID]
	if chal.Version == 0 {
		if exists {
			return errs.ConflictError("challenge %s already exists", chal.ID)
		}
		chal.Version = 1
	} else {
		if !exists || stored.Version != chal.Version {
			return errs.ConcurrencyError("challenge %s was modified concurrently", chal.ID)
		}
		chal.Version++
	}
	s.challenges[chal.ID] = copyChallenge(chal)
	return nil
}

func (s *MemoryStorage) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chal, ok := s.challenges[id]
	if !ok {
		return nil, nil
	}
	return copyChallenge(chal), nil
}

func (s *MemoryStorage) GetChallengesByAuthorizationID(_ context.Context, authzID string) ([]*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chals := make([]*model.Challenge, 0)
	for _, chal := range s.challenges {
		if chal.AuthorizationID == authzID {
			chals = append(chals, copyChallenge(chal))
		}
	}
	sort.Slice(chals, func(i, j int) bool {
		if chals[i].CreatedAt.Equal(chals[j].CreatedAt) {
			return chals[i].ID < chals[j].ID
		}
		return chals[i].CreatedAt.Before(chals[j].CreatedAt)
	})
	return chals, nil
}

func (s *MemoryStorage) GetChallengesInStatus(_ context.Context, status model.Status, limit int) ([]*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chals := make([]*model.Challenge, 0)
	for _, chal := range s.challenges {
		if chal.Status == status {
			chals = append(chals, copyChallenge(chal))
		}
	}
	sort.Slice(chals, func(i, j int) bool { return chals[i].CreatedAt.Before(chals[j].CreatedAt) })
	if len(chals) > limit {
		chals = chals[:limit]
	}
	return chals, nil
}

func (s *MemoryStorage) DeleteChallengesExcept(_ context.Context, authzID string, challengeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, chal := range s.challenges {
		if chal.AuthorizationID == authzID && id != challengeID {
			delete(s.challenges, id)
			deleted++
		}
	}
	return deleted, nil
}

// WithinTransaction runs fn against the store itself; the in-memory
// implementation offers per-operation atomicity only.
func (s *MemoryStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, s)
}

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }
