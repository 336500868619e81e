// Package storage persists ACME issuance state. Entities carrying a
// Version field are saved with optimistic concurrency: a save whose
// in-memory version no longer matches the stored row fails with an
// errs.Concurrency error and must be retried from a fresh read.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/acmeforge/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// Querier defines common methods implemented by *sql.DB and *sql.Tx,
// letting the query helpers work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage is the persistence surface for issuance state.
//
// Get methods return (nil, nil) for a missing row; Save methods on
// versioned entities return errs.Concurrency on a stale version.
type Storage interface {
	// CA material
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)
	SaveCRL(ctx context.Context, crlBytes []byte) error
	GetCRL(ctx context.Context) ([]byte, error)

	// Issued certificates
	SaveCertificateData(ctx context.Context, certData *model.CertificateData) error
	GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error)
	UpdateCertificateRevocation(ctx context.Context, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error
	ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error)

	// Nonces
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)

	// Accounts
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByKey(ctx context.Context, publicKeyJWK string) (*model.Account, error)

	// Orders
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error)
	GetOrdersInStatus(ctx context.Context, status model.Status, limit int) ([]*model.Order, error)

	// Authorizations
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)

	// Challenges
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)
	GetChallengesInStatus(ctx context.Context, status model.Status, limit int) ([]*model.Challenge, error)
	// DeleteChallengesExcept removes an authorization's sibling
	// challenges once one has been selected.
	DeleteChallengesExcept(ctx context.Context, authzID string, challengeID string) (int64, error)

	// WithinTransaction runs fn against a transactional view of the
	// store, committing on nil and rolling back on error.
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// NewStorage is the factory function.
func NewStorage(storageType string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	case "memory":
		logger.Warn("Using in-memory storage; all state is lost on shutdown")
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}
