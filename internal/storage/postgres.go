package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/model"
)

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &PostgreSQLStorage{db: db}
	logger.Info("PostgreSQLStorage initialized")
	return s, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	tableAndIndexStmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_data ( id INTEGER PRIMARY KEY DEFAULT 1, key_data BYTEA, cert_data BYTEA, crl_data BYTEA, CONSTRAINT ca_data_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, public_key_jwk TEXT NOT NULL UNIQUE, contact TEXT[], status TEXT NOT NULL, tos_agreed_at TIMESTAMP WITH TIME ZONE, eab JSONB, version BIGINT NOT NULL DEFAULT 1, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS certificates_data ( serial_number TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, chain_pem TEXT, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, account_id TEXT NOT NULL, order_id TEXT NOT NULL, revoked BOOLEAN NOT NULL DEFAULT false, revoked_at TIMESTAMP WITH TIME ZONE, revocation_reason INTEGER );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_account_id ON certificates_data (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_order_id ON certificates_data (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, status TEXT NOT NULL, profile TEXT NOT NULL DEFAULT '', expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, error_json JSONB, csr TEXT NOT NULL DEFAULT '', certificate_serial TEXT, version BIGINT NOT NULL DEFAULT 1, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_status ON acme_orders (status);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, order_id TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, expected_public_key TEXT NOT NULL DEFAULT '', version BIGINT NOT NULL DEFAULT 1, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_account_id ON acme_authorizations (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL, validated_at TIMESTAMP WITH TIME ZONE, error_json JSONB, payload TEXT NOT NULL DEFAULT '', issuer_domains_json JSONB, version BIGINT NOT NULL DEFAULT 1, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_status ON acme_challenges (status);`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range tableAndIndexStmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_certificates_data_account_id') THEN
                ALTER TABLE certificates_data ADD CONSTRAINT fk_certificates_data_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE RESTRICT;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_orders_account_id') THEN
                ALTER TABLE acme_orders ADD CONSTRAINT fk_acme_orders_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_authorizations_order_id') THEN
                ALTER TABLE acme_authorizations ADD CONSTRAINT fk_acme_authorizations_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_challenges_authorization_id') THEN
                ALTER TABLE acme_challenges ADD CONSTRAINT fk_acme_challenges_authorization_id FOREIGN KEY (authorization_id) REFERENCES acme_authorizations(id) ON DELETE CASCADE;
            END IF;
        END $$;`
	if _, err := db.ExecContext(ctx, fkStmt); err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("code", string(pqErr.Code)),
				zap.String("message", pqErr.Message),
				zap.String("constraint", pqErr.Constraint),
			)
		}
		return fmt.Errorf("storage: failed to initialize database schema (foreign keys): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// --- CA material ---
func (s *PostgreSQLStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAPrivateKey(ctx, s.db, keyBytes)
}
func (s *PostgreSQLStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAPrivateKey(ctx, s.db)
}
func (s *PostgreSQLStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCACertificate(ctx, s.db, certBytes)
}
func (s *PostgreSQLStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCACertificate(ctx, s.db)
}
func (s *PostgreSQLStorage) SaveCRL(ctx context.Context, crlBytes []byte) error {
	return saveCRL(ctx, s.db, crlBytes)
}
func (s *PostgreSQLStorage) GetCRL(ctx context.Context) ([]byte, error) {
	return getCRL(ctx, s.db)
}

// --- Certificates ---
func (s *PostgreSQLStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.db, certData)
}
func (s *PostgreSQLStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.db, serialNumber)
}
func (s *PostgreSQLStorage) UpdateCertificateRevocation(ctx context.Context, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error {
	return updateCertificateRevocation(ctx, s.db, serialNumber, revoked, revokedAt, reasonCode)
}
func (s *PostgreSQLStorage) ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error) {
	return listRevokedCertificates(ctx, s.db)
}

// --- Nonces ---
func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.db, nonce)
}
func (s *PostgreSQLStorage) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.db, nonceValue)
}
func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.db)
}

// --- Accounts ---
func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.db, acc)
}
func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetAccountByKey(ctx context.Context, publicKeyJWK string) (*model.Account, error) {
	return getAccountByKey(ctx, s.db, publicKeyJWK)
}

// --- Orders ---
func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.db, order)
}
func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	return getOrdersByAccountID(ctx, s.db, accountID)
}
func (s *PostgreSQLStorage) GetOrdersInStatus(ctx context.Context, status model.Status, limit int) ([]*model.Order, error) {
	return getOrdersInStatus(ctx, s.db, status, limit)
}

// --- Authorizations ---
func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.db, authz)
}
func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.db, orderID)
}

// --- Challenges ---
func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.db, chal)
}
func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.db, authzID)
}
func (s *PostgreSQLStorage) GetChallengesInStatus(ctx context.Context, status model.Status, limit int) ([]*model.Challenge, error) {
	return getChallengesInStatus(ctx, s.db, status, limit)
}
func (s *PostgreSQLStorage) DeleteChallengesExcept(ctx context.Context, authzID string, challengeID string) (int64, error) {
	return deleteChallengesExcept(ctx, s.db, authzID, challengeID)
}

// =============================================
// postgresTxStore Method Implementations
// =============================================

// Close is a no-op for a transaction store.
func (s *postgresTxStore) Close() error { return nil }

// WithinTransaction cannot be called on an already active transaction store.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return errors.New("storage: cannot start a transaction within an existing transaction")
}

func (s *postgresTxStore) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAPrivateKey(ctx, s.tx, keyBytes)
}
func (s *postgresTxStore) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAPrivateKey(ctx, s.tx)
}
func (s *postgresTxStore) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCACertificate(ctx, s.tx, certBytes)
}
func (s *postgresTxStore) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCACertificate(ctx, s.tx)
}
func (s *postgresTxStore) SaveCRL(ctx context.Context, crlBytes []byte) error {
	return saveCRL(ctx, s.tx, crlBytes)
}
func (s *postgresTxStore) GetCRL(ctx context.Context) ([]byte, error) {
	return getCRL(ctx, s.tx)
}
func (s *postgresTxStore) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.tx, certData)
}
func (s *postgresTxStore) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.tx, serialNumber)
}
func (s *postgresTxStore) UpdateCertificateRevocation(ctx context.Context, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error {
	return updateCertificateRevocation(ctx, s.tx, serialNumber, revoked, revokedAt, reasonCode)
}
func (s *postgresTxStore) ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error) {
	return listRevokedCertificates(ctx, s.tx)
}
func (s *postgresTxStore) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.tx, nonce)
}
func (s *postgresTxStore) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.tx, nonceValue)
}
func (s *postgresTxStore) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.tx)
}
func (s *postgresTxStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.tx, acc)
}
func (s *postgresTxStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.tx, id)
}
func (s *postgresTxStore) GetAccountByKey(ctx context.Context, publicKeyJWK string) (*model.Account, error) {
	return getAccountByKey(ctx, s.tx, publicKeyJWK)
}
func (s *postgresTxStore) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.tx, order)
}
func (s *postgresTxStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.tx, id)
}
func (s *postgresTxStore) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	return getOrdersByAccountID(ctx, s.tx, accountID)
}
func (s *postgresTxStore) GetOrdersInStatus(ctx context.Context, status model.Status, limit int) ([]*model.Order, error) {
	return getOrdersInStatus(ctx, s.tx, status, limit)
}
func (s *postgresTxStore) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.tx, authz)
}
func (s *postgresTxStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.tx, id)
}
func (s *postgresTxStore) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.tx, orderID)
}
func (s *postgresTxStore) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.tx, chal)
}
func (s *postgresTxStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.tx, id)
}
func (s *postgresTxStore) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.tx, authzID)
}
func (s *postgresTxStore) GetChallengesInStatus(ctx context.Context, status model.Status, limit int) ([]*model.Challenge, error) {
	return getChallengesInStatus(ctx, s.tx, status, limit)
}
func (s *postgresTxStore) DeleteChallengesExcept(ctx context.Context, authzID string, challengeID string) (int64, error) {
	return deleteChallengesExcept(ctx, s.tx, authzID, challengeID)
}

// =============================================
// Unexported Helper Implementations
// =============================================

// --- CA material helpers ---
func saveCAPrivateKey(ctx context.Context, q Querier, keyBytes []byte) error {
	query := `INSERT INTO ca_data (id, key_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET key_data = EXCLUDED.key_data`
	if _, err := q.ExecContext(ctx, query, keyBytes); err != nil {
		return fmt.Errorf("storage: failed to save CA private key: %w", err)
	}
	return nil
}

func getCAPrivateKey(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT key_data FROM ca_data WHERE id = 1`
	var keyBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&keyBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA private key: %w", err)
	}
	return keyBytes, nil
}

func saveCACertificate(ctx context.Context, q Querier, certBytes []byte) error {
	query := `INSERT INTO ca_data (id, cert_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET cert_data = EXCLUDED.cert_data`
	if _, err := q.ExecContext(ctx, query, certBytes); err != nil {
		return fmt.Errorf("storage: failed to save CA certificate: %w", err)
	}
	return nil
}

func getCACertificate(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT cert_data FROM ca_data WHERE id = 1`
	var certBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&certBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA certificate: %w", err)
	}
	return certBytes, nil
}

func saveCRL(ctx context.Context, q Querier, crlBytes []byte) error {
	query := `INSERT INTO ca_data (id, crl_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET crl_data = EXCLUDED.crl_data`
	if _, err := q.ExecContext(ctx, query, crlBytes); err != nil {
		return fmt.Errorf("storage: failed to save CRL: %w", err)
	}
	return nil
}

func getCRL(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT crl_data FROM ca_data WHERE id = 1`
	var crlBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&crlBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CRL: %w", err)
	}
	return crlBytes, nil
}

// --- Certificate helpers ---
func saveCertificateData(ctx context.Context, q Querier, certData *model.CertificateData) error {
	query := `
        INSERT INTO certificates_data
            (serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (serial_number) DO UPDATE SET
            certificate_pem = EXCLUDED.certificate_pem, chain_pem = EXCLUDED.chain_pem,
            revoked = EXCLUDED.revoked, revoked_at = EXCLUDED.revoked_at, revocation_reason = EXCLUDED.revocation_reason`
	var sqlChainPEM sql.NullString
	if certData.ChainPEM != "" {
		sqlChainPEM = sql.NullString{String: certData.ChainPEM, Valid: true}
	}
	var sqlRevokedAt sql.NullTime
	if certData.Revoked && !certData.RevokedAt.IsZero() {
		sqlRevokedAt = sql.NullTime{Time: certData.RevokedAt, Valid: true}
	}
	var sqlRevocationReason sql.NullInt32
	if certData.Revoked {
		sqlRevocationReason = sql.NullInt32{Int32: int32(certData.RevocationReason), Valid: true}
	}
	_, err := q.ExecContext(ctx, query, certData.SerialNumber, certData.CertificatePEM, sqlChainPEM, certData.IssuedAt, certData.ExpiresAt,
		certData.AccountID, certData.OrderID, certData.Revoked, sqlRevokedAt, sqlRevocationReason)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate data for serial '%s': %w", certData.SerialNumber, err)
	}
	return nil
}

func getCertificateData(ctx context.Context, q Querier, serialNumber string) (*model.CertificateData, error) {
	query := `SELECT serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason FROM certificates_data WHERE serial_number = $1`
	var certData model.CertificateData
	var sqlChainPEM sql.NullString
	var sqlRevokedAt sql.NullTime
	var sqlRevocationReason sql.NullInt32
	err := q.QueryRowContext(ctx, query, serialNumber).Scan(&certData.SerialNumber, &certData.CertificatePEM, &sqlChainPEM, &certData.IssuedAt, &certData.ExpiresAt,
		&certData.AccountID, &certData.OrderID, &certData.Revoked, &sqlRevokedAt, &sqlRevocationReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate data for serial '%s': %w", serialNumber, err)
	}
	if sqlChainPEM.Valid {
		certData.ChainPEM = sqlChainPEM.String
	}
	if sqlRevokedAt.Valid {
		certData.RevokedAt = sqlRevokedAt.Time
	}
	if sqlRevocationReason.Valid {
		certData.RevocationReason = int(sqlRevocationReason.Int32)
	}
	return &certData, nil
}

func updateCertificateRevocation(ctx context.Context, q Querier, serialNumber string, revoked bool, revokedAt time.Time, reasonCode int) error {
	query := `UPDATE certificates_data SET revoked = $2, revoked_at = $3, revocation_reason = $4 WHERE serial_number = $1`
	var sqlRevokedAt sql.NullTime
	var sqlRevocationReason sql.NullInt32
	if revoked {
		if revokedAt.IsZero() {
			revokedAt = time.Now()
		}
		sqlRevokedAt = sql.NullTime{Time: revokedAt, Valid: true}
		sqlRevocationReason = sql.NullInt32{Int32: int32(reasonCode), Valid: true}
	}
	result, err := q.ExecContext(ctx, query, serialNumber, revoked, sqlRevokedAt, sqlRevocationReason)
	if err != nil {
		return fmt.Errorf("storage: failed to update revocation status for serial '%s': %w", serialNumber, err)
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return errs.NotFoundError("certificate %s not found", serialNumber)
	}
	return nil
}

func listRevokedCertificates(ctx context.Context, q Querier) ([]*model.CertificateData, error) {
	query := `SELECT serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason
	          FROM certificates_data WHERE revoked = true AND expires_at > NOW() ORDER BY revoked_at`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list revoked certificates: %w", err)
	}
	defer rows.Close()

	var certs []*model.CertificateData
	for rows.Next() {
		var certData model.CertificateData
		var sqlChainPEM sql.NullString
		var sqlRevokedAt sql.NullTime
		var sqlRevocationReason sql.NullInt32
		if err := rows.Scan(&certData.SerialNumber, &certData.CertificatePEM, &sqlChainPEM, &certData.IssuedAt, &certData.ExpiresAt,
			&certData.AccountID, &certData.OrderID, &certData.Revoked, &sqlRevokedAt, &sqlRevocationReason); err != nil {
			return nil, fmt.Errorf("storage: failed to scan revoked certificate: %w", err)
		}
		if sqlChainPEM.Valid {
			certData.ChainPEM = sqlChainPEM.String
		}
		if sqlRevokedAt.Valid {
			certData.RevokedAt = sqlRevokedAt.Time
		}
		if sqlRevocationReason.Valid {
			certData.RevocationReason = int(sqlRevocationReason.Int32)
		}
		certs = append(certs, &certData)
	}
	return certs, rows.Err()
}

// --- Nonce helpers ---
func saveNonce(ctx context.Context, q Querier, nonce *model.Nonce) error {
	query := `INSERT INTO acme_nonces (value, expires_at, issued_at) VALUES ($1, $2, $3)`
	if _, err := q.ExecContext(ctx, query, nonce.Value, nonce.ExpiresAt, nonce.IssuedAt); err != nil {
		return fmt.Errorf("storage: failed to save nonce '%s': %w", nonce.Value, err)
	}
	return nil
}

func consumeNonce(ctx context.Context, q Querier, nonceValue string) (*model.Nonce, error) {
	query := `DELETE FROM acme_nonces WHERE value = $1 AND expires_at > NOW() RETURNING value, expires_at, issued_at`
	var nonce model.Nonce
	err := q.QueryRowContext(ctx, query, nonceValue).Scan(&nonce.Value, &nonce.ExpiresAt, &nonce.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // invalid, used, or expired
		}
		return nil, fmt.Errorf("storage: failed to consume nonce '%s': %w", nonceValue, err)
	}
	return &nonce, nil
}

func deleteExpiredNonces(ctx context.Context, q Querier) (int64, error) {
	query := `DELETE FROM acme_nonces WHERE expires_at <= NOW()`
	res, err := q.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	return rowsAffected, nil
}

// --- Account helpers ---
func saveAccount(ctx context.Context, q Querier, acc *model.Account) error {
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now

	var eabArg interface{}
	if len(acc.ExternalAccountBinding) > 0 {
		eabArg = []byte(acc.ExternalAccountBinding)
	}

	if acc.Version == 0 {
		query := `INSERT INTO acme_accounts (id, public_key_jwk, contact, status, tos_agreed_at, eab, version, created_at, last_modified_at)
                  VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`
		_, err := q.ExecContext(ctx, query, acc.ID, acc.PublicKeyJWK, pq.Array(acc.Contact), acc.Status,
			acc.TermsOfServiceAgreedAt, eabArg, acc.CreatedAt, acc.LastModifiedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return errs.ConflictError("account %s already exists", acc.ID)
			}
			return fmt.Errorf("storage: failed to insert account '%s': %w", acc.ID, err)
		}
		acc.Version = 1
		return nil
	}

	query := `UPDATE acme_accounts SET contact = $2, status = $3, tos_agreed_at = $4, eab = $5,
              version = version + 1, last_modified_at = $6
              WHERE id = $1 AND version = $7`
	result, err := q.ExecContext(ctx, query, acc.ID, pq.Array(acc.Contact), acc.Status,
		acc.TermsOfServiceAgreedAt, eabArg, acc.LastModifiedAt, acc.Version)
	if err != nil {
		return fmt.Errorf("storage: failed to update account '%s': %w", acc.ID, err)
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return errs.ConcurrencyError("account %s was modified concurrently", acc.ID)
	}
	acc.Version++
	return nil
}

func scanAccount(scan func(dest ...interface{}) error) (*model.Account, error) {
	var acc model.Account
	var contacts pq.StringArray
	var eabJSON []byte
	err := scan(&acc.ID, &acc.PublicKeyJWK, &contacts, &acc.Status, &acc.TermsOfServiceAgreedAt,
		&eabJSON, &acc.Version, &acc.CreatedAt, &acc.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	acc.Contact = []string(contacts)
	acc.ExternalAccountBinding = eabJSON
	return &acc, nil
}

const accountColumns = `id, public_key_jwk, contact, status, tos_agreed_at, eab, version, created_at, last_modified_at`

func getAccount(ctx context.Context, q Querier, id string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE id = $1`
	acc, err := scanAccount(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account '%s': %w", id, err)
	}
	return acc, nil
}

func getAccountByKey(ctx context.Context, q Querier, publicKeyJWK string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE public_key_jwk = $1`
	acc, err := scanAccount(q.QueryRowContext(ctx, query, publicKeyJWK).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account by key: %w", err)
	}
	return acc, nil
}

// --- Order helpers ---

// encodeOrder refreshes the denormalized JSON columns from the
// in-memory fields.
func encodeOrder(order *model.Order) error {
	identifiersJSON, err := json.Marshal(order.Identifiers)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal order identifiers: %w", err)
	}
	order.IdentifiersJSON = string(identifiersJSON)
	order.ErrorJSON = ""
	if order.Error != nil {
		errorJSON, err := json.Marshal(order.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal order error: %w", err)
		}
		order.ErrorJSON = string(errorJSON)
	}
	return nil
}

func saveOrder(ctx context.Context, q Querier, order *model.Order) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	if err := encodeOrder(order); err != nil {
		return err
	}
	var errorArg, serialArg interface{}
	if order.ErrorJSON != "" {
		errorArg = order.ErrorJSON
	}
	if order.CertificateSerial != "" {
		serialArg = order.CertificateSerial
	}

	if order.Version == 0 {
		query := `INSERT INTO acme_orders (id, account_id, status, profile, expires_at, identifiers_json, not_before, not_after, error_json, csr, certificate_serial, version, created_at, last_modified_at)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)`
		_, err := q.ExecContext(ctx, query, order.ID, order.AccountID, order.Status, order.Profile, order.Expires,
			order.IdentifiersJSON, order.NotBefore, order.NotAfter, errorArg, order.CSR, serialArg,
			order.CreatedAt, order.LastModifiedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return errs.ConflictError("order %s already exists", order.ID)
			}
			return fmt.Errorf("storage: failed to insert order '%s': %w", order.ID, err)
		}
		order.Version = 1
		return nil
	}

	query := `UPDATE acme_orders SET status = $2, error_json = $3, csr = $4, certificate_serial = $5,
              version = version + 1, last_modified_at = $6
              WHERE id = $1 AND version = $7`
	result, err := q.ExecContext(ctx, query, order.ID, order.Status, errorArg, order.CSR, serialArg,
		order.LastModifiedAt, order.Version)
	if err != nil {
		return fmt.Errorf("storage: failed to update order '%s': %w", order.ID, err)
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return errs.ConcurrencyError("order %s was modified concurrently", order.ID)
	}
	order.Version++
	return nil
}

const orderColumns = `id, account_id, status, profile, expires_at, identifiers_json, not_before, not_after, error_json, csr, certificate_serial, version, created_at, last_modified_at`

func scanOrder(scan func(dest ...interface{}) error) (*model.Order, error) {
	var order model.Order
	var identifiersJSON []byte
	var errorJSON sql.NullString
	var serial sql.NullString
	err := scan(&order.ID, &order.AccountID, &order.Status, &order.Profile, &order.Expires,
		&identifiersJSON, &order.NotBefore, &order.NotAfter, &errorJSON, &order.CSR, &serial,
		&order.Version, &order.CreatedAt, &order.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(identifiersJSON, &order.Identifiers); err != nil {
		return nil, fmt.Errorf("storage: corrupt identifiers_json for order '%s': %w", order.ID, err)
	}
	order.IdentifiersJSON = string(identifiersJSON)
	if errorJSON.Valid && errorJSON.String != "" {
		order.ErrorJSON = errorJSON.String
		order.Error = &model.ProblemDetails{}
		if err := json.Unmarshal([]byte(errorJSON.String), order.Error); err != nil {
			return nil, fmt.Errorf("storage: corrupt error_json for order '%s': %w", order.ID, err)
		}
	}
	if serial.Valid {
		order.CertificateSerial = serial.String
	}
	return &order, nil
}

func getOrder(ctx context.Context, q Querier, id string) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE id = $1`
	order, err := scanOrder(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get order '%s': %w", id, err)
	}
	return order, nil
}

func queryOrders(ctx context.Context, q Querier, query string, args ...interface{}) ([]*model.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders: %w", err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows: %w", err)
	}
	return orders, nil
}

func getOrdersByAccountID(ctx context.Context, q Querier, accountID string) ([]*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE account_id = $1 ORDER BY created_at DESC`
	return queryOrders(ctx, q, query, accountID)
}

func getOrdersInStatus(ctx context.Context, q Querier, status model.Status, limit int) ([]*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE status = $1 ORDER BY last_modified_at ASC LIMIT $2`
	return queryOrders(ctx, q, query, status, limit)
}

// --- Authorization helpers ---
func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	now := time.Now()
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = now
	}
	identifierJSON, err := json.Marshal(authz.Identifier)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal authorization identifier: %w", err)
	}
	authz.IdentifierJSON = string(identifierJSON)

	if authz.Version == 0 {
		query := `INSERT INTO acme_authorizations (id, account_id, order_id, identifier_json, status, expires_at, wildcard, expected_public_key, version, created_at)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)`
		_, err := q.ExecContext(ctx, query, authz.ID, authz.AccountID, authz.OrderID, authz.IdentifierJSON,
			authz.Status, authz.Expires, authz.Wildcard, authz.ExpectedPublicKey, authz.CreatedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return errs.ConflictError("authorization %s already exists", authz.ID)
			}
			return fmt.Errorf("storage: failed to insert authorization '%s': %w", authz.ID, err)
		}
		authz.Version = 1
		return nil
	}

	query := `UPDATE acme_authorizations SET status = $2, expected_public_key = $3, version = version + 1
              WHERE id = $1 AND version = $4`
	result, err := q.ExecContext(ctx, query, authz.ID, authz.Status, authz.ExpectedPublicKey, authz.Version)
	if err != nil {
		return fmt.Errorf("storage: failed to update authorization '%s': %w", authz.ID, err)
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return errs.ConcurrencyError("authorization %s was modified concurrently", authz.ID)
	}
	authz.Version++
	return nil
}

const authorizationColumns = `id, account_id, order_id, identifier_json, status, expires_at, wildcard, expected_public_key, version, created_at`

func scanAuthorization(scan func(dest ...interface{}) error) (*model.Authorization, error) {
	var authz model.Authorization
	var identifierJSON []byte
	err := scan(&authz.ID, &authz.AccountID, &authz.OrderID, &identifierJSON, &authz.Status,
		&authz.Expires, &authz.Wildcard, &authz.ExpectedPublicKey, &authz.Version, &authz.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(identifierJSON, &authz.Identifier); err != nil {
		return nil, fmt.Errorf("storage: corrupt identifier_json for authorization '%s': %w", authz.ID, err)
	}
	authz.IdentifierJSON = string(identifierJSON)
	return &authz, nil
}

func getAuthorization(ctx context.Context, q Querier, id string) (*model.Authorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM acme_authorizations WHERE id = $1`
	authz, err := scanAuthorization(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get authorization '%s': %w", id, err)
	}
	return authz, nil
}

func getAuthorizationsByOrderID(ctx context.Context, q Querier, orderID string) ([]*model.Authorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM acme_authorizations WHERE order_id = $1 ORDER BY created_at ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations for order '%s': %w", orderID, err)
	}
	defer rows.Close()
	authzs := make([]*model.Authorization, 0)
	for rows.Next() {
		authz, err := scanAuthorization(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row: %w", err)
		}
		authzs = append(authzs, authz)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows: %w", err)
	}
	return authzs, nil
}

// --- Challenge helpers ---
func saveChallenge(ctx context.Context, q Querier, chal *model.Challenge) error {
	now := time.Now()
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = now
	}
	chal.ErrorJSON = ""
	if chal.Error != nil {
		errorJSON, err := json.Marshal(chal.Error)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal challenge error: %w", err)
		}
		chal.ErrorJSON = string(errorJSON)
	}
	chal.IssuerDomainsJSON = ""
	if len(chal.IssuerDomains) > 0 {
		issuersJSON, err := json.Marshal(chal.IssuerDomains)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal challenge issuer domains: %w", err)
		}
		chal.IssuerDomainsJSON = string(issuersJSON)
	}
	var errorArg, issuersArg interface{}
	if chal.ErrorJSON != "" {
		errorArg = chal.ErrorJSON
	}
	if chal.IssuerDomainsJSON != "" {
		issuersArg = chal.IssuerDomainsJSON
	}

	if chal.Version == 0 {
		query := `INSERT INTO acme_challenges (id, authorization_id, type, status, token, validated_at, error_json, payload, issuer_domains_json, version, created_at)
                  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)`
		_, err := q.ExecContext(ctx, query, chal.ID, chal.AuthorizationID, chal.Type, chal.Status, chal.Token,
			chal.Validated, errorArg, chal.Payload, issuersArg, chal.CreatedAt)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return errs.ConflictError("challenge %s already exists", chal.ID)
			}
			return fmt.Errorf("storage: failed to insert challenge '%s': %w", chal.ID, err)
		}
		chal.Version = 1
		return nil
	}

	query := `UPDATE acme_challenges SET status = $2, validated_at = $3, error_json = $4, payload = $5, version = version + 1
              WHERE id = $1 AND version = $6`
	result, err := q.ExecContext(ctx, query, chal.ID, chal.Status, chal.Validated, errorArg, chal.Payload, chal.Version)
	if err != nil {
		return fmt.Errorf("storage: failed to update challenge '%s': %w", chal.ID, err)
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		return errs.ConcurrencyError("challenge %s was modified concurrently", chal.ID)
	}
	chal.Version++
	return nil
}

const challengeColumns = `id, authorization_id, type, status, token, validated_at, error_json, payload, issuer_domains_json, version, created_at`

func scanChallenge(scan func(dest ...interface{}) error) (*model.Challenge, error) {
	var chal model.Challenge
	var errorJSON, issuersJSON sql.NullString
	err := scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &chal.Status, &chal.Token,
		&chal.Validated, &errorJSON, &chal.Payload, &issuersJSON, &chal.Version, &chal.CreatedAt)
	if err != nil {
		return nil, err
	}
	if errorJSON.Valid && errorJSON.String != "" {
		chal.ErrorJSON = errorJSON.String
		chal.Error = &model.ProblemDetails{}
		if err := json.Unmarshal([]byte(errorJSON.String), chal.Error); err != nil {
			return nil, fmt.Errorf("storage: corrupt error_json for challenge '%s': %w", chal.ID, err)
		}
	}
	if issuersJSON.Valid && issuersJSON.String != "" {
		chal.IssuerDomainsJSON = issuersJSON.String
		if err := json.Unmarshal([]byte(issuersJSON.String), &chal.IssuerDomains); err != nil {
			return nil, fmt.Errorf("storage: corrupt issuer_domains_json for challenge '%s': %w", chal.ID, err)
		}
	}
	return &chal, nil
}

func getChallenge(ctx context.Context, q Querier, id string) (*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE id = $1`
	chal, err := scanChallenge(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge '%s': %w", id, err)
	}
	return chal, nil
}

func queryChallenges(ctx context.Context, q Querier, query string, args ...interface{}) ([]*model.Challenge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges: %w", err)
	}
	defer rows.Close()
	chals := make([]*model.Challenge, 0)
	for rows.Next() {
		chal, err := scanChallenge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row: %w", err)
		}
		chals = append(chals, chal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows: %w", err)
	}
	return chals, nil
}

func getChallengesByAuthorizationID(ctx context.Context, q Querier, authzID string) ([]*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE authorization_id = $1 ORDER BY created_at ASC, id ASC`
	return queryChallenges(ctx, q, query, authzID)
}

func getChallengesInStatus(ctx context.Context, q Querier, status model.Status, limit int) ([]*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	return queryChallenges(ctx, q, query, status, limit)
}

func deleteChallengesExcept(ctx context.Context, q Querier, authzID string, challengeID string) (int64, error) {
	query := `DELETE FROM acme_challenges WHERE authorization_id = $1 AND id <> $2`
	res, err := q.ExecContext(ctx, query, authzID, challengeID)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete sibling challenges for authorization '%s': %w", authzID, err)
	}
	rowsAffected, _ := res.RowsAffected()
	return rowsAffected, nil
}
