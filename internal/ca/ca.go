// Package ca holds the signing backend: CA key material loaded from
// (or generated into) storage, leaf issuance from finalize CSRs, and
// CRL maintenance. Identifier adjudication happens upstream in the CSR
// matching engine; this package only enforces key and lifetime policy.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/config"
	"github.com/blockadesystems/acmeforge/internal/storage"
)

const (
	caKeySize         = 4096 // RSA key size for the CA
	defaultSerialBits = 128  // Bit size for serial number randomness
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "ca"))
}

// ErrCANotInitialized indicates the CA keypair could not be loaded or generated.
var ErrCANotInitialized = errors.New("ca: CA certificate or private key is not initialized")

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// CAService defines the signing operations the order pipeline uses.
type CAService interface {
	SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration, profile string) (*x509.Certificate, error)
	RevokeCertificate(ctx context.Context, serialNumber string, reasonCode int) error
	GenerateCRL(ctx context.Context) ([]byte, error)
	GetCRL(ctx context.Context) ([]byte, error)
	GetCACertificate() *x509.Certificate
	IsInitialized() bool
}

// Service implements CAService over stored CA material.
type Service struct {
	cfg      *config.Config
	store    storage.Storage
	caCert   *x509.Certificate
	caKey    crypto.Signer
	crlMutex sync.Mutex // serializes CRL generation
	initErr  error
}

var _ CAService = (*Service)(nil)

// New creates and initializes the CA service. The CA key and
// certificate are loaded from storage, or generated and saved when
// absent.
func New(cfg *config.Config, store storage.Storage) (*Service, error) {
	s := &Service{cfg: cfg, store: store}
	ctx := context.Background()

	pemKeyBytes, err := store.GetCAPrivateKey(ctx)
	if err != nil {
		return s.failInit(fmt.Errorf("failed to get CA private key from storage: %w", err))
	}
	pemCertBytes, err := store.GetCACertificate(ctx)
	if err != nil {
		return s.failInit(fmt.Errorf("failed to get CA certificate from storage: %w", err))
	}

	if len(pemKeyBytes) == 0 || len(pemCertBytes) == 0 {
		logger.Info("CA key or certificate not found in storage, generating")
		newKey, newCert, err := generateCAKeyAndCert(cfg)
		if err != nil {
			return s.failInit(fmt.Errorf("failed to generate CA key/cert: %w", err))
		}
		s.caKey = newKey
		s.caCert = newCert

		pemKeyBytes, err = encodePrivateKey(newKey)
		if err != nil {
			return s.failInit(fmt.Errorf("failed to encode generated CA private key: %w", err))
		}
		if err := store.SaveCAPrivateKey(ctx, pemKeyBytes); err != nil {
			return s.failInit(fmt.Errorf("failed to save generated CA private key: %w", err))
		}
		if err := store.SaveCACertificate(ctx, EncodeCertificate(newCert)); err != nil {
			return s.failInit(fmt.Errorf("failed to save generated CA certificate: %w", err))
		}
		logger.Info("new CA key and certificate generated and saved",
			zap.String("subject", newCert.Subject.String()),
			zap.Time("not_after", newCert.NotAfter))
	} else {
		s.caKey, err = parsePrivateKey(pemKeyBytes)
		if err != nil {
			return s.failInit(fmt.Errorf("failed to parse stored CA private key: %w", err))
		}
		s.caCert, err = parseCertificate(pemCertBytes)
		if err != nil {
			return s.failInit(fmt.Errorf("failed to parse stored CA certificate: %w", err))
		}
		logger.Info("CA key and certificate loaded from storage",
			zap.String("subject", s.caCert.Subject.String()))
	}

	if _, err := s.GenerateCRL(ctx); err != nil {
		logger.Warn("failed to generate initial CRL", zap.Error(err))
	}
	return s, nil
}

func (s *Service) failInit(err error) (*Service, error) {
	s.initErr = err
	logger.Error("CA initialization failed", zap.Error(err))
	return s, err
}

// IsInitialized reports whether the CA key and certificate are usable.
func (s *Service) IsInitialized() bool {
	return s.initErr == nil && s.caKey != nil && s.caCert != nil
}

// GetCACertificate returns the loaded CA certificate.
func (s *Service) GetCACertificate() *x509.Certificate {
	return s.caCert
}

// SignCSR signs an already-adjudicated CSR with the CA key. The
// subject names are taken from the CSR verbatim, including any
// otherName SAN entries the x509 package cannot express natively.
func (s *Service) SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration, profile string) (*x509.Certificate, error) {
	if !s.IsInitialized() {
		return nil, ErrCANotInitialized
	}
	l := logger.With(zap.Strings("dns_names", csr.DNSNames), zap.String("profile", profile))

	if err := csr.CheckSignature(); err != nil {
		l.Warn("CSR signature validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}
	if err := s.checkKeyPolicy(csr.PublicKey); err != nil {
		l.Warn("CSR key rejected by policy", zap.Error(err))
		return nil, err
	}

	if lifetime <= 0 {
		return nil, errors.New("ca: certificate lifetime must be positive")
	}
	notBefore := time.Now().Add(-2 * time.Minute)
	notAfter := notBefore.Add(lifetime)
	if notAfter.After(s.caCert.NotAfter) {
		l.Warn("lifetime exceeds CA certificate validity, clamping",
			zap.Time("requested_not_after", notAfter), zap.Time("ca_not_after", s.caCert.NotAfter))
		notAfter = s.caCert.NotAfter
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	ski, err := computeSubjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute subject key identifier: %w", err)
	}

	pol := s.cfg.CertificatePolicies
	var combinedKeyUsage x509.KeyUsage
	for _, ku := range pol.AllowedKeyUsages {
		combinedKeyUsage |= ku
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      csr.Subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,

		KeyUsage:    combinedKeyUsage,
		ExtKeyUsage: pol.AllowedExtKeyUsages,

		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:          ski,
		AuthorityKeyId:        s.caCert.SubjectKeyId,
		OCSPServer:            pol.OCSPServer,
		IssuingCertificateURL: pol.IssuingCertificateURL,
		CRLDistributionPoints: pol.CRLDistributionPoints,
	}

	// Carry the CSR's SAN extension through unchanged so otherName
	// entries (permanent-identifier, hardware-module) survive. When the
	// CSR has no SAN extension, fall back to the parsed name fields.
	if sanExt, ok := findExtension(csr.Extensions, oidSubjectAltName); ok {
		template.ExtraExtensions = append(template.ExtraExtensions, sanExt)
	} else {
		template.DNSNames = csr.DNSNames
		template.IPAddresses = csr.IPAddresses
		template.EmailAddresses = csr.EmailAddresses
		template.URIs = csr.URIs
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		l.Error("failed to sign certificate", zap.Error(err))
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created certificate: %w", err)
	}

	l.Info("certificate signed",
		zap.String("serial", cert.SerialNumber.Text(16)),
		zap.Time("not_after", cert.NotAfter))
	return cert, nil
}

func findExtension(exts []pkix.Extension, oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, ext := range exts {
		if ext.Id.Equal(oid) {
			return ext, true
		}
	}
	return pkix.Extension{}, false
}

// checkKeyPolicy enforces the configured key type, size and curve
// bounds on a CSR public key.
func (s *Service) checkKeyPolicy(pub crypto.PublicKey) error {
	pol := s.cfg.CertificatePolicies
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if !isTypeAllowed("RSA", pol.AllowedKeyTypes) {
			return errors.New("ca: key type RSA is not allowed by policy")
		}
		if size := key.N.BitLen(); size < pol.MinRSASize {
			return fmt.Errorf("ca: RSA key size %d is less than the minimum %d", size, pol.MinRSASize)
		}
	case *ecdsa.PublicKey:
		if !isTypeAllowed("ECDSA", pol.AllowedKeyTypes) {
			return errors.New("ca: key type ECDSA is not allowed by policy")
		}
		curveName := key.Curve.Params().Name
		allowed := false
		for _, c := range pol.AllowedECDSACurves {
			if strings.EqualFold(curveName, c) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("ca: ECDSA curve %q is not allowed by policy", curveName)
		}
	case ed25519.PublicKey:
		if !isTypeAllowed("Ed25519", pol.AllowedKeyTypes) {
			return errors.New("ca: key type Ed25519 is not allowed by policy")
		}
	default:
		return errors.New("ca: unsupported public key type in CSR")
	}
	return nil
}

func isTypeAllowed(keyType string, allowedTypes []string) bool {
	for _, allowed := range allowedTypes {
		if strings.EqualFold(keyType, allowed) {
			return true
		}
	}
	return false
}

// RevokeCertificate marks a certificate revoked in storage and
// regenerates the CRL in the background.
func (s *Service) RevokeCertificate(ctx context.Context, serialNumber string, reasonCode int) error {
	if !s.IsInitialized() {
		return ErrCANotInitialized
	}
	l := logger.With(zap.String("serial", serialNumber), zap.Int("reason_code", reasonCode))

	if err := s.store.UpdateCertificateRevocation(ctx, serialNumber, true, time.Now(), reasonCode); err != nil {
		l.Error("failed to update revocation status in storage", zap.Error(err))
		return fmt.Errorf("failed to update storage for revocation: %w", err)
	}
	l.Info("certificate marked as revoked")

	go func() {
		if _, err := s.GenerateCRL(context.Background()); err != nil {
			l.Error("failed to regenerate CRL after revocation", zap.Error(err))
		}
	}()
	return nil
}

// GenerateCRL creates, signs, and saves a new CRL.
func (s *Service) GenerateCRL(ctx context.Context) ([]byte, error) {
	if !s.IsInitialized() {
		return nil, ErrCANotInitialized
	}
	s.crlMutex.Lock()
	defer s.crlMutex.Unlock()

	revokedList, err := s.store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list revoked certificates: %w", err)
	}

	entries := make([]x509.RevocationListEntry, 0, len(revokedList))
	for _, certData := range revokedList {
		serial, ok := new(big.Int).SetString(certData.SerialNumber, 16)
		if !ok {
			logger.Warn("skipping revoked certificate with unparseable serial",
				zap.String("serial", certData.SerialNumber))
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: certData.RevokedAt,
			ReasonCode:     certData.RevocationReason,
		})
	}

	now := time.Now()
	template := x509.RevocationList{
		Number:                    big.NewInt(now.UnixNano()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Duration(s.cfg.CRLValidityHours) * time.Hour),
		RevokedCertificateEntries: entries,
	}
	crlBytes, err := x509.CreateRevocationList(rand.Reader, &template, s.caCert, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CRL: %w", err)
	}
	if err := s.store.SaveCRL(ctx, crlBytes); err != nil {
		return nil, fmt.Errorf("failed to save CRL: %w", err)
	}

	logger.Info("CRL generated", zap.Int("revoked_entries", len(entries)))
	return crlBytes, nil
}

// GetCRL returns the most recently generated CRL.
func (s *Service) GetCRL(ctx context.Context) ([]byte, error) {
	return s.store.GetCRL(ctx)
}

// --- Helper functions ---

// generateSerialNumber creates a secure random positive serial number.
func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("generated non-positive serial number")
	}
	return serialNumber, nil
}

// computeSubjectKeyID calculates the SKI per RFC 5280 section 4.2.1.2
// method (1): the SHA-1 hash of the SubjectPublicKey BIT STRING.
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(derBytes, &spki); err != nil {
		return nil, fmt.Errorf("failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}
	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}

// generateCAKeyAndCert creates a new RSA private key and self-signed CA
// certificate.
func generateCAKeyAndCert(cfg *config.Config) (crypto.Signer, *x509.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			Country:      []string{cfg.Country},
			Province:     []string{cfg.Province},
			Locality:     []string{cfg.Locality},
			CommonName:   cfg.CommonName,
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.AddDate(cfg.CACertValidityYears, 0, 0),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create self-signed CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return privateKey, cert, nil
}

// encodePrivateKey encodes a crypto.Signer (RSA or ECDSA) into PEM.
func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("unsupported private key type")
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: keyBytes}), nil
}

// parsePrivateKey parses a PEM-encoded private key (RSA or ECDSA).
func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	var privKey crypto.Signer
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		privKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privKey, nil
}

// EncodeCertificate encodes an x509 certificate into PEM.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// parseCertificate parses a PEM-encoded x509 certificate.
func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
