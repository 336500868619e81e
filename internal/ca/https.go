package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/config"
)

const (
	httpsKeySize      = 2048
	httpsCertLifetime = 365 * 24 * time.Hour
)

// EnsureHTTPSCertificates checks for existing HTTPS cert and key files,
// generating a self-signed pair when both are missing. Intended for
// local development; production deployments supply their own files.
func EnsureHTTPSCertificates(cfg *config.Config) (certFile string, keyFile string, err error) {
	certFile = cfg.HTTPSCertFile
	keyFile = cfg.HTTPSKeyFile

	dataDir := filepath.Dir(certFile)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if err = os.MkdirAll(dataDir, 0750); err != nil {
			return "", "", fmt.Errorf("ca: failed to create data directory %q: %w", dataDir, err)
		}
	}

	certExists := fileExists(certFile)
	keyExists := fileExists(keyFile)
	switch {
	case certExists && keyExists:
		logger.Info("using existing HTTPS certificate and key",
			zap.String("cert_file", certFile), zap.String("key_file", keyFile))
		return certFile, keyFile, nil
	case certExists != keyExists:
		return "", "", fmt.Errorf("ca: HTTPS cert/key pair is incomplete: cert=%v key=%v", certExists, keyExists)
	}

	if err := generateSelfSignedCert(certFile, keyFile); err != nil {
		return "", "", fmt.Errorf("ca: failed to generate self-signed HTTPS certificate: %w", err)
	}
	logger.Info("generated self-signed HTTPS certificate",
		zap.String("cert_file", certFile), zap.String("key_file", keyFile))
	return certFile, keyFile, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// generateSelfSignedCert writes a localhost-only self-signed serving
// certificate and key to the given paths.
func generateSelfSignedCert(certFile, keyFile string) error {
	priv, err := rsa.GenerateKey(rand.Reader, httpsKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"ACME Forge Development"},
			CommonName:   "localhost",
		},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:   time.Now().Add(-1 * time.Minute),
		NotAfter:    time.Now().Add(httpsCertLifetime),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return fmt.Errorf("failed to create certificate file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create private key file: %w", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return fmt.Errorf("failed to write private key file: %w", err)
	}
	return nil
}
