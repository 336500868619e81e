package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmeforge/internal/config"
	"github.com/blockadesystems/acmeforge/internal/model"
	"github.com/blockadesystems/acmeforge/internal/storage"
)

func certDataFor(cert *x509.Certificate, serial string) *model.CertificateData {
	return &model.CertificateData{
		SerialNumber:   serial,
		CertificatePEM: string(EncodeCertificate(cert)),
		IssuedAt:       cert.NotBefore,
		ExpiresAt:      cert.NotAfter,
		AccountID:      "acct-1",
		OrderID:        "ord-1",
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Organization:        "ACME Forge Test",
		Country:             "US",
		Province:            "NC",
		Locality:            "Raleigh",
		CommonName:          "ACME Forge Test Root",
		CACertValidityYears: 1,
		CRLValidityHours:    24,
		CertificatePolicies: config.CertificatePolicies{
			AllowedKeyTypes:     []string{"RSA", "ECDSA"},
			MinRSASize:          2048,
			AllowedECDSACurves:  []string{"P-256"},
			AllowedKeyUsages:    []x509.KeyUsage{x509.KeyUsageDigitalSignature},
			AllowedExtKeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		},
	}
}

func newTestCA(t *testing.T) (*Service, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	svc, err := New(testConfig(), store)
	require.NoError(t, err)
	require.True(t, svc.IsInitialized())
	return svc, store
}

func buildCSR(t *testing.T, template *x509.CertificateRequest) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func TestNewPersistsCAMaterial(t *testing.T) {
	svc, store := newTestCA(t)
	first := svc.GetCACertificate()
	require.NotNil(t, first)
	assert.True(t, first.IsCA)

	// A second service over the same store loads, not regenerates.
	again, err := New(testConfig(), store)
	require.NoError(t, err)
	assert.Equal(t, first.SerialNumber, again.GetCACertificate().SerialNumber)
}

func TestSignCSR(t *testing.T) {
	svc, _ := newTestCA(t)
	csr := buildCSR(t, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "a.example"},
		DNSNames: []string{"a.example", "b.example"},
	})

	cert, err := svc.SignCSR(context.Background(), csr, 30*24*time.Hour, "default")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.example", "b.example"}, cert.DNSNames)
	assert.Equal(t, "a.example", cert.Subject.CommonName)
	assert.Equal(t, 1, cert.SerialNumber.Sign())
	assert.NoError(t, cert.CheckSignatureFrom(svc.GetCACertificate()))
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), cert.NotAfter, 5*time.Minute)
}

func TestSignCSRLifetimeClampedToCA(t *testing.T) {
	svc, _ := newTestCA(t)
	csr := buildCSR(t, &x509.CertificateRequest{DNSNames: []string{"a.example"}})

	// Five years outlives the one-year test CA.
	cert, err := svc.SignCSR(context.Background(), csr, 5*365*24*time.Hour, "default")
	require.NoError(t, err)
	assert.Equal(t, svc.GetCACertificate().NotAfter, cert.NotAfter)
}

func TestSignCSRKeyPolicy(t *testing.T) {
	svc, _ := newTestCA(t)

	smallKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader,
		&x509.CertificateRequest{DNSNames: []string{"a.example"}}, smallKey)
	require.NoError(t, err)
	smallCSR, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)

	_, err = svc.SignCSR(context.Background(), smallCSR, time.Hour, "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "less than the minimum")

	p384Key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err = x509.CreateCertificateRequest(rand.Reader,
		&x509.CertificateRequest{DNSNames: []string{"a.example"}}, p384Key)
	require.NoError(t, err)
	p384CSR, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)

	_, err = svc.SignCSR(context.Background(), p384CSR, time.Hour, "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed by policy")
}

func TestSignCSRCarriesRawSANExtension(t *testing.T) {
	svc, _ := newTestCA(t)

	// A SAN extension with an otherName entry the x509 package cannot
	// parse into DNSNames; it must survive issuance byte for byte.
	oidPermanentIdentifier := asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 8, 3}
	oidDER, err := asn1.Marshal(oidPermanentIdentifier)
	require.NoError(t, err)
	valueDER, err := asn1.MarshalWithParams("device-0042", "utf8")
	require.NoError(t, err)
	inner, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: valueDER})
	require.NoError(t, err)
	entry, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true,
		Bytes: append(oidDER, inner...),
	})
	require.NoError(t, err)
	sanValue, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: entry})
	require.NoError(t, err)

	csr := buildCSR(t, &x509.CertificateRequest{
		ExtraExtensions: []pkix.Extension{{Id: oidSubjectAltName, Value: sanValue}},
	})

	cert, err := svc.SignCSR(context.Background(), csr, time.Hour, "device")
	require.NoError(t, err)

	var found bool
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			found = true
			assert.Equal(t, sanValue, ext.Value)
		}
	}
	assert.True(t, found, "issued certificate is missing the SAN extension")
}

func TestRevokeAndCRL(t *testing.T) {
	svc, store := newTestCA(t)
	ctx := context.Background()

	csr := buildCSR(t, &x509.CertificateRequest{DNSNames: []string{"a.example"}})
	cert, err := svc.SignCSR(ctx, csr, time.Hour, "default")
	require.NoError(t, err)

	serial := cert.SerialNumber.Text(16)
	require.NoError(t, store.SaveCertificateData(ctx, certDataFor(cert, serial)))
	require.NoError(t, svc.RevokeCertificate(ctx, serial, 1))

	crlBytes, err := svc.GenerateCRL(ctx)
	require.NoError(t, err)
	crl, err := x509.ParseRevocationList(crlBytes)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(svc.GetCACertificate()))
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Zero(t, cert.SerialNumber.Cmp(crl.RevokedCertificateEntries[0].SerialNumber))

	stored, err := svc.GetCRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, crlBytes, stored)
}

func TestRevokeUnknownSerial(t *testing.T) {
	svc, _ := newTestCA(t)
	err := svc.RevokeCertificate(context.Background(), "feedface", 0)
	require.Error(t, err)
}
