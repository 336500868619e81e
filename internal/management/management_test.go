package management_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmeforge/internal/management"
	"github.com/blockadesystems/acmeforge/internal/model"
	"github.com/blockadesystems/acmeforge/internal/testutils"
)

func newAPIFixture(t *testing.T) *testutils.Fixture {
	t.Helper()
	f := testutils.NewFixture(t)
	management.Register(f.Server.Echo(), f.Cfg, f.Store, f.CA)
	return f
}

func doAdmin(t *testing.T, f *testutils.Fixture, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.Server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestRequiresAPIKey(t *testing.T) {
	f := newAPIFixture(t)

	rec := doAdmin(t, f, http.MethodGet, "/api/v1/ca/certificate", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doAdmin(t, f, http.MethodGet, "/api/v1/ca/certificate", "wrong-key", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCACertificate(t *testing.T) {
	f := newAPIFixture(t)

	rec := doAdmin(t, f, http.MethodGet, "/api/v1/ca/certificate", f.Cfg.AdminAPIKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BEGIN CERTIFICATE")
}

func TestCRLFetchAndRegenerate(t *testing.T) {
	f := newAPIFixture(t)

	rec := doAdmin(t, f, http.MethodGet, "/api/v1/ca/crl", f.Cfg.AdminAPIKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/pkix-crl")

	rec = doAdmin(t, f, http.MethodPost, "/api/v1/ca/crl", f.Cfg.AdminAPIKey, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRevoke(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	// Seed an issued certificate directly; admin revocation does not go
	// through the ACME ownership checks.
	now := time.Now()
	require.NoError(t, f.Store.SaveCertificateData(ctx, &model.CertificateData{
		SerialNumber:   "abc123",
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		IssuedAt:       now,
		ExpiresAt:      now.Add(24 * time.Hour),
		AccountID:      "acct-1",
		OrderID:        "order-1",
	}))

	rec := doAdmin(t, f, http.MethodPost, "/api/v1/certificates/abc123/revoke", f.Cfg.AdminAPIKey, `{"reason":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	certData, err := f.Store.GetCertificateData(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, certData.Revoked)
	assert.Equal(t, 1, certData.RevocationReason)

	rec = doAdmin(t, f, http.MethodPost, "/api/v1/certificates/abc123/revoke", f.Cfg.AdminAPIKey, `{"reason":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doAdmin(t, f, http.MethodGet, "/api/v1/certificates/revoked", f.Cfg.AdminAPIKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "abc123")

	rec = doAdmin(t, f, http.MethodPost, "/api/v1/certificates/missing/revoke", f.Cfg.AdminAPIKey, `{"reason":0}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
