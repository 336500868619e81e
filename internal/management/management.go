// Package management exposes the operator API: CA certificate and CRL
// retrieval, revoked-certificate listing, and administrative
// revocation. All routes require the configured admin API key.
package management

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/ca"
	"github.com/blockadesystems/acmeforge/internal/config"
	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "management"))
}

// API carries the management handlers and their dependencies.
type API struct {
	cfg    *config.Config
	store  storage.Storage
	issuer ca.CAService
}

// Register mounts the management routes under /api/v1 on the given
// router. With no admin API key configured, nothing is mounted.
func Register(e *echo.Echo, cfg *config.Config, store storage.Storage, issuer ca.CAService) {
	if cfg.AdminAPIKey == "" {
		logger.Warn("no admin API key configured, management API disabled")
		return
	}
	api := &API{cfg: cfg, store: store, issuer: issuer}

	group := e.Group("/api/v1")
	group.Use(api.requireAPIKey)
	group.GET("/ca/certificate", api.handleCACertificate)
	group.GET("/ca/crl", api.handleCRL)
	group.POST("/ca/crl", api.handleRegenerateCRL)
	group.GET("/certificates/revoked", api.handleListRevoked)
	group.POST("/certificates/:serial/revoke", api.handleRevoke)
}

// requireAPIKey rejects requests whose X-API-Key header does not match
// the configured admin key.
func (a *API) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		presented := c.Request().Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.AdminAPIKey)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
		}
		return next(c)
	}
}

func (a *API) handleCACertificate(c echo.Context) error {
	cert := a.issuer.GetCACertificate()
	if cert == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "CA is not initialized")
	}
	return c.Blob(http.StatusOK, "application/x-pem-file", ca.EncodeCertificate(cert))
}

func (a *API) handleCRL(c echo.Context) error {
	crl, err := a.issuer.GetCRL(c.Request().Context())
	if err != nil {
		logger.Error("failed to load CRL", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load CRL")
	}
	if len(crl) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no CRL has been generated yet")
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", crl)
}

func (a *API) handleRegenerateCRL(c echo.Context) error {
	crl, err := a.issuer.GenerateCRL(c.Request().Context())
	if err != nil {
		logger.Error("failed to regenerate CRL", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to regenerate CRL")
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", crl)
}

type revokedCertView struct {
	SerialNumber string `json:"serialNumber"`
	AccountID    string `json:"accountId"`
	OrderID      string `json:"orderId"`
	RevokedAt    string `json:"revokedAt"`
	Reason       int    `json:"reason"`
}

func (a *API) handleListRevoked(c echo.Context) error {
	certs, err := a.store.ListRevokedCertificates(c.Request().Context())
	if err != nil {
		logger.Error("failed to list revoked certificates", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list revoked certificates")
	}
	views := make([]revokedCertView, 0, len(certs))
	for _, cert := range certs {
		views = append(views, revokedCertView{
			SerialNumber: cert.SerialNumber,
			AccountID:    cert.AccountID,
			OrderID:      cert.OrderID,
			RevokedAt:    cert.RevokedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Reason:       cert.RevocationReason,
		})
	}
	return c.JSON(http.StatusOK, views)
}

type adminRevokeRequest struct {
	Reason int `json:"reason"`
}

// handleRevoke revokes by serial with operator authority, bypassing
// ACME ownership checks.
func (a *API) handleRevoke(c echo.Context) error {
	serial := c.Param("serial")
	var req adminRevokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	certData, err := a.store.GetCertificateData(c.Request().Context(), serial)
	if err != nil {
		logger.Error("failed to load certificate", zap.String("serial", serial), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load certificate")
	}
	if certData == nil {
		return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
	}
	if certData.Revoked {
		return echo.NewHTTPError(http.StatusConflict, "certificate is already revoked")
	}

	if err := a.issuer.RevokeCertificate(c.Request().Context(), serial, req.Reason); err != nil {
		if errs.Is(err, errs.NotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "certificate not found")
		}
		logger.Error("failed to revoke certificate", zap.String("serial", serial), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke certificate")
	}
	logger.Info("certificate revoked by operator", zap.String("serial", serial))
	return c.NoContent(http.StatusOK)
}
