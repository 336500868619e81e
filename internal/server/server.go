// Package server exposes the ACME protocol surface over HTTPS using
// echo: the directory, nonce, account, order, authorization, challenge,
// finalize, certificate and revocation endpoints, plus the public CRL.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/acme"
	"github.com/blockadesystems/acmeforge/internal/auth"
	"github.com/blockadesystems/acmeforge/internal/ca"
	"github.com/blockadesystems/acmeforge/internal/config"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "server"))
}

// Server carries the ACME HTTP surface and its dependencies.
type Server struct {
	cfg      *config.Config
	svc      acme.ACMEService
	verifier *auth.Verifier
	issuer   ca.CAService
	echo     *echo.Echo
}

// New builds the server and registers all routes.
func New(cfg *config.Config, svc acme.ACMEService, issuer ca.CAService) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		verifier: auth.NewVerifier(svc),
		issuer:   issuer,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set("logger", logger.With(zap.String("request_id", reqID)))
			return next(c)
		}
	})

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ACME Forge is running")
	})
	e.GET("/crl", s.handleCRL)

	acmeGroup := e.Group("/acme")
	acmeGroup.GET("/directory", s.handleDirectory)
	acmeGroup.HEAD("/new-nonce", s.handleNewNonce)
	acmeGroup.GET("/new-nonce", s.handleNewNonce)
	acmeGroup.POST("/new-account", s.handleNewAccount)
	acmeGroup.POST("/account/:accountID", s.handleAccount)
	acmeGroup.POST("/account/:accountID/orders", s.handleOrderList)
	acmeGroup.POST("/new-order", s.handleNewOrder)
	acmeGroup.POST("/order/:orderID", s.handleOrder)
	acmeGroup.POST("/authz/:authzID", s.handleAuthorization)
	acmeGroup.POST("/chall/:challengeID", s.handleChallenge)
	acmeGroup.POST("/finalize/:orderID", s.handleFinalize)
	acmeGroup.POST("/cert/:serial", s.handleCertificate)
	acmeGroup.POST("/revoke-cert", s.handleRevokeCertificate)

	s.echo = e
	return s
}

// Echo exposes the underlying router so the management API and tests
// can attach to it.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves HTTPS on the configured address until Shutdown.
func (s *Server) Start() error {
	logger.Info("acme server listening", zap.String("address", s.cfg.HTTPSAddress))
	err := s.echo.StartTLS(s.cfg.HTTPSAddress, s.cfg.HTTPSCertFile, s.cfg.HTTPSKeyFile)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger returns the per-request logger installed by the
// middleware, falling back to the package logger.
func requestLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l
	}
	return logger
}

// baseURL is the external base clients are configured with, without a
// trailing slash.
func (s *Server) baseURL() string {
	return strings.TrimRight(s.cfg.ExternalURL, "/")
}

// requestURL reconstructs the canonical outer URL of the request, which
// the JWS url header must match.
func (s *Server) requestURL(c echo.Context) string {
	return s.baseURL() + c.Request().URL.Path
}
