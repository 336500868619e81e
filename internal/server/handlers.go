package server

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/auth"
	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/model"
)

// prepareResponse sets the headers every ACME response carries: a fresh
// Replay-Nonce and a Link to the directory.
func (s *Server) prepareResponse(c echo.Context) error {
	nonce, err := s.svc.NewNonce(c.Request().Context())
	if err != nil {
		return err
	}
	c.Response().Header().Set("Replay-Nonce", nonce)
	c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"index\"", s.directoryURL()))
	return nil
}

// verifyPost authenticates the JWS envelope of a POST request and sets
// the standard response headers.
func (s *Server) verifyPost(c echo.Context) (*auth.Result, error) {
	if err := s.prepareResponse(c); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errs.MalformedError("failed to read request body: %v", err)
	}
	return s.verifier.VerifyRequest(c.Request().Context(), body, s.requestURL(c))
}

// --- Directory and nonces ---

func (s *Server) handleDirectory(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"newNonce":   s.baseURL() + "/acme/new-nonce",
		"newAccount": s.baseURL() + "/acme/new-account",
		"newOrder":   s.baseURL() + "/acme/new-order",
		"revokeCert": s.baseURL() + "/acme/revoke-cert",
		"meta": map[string]interface{}{
			"website": s.cfg.ExternalURL,
		},
	})
}

func (s *Server) handleNewNonce(c echo.Context) error {
	if err := s.prepareResponse(c); err != nil {
		return s.renderProblem(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Accounts ---

type newAccountRequest struct {
	Contact                []string        `json:"contact"`
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed"`
	OnlyReturnExisting     bool            `json:"onlyReturnExisting"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

func (s *Server) handleNewAccount(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	if result.Account != nil {
		return s.renderProblem(c, model.MalformedProblem("new-account requests must embed a JWK, not a kid."))
	}

	var req newAccountRequest
	if len(result.Payload) > 0 {
		if err := json.Unmarshal(result.Payload, &req); err != nil {
			return s.renderProblem(c, model.MalformedProblem("Request payload is not valid JSON."))
		}
	}
	ctx := c.Request().Context()

	existing, err := s.svc.GetAccountByKey(ctx, result.KeyJSON)
	if err != nil && !errs.Is(err, errs.NotFound) {
		return s.renderProblem(c, err)
	}
	if existing != nil {
		c.Response().Header().Set("Location", s.accountURL(existing.ID))
		return c.JSON(http.StatusOK, s.accountView(existing))
	}
	if req.OnlyReturnExisting {
		return s.renderProblem(c, model.AccountDoesNotExistProblem("No account exists for the given key."))
	}

	acc, err := s.svc.CreateAccount(ctx, result.KeyJSON, req.Contact, req.TermsOfServiceAgreed, req.ExternalAccountBinding)
	if err != nil {
		return s.renderProblem(c, err)
	}
	c.Response().Header().Set("Location", s.accountURL(acc.ID))
	return c.JSON(http.StatusCreated, s.accountView(acc))
}

type accountUpdateRequest struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
}

func (s *Server) handleAccount(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	if c.Param("accountID") != acc.ID {
		return s.renderProblem(c, model.UnauthorizedProblem("Request key does not own this account."))
	}

	if len(result.Payload) == 0 {
		return c.JSON(http.StatusOK, s.accountView(acc))
	}
	var req accountUpdateRequest
	if err := json.Unmarshal(result.Payload, &req); err != nil {
		return s.renderProblem(c, model.MalformedProblem("Request payload is not valid JSON."))
	}
	ctx := c.Request().Context()

	switch {
	case req.Status == string(model.StatusDeactivated):
		acc, err = s.svc.DeactivateAccount(ctx, acc)
	case req.Status != "":
		err = model.MalformedProblem("Accounts may only transition to deactivated.")
	case req.Contact != nil:
		acc, err = s.svc.UpdateAccount(ctx, acc, req.Contact)
	}
	if err != nil {
		return s.renderProblem(c, err)
	}
	return c.JSON(http.StatusOK, s.accountView(acc))
}

func (s *Server) handleOrderList(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	if c.Param("accountID") != acc.ID {
		return s.renderProblem(c, model.UnauthorizedProblem("Request key does not own this account."))
	}
	orders, err := s.svc.GetOrdersByAccount(c.Request().Context(), acc)
	if err != nil {
		return s.renderProblem(c, err)
	}
	urls := make([]string, 0, len(orders))
	for _, order := range orders {
		urls = append(urls, s.orderURL(order.ID))
	}
	return c.JSON(http.StatusOK, map[string][]string{"orders": urls})
}

// --- Orders ---

type newOrderRequest struct {
	Identifiers []model.Identifier `json:"identifiers"`
	NotBefore   string             `json:"notBefore,omitempty"`
	NotAfter    string             `json:"notAfter,omitempty"`
	Profile     string             `json:"profile,omitempty"`
}

func parseOrderTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, model.MalformedProblem("Timestamp %q is not RFC 3339.", value)
	}
	return &t, nil
}

func (s *Server) handleNewOrder(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	var req newOrderRequest
	if err := json.Unmarshal(result.Payload, &req); err != nil {
		return s.renderProblem(c, model.MalformedProblem("Request payload is not valid JSON."))
	}
	notBefore, err := parseOrderTime(req.NotBefore)
	if err != nil {
		return s.renderProblem(c, err)
	}
	notAfter, err := parseOrderTime(req.NotAfter)
	if err != nil {
		return s.renderProblem(c, err)
	}

	order, err := s.svc.CreateOrder(c.Request().Context(), acc, req.Profile, req.Identifiers, notBefore, notAfter)
	if err != nil {
		return s.renderProblem(c, err)
	}
	c.Response().Header().Set("Location", s.orderURL(order.ID))
	return c.JSON(http.StatusCreated, s.orderView(order))
}

func (s *Server) handleOrder(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	order, err := s.svc.GetOrder(c.Request().Context(), acc, c.Param("orderID"))
	if err != nil {
		return s.renderProblem(c, err)
	}
	if order.Status == model.StatusProcessing {
		c.Response().Header().Set("Retry-After", "3")
	}
	c.Response().Header().Set("Location", s.orderURL(order.ID))
	return c.JSON(http.StatusOK, s.orderView(order))
}

// --- Authorizations and challenges ---

func (s *Server) handleAuthorization(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	ctx := c.Request().Context()
	authzID := c.Param("authzID")

	if len(result.Payload) == 0 {
		authz, err := s.svc.GetAuthorization(ctx, acc, authzID)
		if err != nil {
			return s.renderProblem(c, err)
		}
		return c.JSON(http.StatusOK, s.authorizationView(authz))
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result.Payload, &req); err != nil {
		return s.renderProblem(c, model.MalformedProblem("Request payload is not valid JSON."))
	}
	if req.Status != string(model.StatusDeactivated) {
		return s.renderProblem(c, model.MalformedProblem("Authorizations may only transition to deactivated."))
	}
	authz, err := s.svc.DeactivateAuthorization(ctx, acc, authzID)
	if err != nil {
		return s.renderProblem(c, err)
	}
	return c.JSON(http.StatusOK, s.authorizationView(authz))
}

func (s *Server) handleChallenge(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	ctx := c.Request().Context()
	challengeID := c.Param("challengeID")

	var chal *model.Challenge
	if len(result.Payload) == 0 {
		chal, err = s.svc.GetChallenge(ctx, acc, challengeID)
	} else {
		chal, err = s.svc.RespondToChallenge(ctx, acc, challengeID, string(result.Payload))
	}
	if err != nil {
		return s.renderProblem(c, err)
	}
	c.Response().Header().Add("Link",
		fmt.Sprintf("<%s>;rel=\"up\"", s.authzURL(chal.AuthorizationID)))
	if chal.Status == model.StatusProcessing {
		c.Response().Header().Set("Retry-After", "3")
	}
	return c.JSON(http.StatusOK, s.challengeView(chal))
}

// --- Finalize and certificates ---

func (s *Server) handleFinalize(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(result.Payload, &req); err != nil {
		return s.renderProblem(c, model.MalformedProblem("Request payload is not valid JSON."))
	}
	order, err := s.svc.FinalizeOrder(c.Request().Context(), acc, c.Param("orderID"), req.CSR)
	if err != nil {
		return s.renderProblem(c, err)
	}
	if order.Status == model.StatusProcessing {
		c.Response().Header().Set("Retry-After", "3")
	}
	c.Response().Header().Set("Location", s.orderURL(order.ID))
	return c.JSON(http.StatusOK, s.orderView(order))
}

func (s *Server) handleCertificate(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	acc, err := result.RequireAccount()
	if err != nil {
		return s.renderProblem(c, err)
	}
	certData, err := s.svc.GetCertificate(c.Request().Context(), acc, c.Param("serial"))
	if err != nil {
		return s.renderProblem(c, err)
	}
	chain := certData.CertificatePEM + certData.ChainPEM
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(chain))
}

type revokeCertRequest struct {
	Certificate string `json:"certificate"` // base64url DER
	Reason      int    `json:"reason"`
}

func (s *Server) handleRevokeCertificate(c echo.Context) error {
	result, err := s.verifyPost(c)
	if err != nil {
		return s.renderProblem(c, err)
	}
	var req revokeCertRequest
	if err := json.Unmarshal(result.Payload, &req); err != nil {
		return s.renderProblem(c, model.MalformedProblem("Request payload is not valid JSON."))
	}
	der, err := base64.RawURLEncoding.DecodeString(req.Certificate)
	if err != nil {
		return s.renderProblem(c, model.MalformedProblem("Certificate is not valid base64url."))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return s.renderProblem(c, model.MalformedProblem("Certificate does not parse."))
	}
	serial := cert.SerialNumber.Text(16)
	ctx := c.Request().Context()

	if result.Account != nil {
		err = s.svc.RevokeCertificate(ctx, result.Account, serial, req.Reason)
	} else {
		err = s.svc.RevokeCertificateBySigner(ctx, result.Key, serial, req.Reason)
	}
	if err != nil {
		return s.renderProblem(c, err)
	}
	requestLogger(c).Info("certificate revoked via acme", zap.String("serial", serial))
	return c.NoContent(http.StatusOK)
}

// --- CRL ---

// handleCRL serves the current DER CRL. This is the target of the
// CRLDistributionPoints URL configured on issued certificates.
func (s *Server) handleCRL(c echo.Context) error {
	crl, err := s.issuer.GetCRL(c.Request().Context())
	if err != nil {
		return s.renderProblem(c, err)
	}
	if len(crl) == 0 {
		return s.renderProblem(c, errs.NotFoundError("no CRL has been generated yet"))
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", crl)
}
