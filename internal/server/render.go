package server

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/model"
)

const problemContentType = "application/problem+json"

// --- Resource URLs ---

func (s *Server) directoryURL() string { return s.baseURL() + "/acme/directory" }
func (s *Server) accountURL(id string) string {
	return s.baseURL() + "/acme/account/" + id
}
func (s *Server) ordersURL(accountID string) string {
	return s.baseURL() + "/acme/account/" + accountID + "/orders"
}
func (s *Server) orderURL(id string) string    { return s.baseURL() + "/acme/order/" + id }
func (s *Server) finalizeURL(id string) string { return s.baseURL() + "/acme/finalize/" + id }
func (s *Server) authzURL(id string) string    { return s.baseURL() + "/acme/authz/" + id }
func (s *Server) challengeURL(id string) string {
	return s.baseURL() + "/acme/chall/" + id
}
func (s *Server) certificateURL(serial string) string {
	return s.baseURL() + "/acme/cert/" + serial
}

// --- Resource views ---

type accountView struct {
	Status  model.Status `json:"status"`
	Contact []string     `json:"contact,omitempty"`
	Orders  string       `json:"orders"`
}

func (s *Server) accountView(acc *model.Account) accountView {
	return accountView{
		Status:  acc.Status,
		Contact: acc.Contact,
		Orders:  s.ordersURL(acc.ID),
	}
}

type orderView struct {
	Status         model.Status          `json:"status"`
	Expires        time.Time             `json:"expires"`
	Identifiers    []model.Identifier    `json:"identifiers"`
	Profile        string                `json:"profile,omitempty"`
	NotBefore      *time.Time            `json:"notBefore,omitempty"`
	NotAfter       *time.Time            `json:"notAfter,omitempty"`
	Error          *model.ProblemDetails `json:"error,omitempty"`
	Authorizations []string              `json:"authorizations"`
	Finalize       string                `json:"finalize"`
	Certificate    string                `json:"certificate,omitempty"`
}

func (s *Server) orderView(order *model.Order) orderView {
	view := orderView{
		Status:         order.Status,
		Expires:        order.Expires,
		Identifiers:    order.Identifiers,
		Profile:        order.Profile,
		NotBefore:      order.NotBefore,
		NotAfter:       order.NotAfter,
		Error:          order.Error,
		Authorizations: make([]string, 0, len(order.Authorizations)),
		Finalize:       s.finalizeURL(order.ID),
	}
	for _, authz := range order.Authorizations {
		view.Authorizations = append(view.Authorizations, s.authzURL(authz.ID))
	}
	if order.CertificateSerial != "" {
		view.Certificate = s.certificateURL(order.CertificateSerial)
	}
	return view
}

type authorizationView struct {
	Identifier model.Identifier `json:"identifier"`
	Status     model.Status     `json:"status"`
	Expires    time.Time        `json:"expires"`
	Wildcard   bool             `json:"wildcard,omitempty"`
	Challenges []challengeView  `json:"challenges"`
}

func (s *Server) authorizationView(authz *model.Authorization) authorizationView {
	view := authorizationView{
		Identifier: authz.Identifier,
		Status:     authz.Status,
		Expires:    authz.Expires,
		Wildcard:   authz.Wildcard,
		Challenges: make([]challengeView, 0, len(authz.Challenges)),
	}
	for _, chal := range authz.Challenges {
		view.Challenges = append(view.Challenges, s.challengeView(chal))
	}
	return view
}

type challengeView struct {
	Type      model.ChallengeType   `json:"type"`
	URL       string                `json:"url"`
	Status    model.Status          `json:"status"`
	Token     string                `json:"token,omitempty"`
	Validated *time.Time            `json:"validated,omitempty"`
	Error     *model.ProblemDetails `json:"error,omitempty"`
	// IssuerDomains advertises the accepted issuers for dns-persist-01.
	IssuerDomains []string `json:"issuerDomains,omitempty"`
}

func (s *Server) challengeView(chal *model.Challenge) challengeView {
	return challengeView{
		Type:          chal.Type,
		URL:           s.challengeURL(chal.ID),
		Status:        chal.Status,
		Token:         chal.Token,
		Validated:     chal.Validated,
		Error:         chal.Error,
		IssuerDomains: chal.IssuerDomains,
	}
}

// --- Problem rendering ---

// problemFor maps any error to an ACME problem document. Problems pass
// through unchanged; service-layer errors are translated by kind.
func problemFor(err error) *model.ProblemDetails {
	var pd *model.ProblemDetails
	if errors.As(err, &pd) {
		return pd
	}
	switch errs.TypeOf(err) {
	case errs.Malformed:
		return model.MalformedProblem("%s", err.Error())
	case errs.NotFound:
		pd := model.MalformedProblem("%s", err.Error())
		pd.Status = 404
		return pd
	case errs.Conflict, errs.Concurrency:
		pd := model.MalformedProblem("%s", err.Error())
		pd.Status = 409
		return pd
	case errs.NotAllowed, errs.Unauthorized:
		return model.UnauthorizedProblem("%s", err.Error())
	default:
		return model.ServerInternalProblem("An internal error occurred.")
	}
}

// renderProblem writes err as an application/problem+json response.
func (s *Server) renderProblem(c echo.Context, err error) error {
	pd := problemFor(err)
	if pd.Status >= 500 {
		requestLogger(c).Error("request failed", zap.Error(err))
	}
	c.Response().Header().Set(echo.HeaderContentType, problemContentType)
	return c.JSON(pd.Status, pd)
}
