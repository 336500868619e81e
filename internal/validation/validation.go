// Package validation implements the challenge validation engine: one
// validator per challenge type behind a common interface, a shared
// pre-check pipeline, and a factory keyed by challenge type.
package validation

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/attestation"
	"github.com/blockadesystems/acmeforge/internal/keyauth"
	"github.com/blockadesystems/acmeforge/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "validation"))
}

// Result is the outcome of one validation attempt. Outcome is always
// StatusValid or StatusInvalid; expected mismatches and transport
// failures are reported as data, never as engine errors.
type Result struct {
	Outcome model.Status
	Problem *model.ProblemDetails
}

func valid() Result {
	return Result{Outcome: model.StatusValid}
}

func invalid(problem *model.ProblemDetails) Result {
	return Result{Outcome: model.StatusInvalid, Problem: problem}
}

// Request is the material a type-specific validator works with. The
// engine computes the key authorization once and shares it.
type Request struct {
	Account       *model.Account
	Authorization *model.Authorization
	Challenge     *model.Challenge

	// KeyAuthorization is token + "." + thumbprint for the account key.
	KeyAuthorization string
	// Digest is SHA-256 of KeyAuthorization.
	Digest [sha256.Size]byte
}

// Validator adjudicates one challenge type.
type Validator interface {
	Type() model.ChallengeType
	Validate(ctx context.Context, req *Request) Result
}

const (
	defaultTimeout  = 10 * time.Second
	defaultHTTPPort = 80
	defaultTLSPort  = 443
)

// Options configures an Engine. Zero values select production
// defaults; tests override ports, resolver and clock.
type Options struct {
	Resolver     DNSResolver
	HTTPClient   *http.Client
	Attestations *attestation.Registry
	Clock        clock.Clock
	Registerer   prometheus.Registerer

	Timeout  time.Duration
	HTTPPort int
	TLSPort  int
}

// Engine runs challenge validations: common pre-checks, key
// authorization derivation, then dispatch to the validator for the
// challenge's type.
type Engine struct {
	validators map[model.ChallengeType]Validator
	clk        clock.Clock
	metrics    *engineMetrics
}

// NewEngine wires one validator per supported challenge type.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPPort == 0 {
		opts.HTTPPort = defaultHTTPPort
	}
	if opts.TLSPort == 0 {
		opts.TLSPort = defaultTLSPort
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: opts.Timeout,
			// Redirects are not followed; a redirect response fails the
			// status check below.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	e := &Engine{
		clk:     opts.Clock,
		metrics: newEngineMetrics(opts.Registerer),
	}
	e.validators = map[model.ChallengeType]Validator{
		model.ChallengeTypeHTTP01: &http01Validator{
			client: opts.HTTPClient,
			port:   opts.HTTPPort,
		},
		model.ChallengeTypeDNS01: &dns01Validator{
			resolver: opts.Resolver,
		},
		model.ChallengeTypeTLSALPN01: &tlsalpn01Validator{
			port:    opts.TLSPort,
			timeout: opts.Timeout,
		},
		model.ChallengeTypeDNSPersist01: &dnsPersist01Validator{
			resolver: opts.Resolver,
			clk:      opts.Clock,
		},
		model.ChallengeTypeDeviceAttest01: &deviceAttest01Validator{
			registry: opts.Attestations,
		},
	}
	return e
}

// GetValidator returns the validator for a challenge type. An unknown
// type is a configuration error, not a client-facing one.
func (e *Engine) GetValidator(typ model.ChallengeType) (Validator, error) {
	v, ok := e.validators[typ]
	if !ok {
		return nil, fmt.Errorf("validation: no validator for challenge type %q", typ)
	}
	return v, nil
}

// Validate runs the common pre-checks and the type-specific validator
// for the challenge. Pre-checks are side-effecting: an expired
// authorization or order is transitioned in place, and the caller is
// responsible for persisting those entities along with the challenge.
func (e *Engine) Validate(ctx context.Context, account *model.Account, order *model.Order, authz *model.Authorization, chal *model.Challenge) Result {
	start := e.clk.Now()
	result := e.validate(ctx, account, order, authz, chal)
	e.metrics.observe(chal.Type, result, e.clk.Since(start))

	fields := []zap.Field{
		zap.String("challenge_id", chal.ID),
		zap.String("type", string(chal.Type)),
		zap.String("identifier", authz.Identifier.String()),
		zap.String("outcome", string(result.Outcome)),
	}
	if result.Problem != nil {
		fields = append(fields, zap.String("problem", string(result.Problem.Type)))
	}
	logger.Info("challenge validation finished", fields...)
	return result
}

func (e *Engine) validate(ctx context.Context, account *model.Account, order *model.Order, authz *model.Authorization, chal *model.Challenge) Result {
	now := e.clk.Now()

	if account.Status != model.StatusValid {
		return invalid(model.UnauthorizedProblem(
			"Account %s is %s; only valid accounts may validate challenges.", account.ID, account.Status))
	}
	if now.After(authz.Expires) {
		// Validating an expired authorization expires it.
		if err := authz.SetStatus(model.StatusExpired); err != nil {
			logger.Warn("could not expire authorization",
				zap.String("authorization_id", authz.ID), zap.Error(err))
		}
		return invalid(model.AuthExpiredProblem("Authorization %s expired %s.", authz.ID, authz.Expires.Format(time.RFC3339)))
	}
	if order != nil && now.After(order.Expires) {
		if err := order.SetStatus(model.StatusInvalid); err != nil {
			logger.Warn("could not invalidate expired order",
				zap.String("order_id", order.ID), zap.Error(err))
		}
		return invalid(model.OrderExpiredProblem("Order %s expired %s.", order.ID, order.Expires.Format(time.RFC3339)))
	}

	key, err := keyauth.ParseAccountKey(account.PublicKeyJWK)
	if err != nil {
		logger.Error("stored account key failed to parse",
			zap.String("account_id", account.ID), zap.Error(err))
		return invalid(model.ServerInternalProblem("Account key could not be processed."))
	}
	ka, err := keyauth.KeyAuthorization(chal.Token, key)
	if err != nil {
		return invalid(model.ServerInternalProblem("Key authorization could not be computed."))
	}

	v, err := e.GetValidator(chal.Type)
	if err != nil {
		logger.Error("challenge carries an unsupported type",
			zap.String("challenge_id", chal.ID), zap.Error(err))
		return invalid(model.ServerInternalProblem("Challenge type is not supported by this server."))
	}

	return v.Validate(ctx, &Request{
		Account:          account,
		Authorization:    authz,
		Challenge:        chal,
		KeyAuthorization: ka,
		Digest:           keyauth.Digest(ka),
	})
}
