package csr

import (
	"encoding/hex"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/model"
	"github.com/blockadesystems/acmeforge/internal/profile"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "csr"))
}

// Result is the verdict of CSR validation. Expected adjudication
// failures are reported as data, never as an error to the caller.
type Result struct {
	OK      bool
	Problem *model.ProblemDetails
}

func failed(problem *model.ProblemDetails) Result {
	return Result{OK: false, Problem: problem}
}

// Engine matches finalize CSRs against order identifiers under the
// order's issuance profile.
type Engine struct {
	profiles profile.Provider
}

// NewEngine returns a CSR matching engine over the given profile
// provider.
func NewEngine(profiles profile.Provider) *Engine {
	return &Engine{profiles: profiles}
}

// matchContext tracks the used/valid flags the algorithm accumulates:
// one used flag per order identifier and expected key, one valid flag
// per SAN entry and CN value.
type matchContext struct {
	identifiers    []model.Identifier
	identifierUsed []bool

	expectedKeys    []string
	expectedKeyUsed []bool

	validSANValues []string
}

func newMatchContext(order *model.Order) *matchContext {
	ctx := &matchContext{
		identifiers:    order.Identifiers,
		identifierUsed: make([]bool, len(order.Identifiers)),
	}
	for _, authz := range order.Authorizations {
		if authz.ExpectedPublicKey != "" {
			ctx.expectedKeys = append(ctx.expectedKeys, authz.ExpectedPublicKey)
		}
	}
	ctx.expectedKeyUsed = make([]bool, len(ctx.expectedKeys))
	return ctx
}

// ValidateCSR decodes the order's CSR, verifies its self-signature and
// checks that its subject names cover exactly the order's identifiers,
// with profile policy deciding the fate of any additional names. It is
// called only for orders in ready status carrying a non-empty CSR.
//
// Any unexpected parse failure is converted into a generic badCSR
// verdict; this function never panics into its caller.
func (e *Engine) ValidateCSR(order *model.Order) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during CSR validation",
				zap.String("order_id", order.ID), zap.Any("panic", r))
			result = failed(model.BadCSRProblem("CSR could not be processed."))
		}
	}()

	pol, err := e.profiles.Get(order.Profile)
	if err != nil {
		logger.Error("unknown profile on order",
			zap.String("order_id", order.ID), zap.String("profile", order.Profile), zap.Error(err))
		return failed(model.ServerInternalProblem("Order profile is not configured."))
	}

	req, err := Decode(order.CSR)
	if err != nil {
		logger.Info("CSR rejected", zap.String("order_id", order.ID), zap.Error(err))
		return failed(model.BadCSRProblem("CSR could not be decoded or its signature is invalid."))
	}

	sans, err := SubjectAltNames(req)
	if err != nil {
		logger.Info("CSR SAN extension rejected", zap.String("order_id", order.ID), zap.Error(err))
		return failed(model.BadCSRProblem("CSR subjectAltName extension is malformed."))
	}

	ctx := newMatchContext(order)

	// Continuity binding: when any authorization pins an expected
	// public key, the CSR key must match exactly one of them.
	if len(ctx.expectedKeys) > 0 || pol.ExpectedKeyRequired {
		spki, err := PublicKeyInfo(req)
		if err != nil {
			return failed(model.BadCSRProblem("CSR public key could not be encoded."))
		}
		matched := false
		for i, expected := range ctx.expectedKeys {
			if expected == spki && !ctx.expectedKeyUsed[i] {
				ctx.expectedKeyUsed[i] = true
				matched = true
				break
			}
		}
		if !matched {
			return failed(model.BadPublicKeyProblem("CSR public key does not match the expected enrollment key."))
		}
	}

	for _, san := range sans {
		if e.matchSANToIdentifier(ctx, san) {
			ctx.validSANValues = append(ctx.validSANValues, sanStringForms(san)...)
			continue
		}
		if sanAllowedByPolicy(pol, san) {
			// Policy-approved extras are valid but mark no identifier
			// as used.
			ctx.validSANValues = append(ctx.validSANValues, sanStringForms(san)...)
			continue
		}
		return failed(model.BadCSRProblem("CSR contains a subject alternative name not covered by the order: %s.", san))
	}

	for _, cn := range CommonNames(req) {
		if e.matchCN(ctx, cn) {
			continue
		}
		return failed(model.BadCSRProblem("CSR common name %q matches neither an order identifier nor a valid SAN.", cn))
	}

	var missing *model.ProblemDetails
	for i, used := range ctx.identifierUsed {
		if !used {
			logger.Info("CSR omits an order identifier",
				zap.String("order_id", order.ID), zap.String("identifier", ctx.identifiers[i].String()))
			if missing == nil {
				missing = model.BadCSRProblem("Missing identifiers in CN or SAN.")
			}
			missing.AddSubproblem(
				model.BadCSRProblem("Identifier %s appears in neither the CN nor the SANs.", ctx.identifiers[i]).
					WithIdentifier(ctx.identifiers[i]))
		}
	}
	if missing != nil {
		return failed(missing)
	}

	return Result{OK: true}
}

// matchSANToIdentifier marks every order identifier the SAN entry
// covers and reports whether at least one matched.
func (e *Engine) matchSANToIdentifier(ctx *matchContext, san GeneralName) bool {
	matched := false
	for i, ident := range ctx.identifiers {
		if sanMatchesIdentifier(san, ident) {
			ctx.identifierUsed[i] = true
			matched = true
		}
	}
	return matched
}

func sanMatchesIdentifier(san GeneralName, ident model.Identifier) bool {
	switch san.Kind {
	case KindDNS:
		return ident.Type == model.IdentifierDNS && strings.EqualFold(san.DNS, ident.Value)
	case KindIP:
		if ident.Type != model.IdentifierIP {
			return false
		}
		identIP := net.ParseIP(ident.Value)
		return identIP != nil && identIP.Equal(san.IP)
	case KindEmail:
		return ident.Type == model.IdentifierEmail && strings.EqualFold(san.Email, ident.Value)
	case KindOtherName:
		switch san.Other.Kind {
		case OtherNamePermanentIdentifier:
			return ident.Type == model.IdentifierPermanentIdentifier &&
				san.Other.PermanentIdentifier.Value == ident.Value
		case OtherNameHardwareModule:
			return ident.Type == model.IdentifierHardwareModule &&
				strings.EqualFold(hex.EncodeToString(san.Other.HardwareModule.SerialNumber), ident.Value)
		}
	}
	return false
}

// sanAllowedByPolicy applies the profile's fallback rules to a SAN
// entry that matched no order identifier.
func sanAllowedByPolicy(pol *profile.Policy, san GeneralName) bool {
	switch san.Kind {
	case KindDNS:
		return pol.DNSNamePattern != nil && pol.DNSNamePattern.MatchString(san.DNS)
	case KindEmail:
		return pol.DNSNamePattern != nil && pol.DNSNamePattern.MatchString(san.Email)
	case KindURI:
		return pol.URIPattern != nil && pol.URIPattern.MatchString(san.URI)
	case KindIP:
		for _, network := range pol.AllowedNetworks {
			if network.Contains(san.IP) {
				return true
			}
		}
		return false
	case KindRegisteredID:
		return pol.IgnoresOtherName(san.RegisteredID.String())
	case KindOtherName:
		switch san.Other.Kind {
		case OtherNameUserPrincipal:
			return pol.UPNPattern != nil && pol.UPNPattern.MatchString(san.Other.UserPrincipalName)
		case OtherNameUnknown:
			return pol.IgnoresOtherName(san.Other.TypeID.String())
		default:
			// Typed otherNames that failed identifier matching may
			// still be on the ignore list.
			return pol.IgnoresOtherName(san.Other.TypeID.String())
		}
	}
	return false
}

// sanStringForms returns the comparable string renderings of a valid
// SAN entry, used by CN matching.
func sanStringForms(san GeneralName) []string {
	switch san.Kind {
	case KindDNS:
		return []string{strings.ToLower(san.DNS)}
	case KindIP:
		return []string{san.IP.String()}
	case KindEmail:
		return []string{strings.ToLower(san.Email)}
	case KindURI:
		return []string{san.URI}
	case KindOtherName:
		switch san.Other.Kind {
		case OtherNamePermanentIdentifier:
			return []string{san.Other.PermanentIdentifier.Value}
		case OtherNameUserPrincipal:
			return []string{san.Other.UserPrincipalName}
		}
	}
	return nil
}

// matchCN accepts a common name that matches an order identifier
// (marking it used) or any SAN value already deemed valid.
func (e *Engine) matchCN(ctx *matchContext, cn string) bool {
	cnIP := net.ParseIP(cn)
	matched := false
	for i, ident := range ctx.identifiers {
		switch ident.Type {
		case model.IdentifierDNS, model.IdentifierEmail:
			if strings.EqualFold(cn, ident.Value) {
				ctx.identifierUsed[i] = true
				matched = true
			}
		case model.IdentifierIP:
			if identIP := net.ParseIP(ident.Value); cnIP != nil && identIP != nil && identIP.Equal(cnIP) {
				ctx.identifierUsed[i] = true
				matched = true
			}
		case model.IdentifierPermanentIdentifier:
			if cn == ident.Value {
				ctx.identifierUsed[i] = true
				matched = true
			}
		}
	}
	if matched {
		return true
	}
	for _, valid := range ctx.validSANValues {
		if strings.EqualFold(cn, valid) {
			return true
		}
	}
	return false
}
