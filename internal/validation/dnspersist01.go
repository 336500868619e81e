package validation

import (
	"context"
	"strconv"
	"strings"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmeforge/internal/model"
)

// persistChallengeLabel prefixes the identifier (and its parent
// domain) for dns-persist-01 lookups.
const persistChallengeLabel = "_validation-persist."

// persistRecord is one parsed dns-persist-01 TXT value:
// "<issuer>;key=value;..." with case-insensitive parameter keys.
type persistRecord struct {
	issuer string
	params map[string]string
}

func parsePersistRecord(value string) (*persistRecord, bool) {
	parts := strings.Split(value, ";")
	issuer := strings.TrimSpace(parts[0])
	if issuer == "" {
		return nil, false
	}
	rec := &persistRecord{issuer: issuer, params: make(map[string]string)}
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, false
		}
		rec.params[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}
	return rec, true
}

// dnsPersist01Validator matches long-lived authorization records
// published under _validation-persist labels. Records carrying an
// expired persistUntil timestamp are skipped.
type dnsPersist01Validator struct {
	resolver DNSResolver
	clk      clock.Clock
}

var _ Validator = (*dnsPersist01Validator)(nil)

func (v *dnsPersist01Validator) Type() model.ChallengeType {
	return model.ChallengeTypeDNSPersist01
}

func (v *dnsPersist01Validator) Validate(ctx context.Context, req *Request) Result {
	value := req.Authorization.Identifier.Value

	// The identifier's own label, plus the same label under the
	// immediate parent domain when there is one to delegate to.
	type lookup struct {
		name   string
		parent bool
	}
	lookups := []lookup{{name: persistChallengeLabel + value}}
	if strings.Count(value, ".") > 1 {
		_, parentDomain, _ := strings.Cut(value, ".")
		lookups = append(lookups, lookup{name: persistChallengeLabel + parentDomain, parent: true})
	}

	var lookupErr error
	checked := 0
	for _, lu := range lookups {
		values, err := v.resolver.LookupTXT(ctx, lu.name)
		if err != nil {
			lookupErr = err
			continue
		}
		for _, txt := range values {
			rec, ok := parsePersistRecord(txt)
			if !ok {
				continue
			}
			checked++
			if v.recordAuthorizes(rec, req, lu.parent) {
				return valid()
			}
		}
	}

	if checked == 0 && lookupErr != nil {
		return invalid(model.DNSProblem(
			"Looking up persistent validation records for %s: %s", value, lookupErr))
	}
	return invalid(model.IncorrectResponseProblem(
		"No persistent validation record authorizes %s for this account (%d records checked).", value, checked))
}

func (v *dnsPersist01Validator) recordAuthorizes(rec *persistRecord, req *Request, fromParent bool) bool {
	issuerOK := false
	for _, issuer := range req.Challenge.IssuerDomains {
		if strings.EqualFold(rec.issuer, issuer) {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return false
	}

	if until, ok := rec.params["persistuntil"]; ok {
		ts, err := strconv.ParseInt(until, 10, 64)
		if err != nil {
			return false
		}
		if v.clk.Now().Unix() > ts {
			logger.Debug("skipping expired persistent validation record",
				zap.String("issuer", rec.issuer), zap.Int64("persist_until", ts))
			return false
		}
	}

	accountURI, ok := rec.params["accounturi"]
	if !ok {
		return false
	}
	segments := strings.Split(strings.TrimSuffix(accountURI, "/"), "/")
	if segments[len(segments)-1] != req.Account.ID {
		return false
	}

	// A wildcard identifier, or a record found only on the parent
	// domain, needs the record to opt in to wildcard coverage.
	if req.Authorization.Wildcard || fromParent {
		if !strings.EqualFold(rec.params["policy"], "wildcard") {
			return false
		}
	}
	return true
}
