package validation

import (
	"context"
	"crypto/subtle"

	"github.com/blockadesystems/acmeforge/internal/keyauth"
	"github.com/blockadesystems/acmeforge/internal/model"
)

// dnsChallengeLabel prefixes the authorization's identifier for dns-01
// lookups.
const dnsChallengeLabel = "_acme-challenge."

// dns01Validator looks for the key authorization digest in TXT records
// under the challenge label.
type dns01Validator struct {
	resolver DNSResolver
}

var _ Validator = (*dns01Validator)(nil)

func (v *dns01Validator) Type() model.ChallengeType {
	return model.ChallengeTypeDNS01
}

func (v *dns01Validator) Validate(ctx context.Context, req *Request) Result {
	name := dnsChallengeLabel + req.Authorization.Identifier.Value
	values, err := v.resolver.LookupTXT(ctx, name)
	if err != nil {
		return invalid(model.DNSProblem("Looking up TXT records for %s: %s", name, err))
	}

	expected := keyauth.DigestB64(req.KeyAuthorization)
	for _, value := range values {
		if subtle.ConstantTimeCompare([]byte(value), []byte(expected)) == 1 {
			return valid()
		}
	}
	return invalid(model.IncorrectResponseProblem(
		"No TXT record at %s matched the key authorization digest (%d records found).", name, len(values)))
}
