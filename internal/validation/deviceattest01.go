package validation

import (
	"context"

	"github.com/blockadesystems/acmeforge/internal/attestation"
	"github.com/blockadesystems/acmeforge/internal/model"
)

// deviceAttest01Validator decodes the attestation envelope from the
// challenge payload and hands the attestation object to the verifier
// registered for its format.
type deviceAttest01Validator struct {
	registry *attestation.Registry
}

var _ Validator = (*deviceAttest01Validator)(nil)

func (v *deviceAttest01Validator) Type() model.ChallengeType {
	return model.ChallengeTypeDeviceAttest01
}

func (v *deviceAttest01Validator) Validate(ctx context.Context, req *Request) Result {
	if req.Challenge.Payload == "" {
		return invalid(model.BadAttestationProblem("Challenge has no attestation payload."))
	}
	obj, err := attestation.DecodePayload(req.Challenge.Payload)
	if err != nil {
		return invalid(model.BadAttestationProblem("Attestation object could not be decoded: %s", err))
	}
	if v.registry == nil {
		return invalid(model.BadAttestationProblem("No attestation verifiers are configured."))
	}
	err = v.registry.Verify(ctx, obj, &attestation.Request{
		Identifier:    req.Authorization.Identifier,
		KeyAuthDigest: req.Digest[:],
		AccountID:     req.Account.ID,
	})
	if err != nil {
		return invalid(model.BadAttestationProblem("Attestation verification failed: %s", err))
	}
	return valid()
}
