package model

import (
	"github.com/blockadesystems/acmeforge/internal/errs"
)

// Status is an ACME resource status (RFC 8555 section 7.1.6).
type Status string

const (
	StatusPending     Status = "pending"
	StatusReady       Status = "ready"
	StatusProcessing  Status = "processing"
	StatusValid       Status = "valid"
	StatusInvalid     Status = "invalid"
	StatusExpired     Status = "expired"
	StatusDeactivated Status = "deactivated"
	StatusRevoked     Status = "revoked"
)

// The transition tables below are the single source of truth for legal
// status changes. They are never mutated after package init, so they
// are safe for concurrent readers.
var (
	orderTransitions = map[Status][]Status{
		StatusPending:    {StatusReady, StatusInvalid},
		StatusReady:      {StatusProcessing, StatusInvalid},
		StatusProcessing: {StatusValid, StatusInvalid},
	}

	authorizationTransitions = map[Status][]Status{
		StatusPending: {StatusInvalid, StatusExpired, StatusValid},
		StatusValid:   {StatusRevoked, StatusDeactivated, StatusExpired},
	}

	challengeTransitions = map[Status][]Status{
		StatusPending: {StatusProcessing},
		// processing -> processing is legal so a challenge can be
		// re-polled while the client retries.
		StatusProcessing: {StatusProcessing, StatusInvalid, StatusValid},
	}
)

// transition looks next up in the table for current and returns a
// Conflict error when the move is not allowed. The caller's stored
// status is left untouched on rejection.
func transition(entity string, table map[Status][]Status, current, next Status) error {
	allowed, ok := table[current]
	if !ok {
		return errs.ConflictError("%s status %q is terminal", entity, current)
	}
	for _, s := range allowed {
		if s == next {
			return nil
		}
	}
	return errs.ConflictError("%s cannot move from %q to %q", entity, current, next)
}

// SetStatus moves the order to next if the transition table allows it.
func (o *Order) SetStatus(next Status) error {
	if err := transition("order", orderTransitions, o.Status, next); err != nil {
		return err
	}
	o.Status = next
	return nil
}

// SetStatus moves the authorization to next if the transition table
// allows it.
func (a *Authorization) SetStatus(next Status) error {
	if err := transition("authorization", authorizationTransitions, a.Status, next); err != nil {
		return err
	}
	a.Status = next
	return nil
}

// SetStatus moves the challenge to next if the transition table allows
// it.
func (c *Challenge) SetStatus(next Status) error {
	if err := transition("challenge", challengeTransitions, c.Status, next); err != nil {
		return err
	}
	c.Status = next
	return nil
}

// terminallyInvalidAuthz reports whether an authorization status can
// never become valid again.
func terminallyInvalidAuthz(s Status) bool {
	switch s {
	case StatusInvalid, StatusDeactivated, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// RefreshStatus derives the order status from its authorizations: if
// any authorization is terminally invalid the order becomes invalid; if
// all are valid a pending order becomes ready. The derivation is
// idempotent and requires Authorizations to be loaded.
func (o *Order) RefreshStatus() error {
	switch o.Status {
	case StatusPending, StatusReady, StatusProcessing:
	default:
		return nil
	}

	allValid := len(o.Authorizations) > 0
	for _, authz := range o.Authorizations {
		if terminallyInvalidAuthz(authz.Status) {
			return o.SetStatus(StatusInvalid)
		}
		if authz.Status != StatusValid {
			allValid = false
		}
	}
	if allValid && o.Status == StatusPending {
		return o.SetStatus(StatusReady)
	}
	return nil
}
