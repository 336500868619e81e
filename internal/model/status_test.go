package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmeforge/internal/errs"
)

func TestOrderTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusReady, true},
		{StatusPending, StatusInvalid, true},
		{StatusPending, StatusProcessing, false},
		{StatusPending, StatusValid, false},
		{StatusReady, StatusProcessing, true},
		{StatusReady, StatusInvalid, true},
		{StatusReady, StatusValid, false},
		{StatusProcessing, StatusValid, true},
		{StatusProcessing, StatusInvalid, true},
		{StatusProcessing, StatusReady, false},
		{StatusValid, StatusInvalid, false},
		{StatusInvalid, StatusPending, false},
	}
	for _, tc := range cases {
		order := &Order{Status: tc.from}
		err := order.SetStatus(tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s should be legal", tc.from, tc.to)
			assert.Equal(t, tc.to, order.Status)
		} else {
			assert.Error(t, err, "%s -> %s should be rejected", tc.from, tc.to)
			assert.True(t, errs.Is(err, errs.Conflict), "expected a Conflict error")
			// Rejection must leave the stored status unchanged.
			assert.Equal(t, tc.from, order.Status)
		}
	}
}

func TestAuthorizationTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusValid, true},
		{StatusPending, StatusInvalid, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusDeactivated, false},
		{StatusValid, StatusRevoked, true},
		{StatusValid, StatusDeactivated, true},
		{StatusValid, StatusExpired, true},
		{StatusValid, StatusPending, false},
		{StatusInvalid, StatusValid, false},
		{StatusExpired, StatusValid, false},
	}
	for _, tc := range cases {
		authz := &Authorization{Status: tc.from}
		err := authz.SetStatus(tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s should be legal", tc.from, tc.to)
		} else {
			assert.True(t, errs.Is(err, errs.Conflict), "%s -> %s should be a Conflict", tc.from, tc.to)
			assert.Equal(t, tc.from, authz.Status)
		}
	}
}

func TestChallengeTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusValid, false},
		{StatusPending, StatusInvalid, false},
		// Retrying processing -> processing is legal so re-polling works.
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusValid, true},
		{StatusProcessing, StatusInvalid, true},
		{StatusValid, StatusInvalid, false},
		{StatusInvalid, StatusProcessing, false},
	}
	for _, tc := range cases {
		chal := &Challenge{Status: tc.from}
		err := chal.SetStatus(tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s should be legal", tc.from, tc.to)
		} else {
			assert.True(t, errs.Is(err, errs.Conflict), "%s -> %s should be a Conflict", tc.from, tc.to)
			assert.Equal(t, tc.from, chal.Status)
		}
	}
}

func TestRefreshStatusDerivation(t *testing.T) {
	newOrder := func(statuses ...Status) *Order {
		order := &Order{Status: StatusPending}
		for _, s := range statuses {
			order.Authorizations = append(order.Authorizations, &Authorization{Status: s})
		}
		return order
	}

	// Two pending authorizations: order stays pending.
	order := newOrder(StatusPending, StatusPending)
	require.NoError(t, order.RefreshStatus())
	assert.Equal(t, StatusPending, order.Status)

	// One valid, one pending: still pending.
	order = newOrder(StatusValid, StatusPending)
	require.NoError(t, order.RefreshStatus())
	assert.Equal(t, StatusPending, order.Status)

	// Both valid: ready.
	order = newOrder(StatusValid, StatusValid)
	require.NoError(t, order.RefreshStatus())
	assert.Equal(t, StatusReady, order.Status)

	// One invalid forces the order invalid regardless of the other.
	order = newOrder(StatusValid, StatusInvalid)
	require.NoError(t, order.RefreshStatus())
	assert.Equal(t, StatusInvalid, order.Status)

	for _, terminal := range []Status{StatusDeactivated, StatusExpired, StatusRevoked} {
		order = newOrder(StatusPending, terminal)
		require.NoError(t, order.RefreshStatus())
		assert.Equal(t, StatusInvalid, order.Status, "authz status %s must invalidate the order", terminal)
	}

	// Idempotent: refreshing again is a no-op.
	require.NoError(t, order.RefreshStatus())
	assert.Equal(t, StatusInvalid, order.Status)
}

func TestSelectChallenge(t *testing.T) {
	order := &Order{ID: "ord-1", AccountID: "acct-1", Status: StatusPending}
	ident, err := NewIdentifier(IdentifierDNS, "Example.COM")
	require.NoError(t, err)

	authz := order.NewAuthorization("authz-1", ident, time.Now().Add(time.Hour))
	assert.Equal(t, "example.com", authz.Identifier.Value)
	assert.Equal(t, "ord-1", authz.OrderID)
	assert.Equal(t, "acct-1", authz.AccountID)

	authz.NewChallenge("chal-1", ChallengeTypeHTTP01, "tok1")
	authz.NewChallenge("chal-2", ChallengeTypeDNS01, "tok2")
	require.Len(t, authz.Challenges, 2)

	chal, err := authz.SelectChallenge("chal-2")
	require.NoError(t, err)
	assert.Equal(t, ChallengeTypeDNS01, chal.Type)
	assert.Len(t, authz.Challenges, 1)

	_, err = authz.SelectChallenge("chal-1")
	assert.Error(t, err)
}

func TestWildcardAuthorization(t *testing.T) {
	order := &Order{ID: "ord-1", AccountID: "acct-1"}
	ident, err := NewIdentifier(IdentifierDNS, "*.example.com")
	require.NoError(t, err)

	authz := order.NewAuthorization("authz-1", ident, time.Now().Add(time.Hour))
	assert.True(t, authz.Wildcard)
	assert.Equal(t, "example.com", authz.Identifier.Value)
}
