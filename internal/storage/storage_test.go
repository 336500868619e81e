package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmeforge/internal/errs"
	"github.com/blockadesystems/acmeforge/internal/model"
)

func TestMemoryAccountVersioning(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	acc := &model.Account{ID: "acct-1", PublicKeyJWK: `{"kty":"EC"}`, Status: model.StatusValid}
	require.NoError(t, store.SaveAccount(ctx, acc))
	assert.Equal(t, int64(1), acc.Version)

	// Duplicate insert conflicts.
	dup := &model.Account{ID: "acct-1", PublicKeyJWK: `{"kty":"EC"}`, Status: model.StatusValid}
	err := store.SaveAccount(ctx, dup)
	assert.True(t, errs.Is(err, errs.Conflict))

	// Two readers load version 1; only the first save wins.
	first, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	second, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)

	first.Status = model.StatusDeactivated
	require.NoError(t, store.SaveAccount(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Contact = []string{"mailto:x@example.com"}
	err = store.SaveAccount(ctx, second)
	assert.True(t, errs.Is(err, errs.Concurrency))

	// The winning write is visible.
	current, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeactivated, current.Status)
}

func TestMemoryGetAccountByKey(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, &model.Account{ID: "a1", PublicKeyJWK: "key-1", Status: model.StatusValid}))
	require.NoError(t, store.SaveAccount(ctx, &model.Account{ID: "a2", PublicKeyJWK: "key-2", Status: model.StatusValid}))

	acc, err := store.GetAccountByKey(ctx, "key-2")
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.Equal(t, "a2", acc.ID)

	acc, err = store.GetAccountByKey(ctx, "key-3")
	require.NoError(t, err)
	assert.Nil(t, acc)
}

func TestMemoryOrderRoundTrip(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	order := &model.Order{
		ID:        "ord-1",
		AccountID: "acct-1",
		Status:    model.StatusPending,
		Expires:   time.Now().Add(time.Hour),
		Identifiers: []model.Identifier{
			{Type: model.IdentifierDNS, Value: "a.example"},
		},
	}
	require.NoError(t, store.SaveOrder(ctx, order))

	got, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.Identifiers, got.Identifiers)
	assert.Equal(t, int64(1), got.Version)

	// Mutating the returned copy does not touch the store.
	got.Status = model.StatusInvalid
	again, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, again.Status)

	missing, err := store.GetOrder(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryOrderConcurrency(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	order := &model.Order{ID: "ord-1", AccountID: "acct-1", Status: model.StatusPending,
		Identifiers: []model.Identifier{{Type: model.IdentifierDNS, Value: "a.example"}}}
	require.NoError(t, store.SaveOrder(ctx, order))

	stale, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)

	order.Status = model.StatusInvalid
	require.NoError(t, store.SaveOrder(ctx, order))

	stale.Status = model.StatusReady
	err = store.SaveOrder(ctx, stale)
	assert.True(t, errs.Is(err, errs.Concurrency))
}

func TestMemoryAuthorizationAndChallenges(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	authz := &model.Authorization{
		ID: "az-1", AccountID: "acct-1", OrderID: "ord-1",
		Identifier: model.Identifier{Type: model.IdentifierDNS, Value: "a.example"},
		Status:     model.StatusPending,
		Expires:    time.Now().Add(time.Hour),
	}
	require.NoError(t, store.SaveAuthorization(ctx, authz))

	chals := []*model.Challenge{
		{ID: "ch-1", AuthorizationID: "az-1", Type: model.ChallengeTypeHTTP01, Status: model.StatusPending, Token: "t1"},
		{ID: "ch-2", AuthorizationID: "az-1", Type: model.ChallengeTypeDNS01, Status: model.StatusPending, Token: "t2"},
		{ID: "ch-3", AuthorizationID: "az-1", Type: model.ChallengeTypeTLSALPN01, Status: model.StatusPending, Token: "t3"},
	}
	for _, chal := range chals {
		require.NoError(t, store.SaveChallenge(ctx, chal))
	}

	loaded, err := store.GetChallengesByAuthorizationID(ctx, "az-1")
	require.NoError(t, err)
	assert.Len(t, loaded, 3)

	// Selecting ch-2 deletes its siblings.
	deleted, err := store.DeleteChallengesExcept(ctx, "az-1", "ch-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	loaded, err = store.GetChallengesByAuthorizationID(ctx, "az-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "ch-2", loaded[0].ID)
}

func TestMemoryChallengesInStatus(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	for i, status := range []model.Status{model.StatusPending, model.StatusProcessing, model.StatusProcessing} {
		chal := &model.Challenge{
			ID: string(rune('a' + i)), AuthorizationID: "az-1",
			Type: model.ChallengeTypeHTTP01, Status: status, Token: "t",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveChallenge(ctx, chal))
	}

	processing, err := store.GetChallengesInStatus(ctx, model.StatusProcessing, 10)
	require.NoError(t, err)
	assert.Len(t, processing, 2)

	limited, err := store.GetChallengesInStatus(ctx, model.StatusProcessing, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryNonces(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	nonce := &model.Nonce{Value: "n1", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.SaveNonce(ctx, nonce))

	got, err := store.ConsumeNonce(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// A nonce can be consumed once.
	got, err = store.ConsumeNonce(ctx, "n1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Expired nonces do not validate.
	expired := &model.Nonce{Value: "n2", IssuedAt: time.Now().Add(-2 * time.Minute), ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, store.SaveNonce(ctx, expired))
	got, err = store.ConsumeNonce(ctx, "n2")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: "n3", IssuedAt: time.Now().Add(-2 * time.Minute), ExpiresAt: time.Now().Add(-time.Minute)}))
	deleted, err := store.DeleteExpiredNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestMemoryCertificates(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	cert := &model.CertificateData{
		SerialNumber:   "01ab",
		CertificatePEM: "-----BEGIN CERTIFICATE-----",
		IssuedAt:       time.Now(),
		ExpiresAt:      time.Now().Add(90 * 24 * time.Hour),
		AccountID:      "acct-1",
		OrderID:        "ord-1",
	}
	require.NoError(t, store.SaveCertificateData(ctx, cert))

	got, err := store.GetCertificateData(ctx, "01ab")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Revoked)

	require.NoError(t, store.UpdateCertificateRevocation(ctx, "01ab", true, time.Now(), 1))
	got, err = store.GetCertificateData(ctx, "01ab")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, 1, got.RevocationReason)

	err = store.UpdateCertificateRevocation(ctx, "nope", true, time.Now(), 0)
	assert.True(t, errs.Is(err, errs.NotFound))
}
