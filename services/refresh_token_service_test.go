package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/fedauth/cache"
	"go.pilab.hu/fedauth/domain"
	serrors "go.pilab.hu/fedauth/errors"
	"go.pilab.hu/fedauth/internal/crypto"
	"go.pilab.hu/fedauth/internal/metrics"
)

func newRefreshTokens(t *testing.T, clock *testClock, revokeOnReuse bool) (*RefreshTokenService, *cache.MemoryRefreshTokenStore) {
	t.Helper()
	store := cache.NewMemoryRefreshTokenStore(clock.Now)
	t.Cleanup(func() { _ = store.Close() })
	return NewRefreshTokenService(store, RefreshTokenConfig{RevokeOnReuse: revokeOnReuse, Now: clock.Now}), store
}

func TestRefreshTokenCreate(t *testing.T) {
	clock := newTestClock()
	svc, store := newRefreshTokens(t, clock, true)
	ctx := context.Background()

	token, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, token, 43, "32 bytes, base64url without padding")

	record, err := store.GetByHash(ctx, crypto.HashToken(token))
	require.NoError(t, err)
	assert.Equal(t, "acc-1", record.AccountID)
	assert.NotEqual(t, token, record.TokenHash)
	assert.Equal(t, clock.now.Add(DefaultRefreshTokenLifetime), record.ExpiresAt)
	assert.True(t, record.Usable(clock.now))

	other, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestRefreshTokenRotation(t *testing.T) {
	clock := newTestClock()
	svc, store := newRefreshTokens(t, clock, false)
	ctx := context.Background()

	original, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)

	accountID, second, err := svc.ValidateAndRotate(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", accountID)
	assert.NotEqual(t, original, second)

	old, err := store.GetByHash(ctx, crypto.HashToken(original))
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	assert.Equal(t, crypto.HashToken(second), old.ReplacedByTokenHash)

	_, _, err = svc.ValidateAndRotate(ctx, original)
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken, "first token is single use")

	accountID, third, err := svc.ValidateAndRotate(ctx, second)
	require.NoError(t, err, "successor is usable")
	assert.Equal(t, "acc-1", accountID)

	_, _, err = svc.ValidateAndRotate(ctx, second)
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken, "successor is single use too")

	_, _, err = svc.ValidateAndRotate(ctx, third)
	assert.NoError(t, err, "reuse without family revocation leaves the chain head alive")
}

func TestRefreshTokenReuseRevokesFamily(t *testing.T) {
	clock := newTestClock()
	svc, _ := newRefreshTokens(t, clock, true)
	ctx := context.Background()

	original, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)
	otherDevice, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)
	otherAccount, err := svc.Create(ctx, "acc-2")
	require.NoError(t, err)

	_, rotated, err := svc.ValidateAndRotate(ctx, original)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.RefreshReuseDetectedTotal)
	_, _, err = svc.ValidateAndRotate(ctx, original)
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RefreshReuseDetectedTotal))

	for _, tok := range []string{rotated, otherDevice} {
		_, _, err = svc.ValidateAndRotate(ctx, tok)
		assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken)
	}
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RefreshReuseDetectedTotal),
		"tokens revoked with the family are not replays themselves")
	_, _, err = svc.ValidateAndRotate(ctx, otherAccount)
	assert.NoError(t, err)
}

func TestRefreshTokenLoggedOutTokenKeepsOtherSessions(t *testing.T) {
	clock := newTestClock()
	svc, _ := newRefreshTokens(t, clock, true)
	ctx := context.Background()

	deviceA, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)
	deviceB, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, deviceA))

	before := testutil.ToFloat64(metrics.RefreshReuseDetectedTotal)
	_, _, err = svc.ValidateAndRotate(ctx, deviceA)
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken)
	assert.Equal(t, before, testutil.ToFloat64(metrics.RefreshReuseDetectedTotal))

	accountID, _, err := svc.ValidateAndRotate(ctx, deviceB)
	require.NoError(t, err, "a stale retry after logout must not end other sessions")
	assert.Equal(t, "acc-1", accountID)
}

// failingInsertStore fails the next Insert after failNext is set.
type failingInsertStore struct {
	*cache.MemoryRefreshTokenStore
	failNext bool
}

func (s *failingInsertStore) Insert(ctx context.Context, record *domain.RefreshTokenRecord) error {
	if s.failNext {
		s.failNext = false
		return errors.New("write failed")
	}
	return s.MemoryRefreshTokenStore.Insert(ctx, record)
}

func TestRefreshTokenFailedSuccessorWriteKeepsToken(t *testing.T) {
	clock := newTestClock()
	mem := cache.NewMemoryRefreshTokenStore(clock.Now)
	t.Cleanup(func() { _ = mem.Close() })
	store := &failingInsertStore{MemoryRefreshTokenStore: mem}
	svc := NewRefreshTokenService(store, RefreshTokenConfig{RevokeOnReuse: true, Now: clock.Now})
	ctx := context.Background()

	token, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)

	store.failNext = true
	_, _, err = svc.ValidateAndRotate(ctx, token)
	assert.ErrorIs(t, err, serrors.ErrInternal)

	record, err := mem.GetByHash(ctx, crypto.HashToken(token))
	require.NoError(t, err)
	assert.Nil(t, record.RevokedAt)

	accountID, next, err := svc.ValidateAndRotate(ctx, token)
	require.NoError(t, err, "the presented token survives a failed rotation")
	assert.Equal(t, "acc-1", accountID)
	assert.NotEmpty(t, next)
}

func TestRefreshTokenRejections(t *testing.T) {
	clock := newTestClock()
	svc, _ := newRefreshTokens(t, clock, true)
	ctx := context.Background()

	_, _, err := svc.ValidateAndRotate(ctx, "")
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken)

	_, _, err = svc.ValidateAndRotate(ctx, "never-issued")
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken)

	token, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)
	clock.Advance(DefaultRefreshTokenLifetime)
	_, _, err = svc.ValidateAndRotate(ctx, token)
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken, "expired at exactly expires-at")
}

func TestRefreshTokenLostRace(t *testing.T) {
	clock := newTestClock()
	repo := &mockRefreshTokens{}
	record := &domain.RefreshTokenRecord{ID: "r1", AccountID: "acc-1", ExpiresAt: clock.now.Add(time.Hour)}

	var successor *domain.RefreshTokenRecord
	repo.On("GetByHash", mock.Anything, crypto.HashToken("tok")).Return(record, nil)
	repo.On("Insert", mock.Anything, mock.AnythingOfType("*domain.RefreshTokenRecord")).
		Run(func(args mock.Arguments) { successor = args.Get(1).(*domain.RefreshTokenRecord) }).
		Return(nil)
	repo.On("MarkRotated", mock.Anything, "r1", mock.Anything, mock.Anything).Return(domain.ErrAlreadyRevoked)
	repo.On("MarkRotated", mock.Anything, mock.MatchedBy(func(id string) bool { return id != "r1" }), mock.Anything, "").Return(nil)

	svc := NewRefreshTokenService(repo, RefreshTokenConfig{Now: clock.Now})
	_, _, err := svc.ValidateAndRotate(context.Background(), "tok")
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken)

	require.NotNil(t, successor)
	repo.AssertCalled(t, "MarkRotated", mock.Anything, successor.ID, mock.Anything, "")
}

func TestRefreshTokenStoreFailureIsInternal(t *testing.T) {
	repo := &mockRefreshTokens{}
	repo.On("GetByHash", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	svc := NewRefreshTokenService(repo, RefreshTokenConfig{})
	_, _, err := svc.ValidateAndRotate(context.Background(), "tok")
	assert.ErrorIs(t, err, serrors.ErrInternal)
	assert.NotErrorIs(t, err, serrors.ErrInvalidRefreshToken)
}

func TestRefreshTokenRevoke(t *testing.T) {
	clock := newTestClock()
	svc, _ := newRefreshTokens(t, clock, true)
	ctx := context.Background()

	token, err := svc.Create(ctx, "acc-1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, token))
	require.NoError(t, svc.Revoke(ctx, token), "idempotent")
	require.NoError(t, svc.Revoke(ctx, "unknown"))
	require.NoError(t, svc.Revoke(ctx, ""))

	_, _, err = svc.ValidateAndRotate(ctx, token)
	assert.ErrorIs(t, err, serrors.ErrInvalidRefreshToken)
}

func TestRefreshTokenRevokeAllAndSweep(t *testing.T) {
	clock := newTestClock()
	svc, store := newRefreshTokens(t, clock, true)
	ctx := context.Background()

	for range 3 {
		_, err := svc.Create(ctx, "acc-1")
		require.NoError(t, err)
	}
	n, err := svc.RevokeAll(ctx, "acc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	clock.Advance(DefaultRefreshTokenLifetime + time.Hour)
	n, err = svc.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Zero(t, store.Count())
}
