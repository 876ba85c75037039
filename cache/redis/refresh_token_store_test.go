package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/fedauth/domain"
)

func setupStore(t *testing.T) *RefreshTokenStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := "fedauth-test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return NewRefreshTokenStore(client, prefix)
}

func record(accountID, hash string, expiresAt time.Time) *domain.RefreshTokenRecord {
	return &domain.RefreshTokenRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		TokenHash: hash,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt: expiresAt.UTC().Truncate(time.Millisecond),
	}
}

func TestRefreshTokenStore_InsertAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := record("acc-1", "hash-1", time.Now().Add(time.Hour))
	require.NoError(t, store.Insert(ctx, rec))

	got, err := store.GetByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "acc-1", got.AccountID)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	_, err = store.GetByHash(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrRefreshTokenNotFound)
}

func TestRefreshTokenStore_MarkRotated(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := record("acc-1", "hash-1", time.Now().Add(time.Hour))
	require.NoError(t, store.Insert(ctx, rec))

	now := time.Now().UTC()
	require.NoError(t, store.MarkRotated(ctx, rec.ID, now, "hash-2"))
	assert.ErrorIs(t, store.MarkRotated(ctx, rec.ID, now, "hash-3"), domain.ErrAlreadyRevoked)

	got, err := store.GetByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.WithinDuration(t, now, *got.RevokedAt, time.Millisecond)
	assert.Equal(t, "hash-2", got.ReplacedByTokenHash)

	assert.ErrorIs(t, store.MarkRotated(ctx, "missing", now, ""), domain.ErrRefreshTokenNotFound)
}

func TestRefreshTokenStore_RevokeAllAndDeleteExpired(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	a := record("acc-1", "h-a", now.Add(time.Hour))
	b := record("acc-1", "h-b", now.Add(time.Hour))
	c := record("acc-2", "h-c", now.Add(time.Hour))
	for _, r := range []*domain.RefreshTokenRecord{a, b, c} {
		require.NoError(t, store.Insert(ctx, r))
	}
	require.NoError(t, store.MarkRotated(ctx, a.ID, now, ""))

	n, err := store.RevokeAllForAccount(ctx, "acc-1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := store.GetByHash(ctx, "h-c")
	require.NoError(t, err)
	assert.Nil(t, got.RevokedAt)

	n, err = store.DeleteExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, err = store.GetByHash(ctx, "h-a")
	assert.ErrorIs(t, err, domain.ErrRefreshTokenNotFound)
}
