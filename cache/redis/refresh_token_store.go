package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/fedauth/domain"
)

// markRotatedScript revokes a record only if it is still unrevoked.
// Returns 1 on success, 0 if already revoked, -1 if the record is gone.
var markRotatedScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return -1
end
local rec = cjson.decode(raw)
if rec["revoked_at"] ~= nil and rec["revoked_at"] ~= cjson.null then
  return 0
end
rec["revoked_at"] = ARGV[1]
if ARGV[2] ~= "" then
  rec["replaced_by_token_hash"] = ARGV[2]
end
redis.call("SET", KEYS[1], cjson.encode(rec), "KEEPTTL")
return 1
`)

// RefreshTokenStore implements domain.RefreshTokenRepository on Redis. Each
// record lives under its own key with a TTL matching its expiry, next to a
// hash -> id index key and a per-account id set.
type RefreshTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRefreshTokenStore creates a new [RefreshTokenStore] instance
func NewRefreshTokenStore(client redis.UniversalClient, prefix string) *RefreshTokenStore {
	if prefix == "" {
		prefix = "fedauth"
	}
	return &RefreshTokenStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RefreshTokenStore) recordKey(id string) string {
	return fmt.Sprintf("%s:rt:%s", r.prefix, id)
}

func (r *RefreshTokenStore) hashKey(tokenHash string) string {
	return fmt.Sprintf("%s:rth:%s", r.prefix, tokenHash)
}

func (r *RefreshTokenStore) accountKey(accountID string) string {
	return fmt.Sprintf("%s:rta:%s", r.prefix, accountID)
}

func (r *RefreshTokenStore) Insert(ctx context.Context, record *domain.RefreshTokenRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token record: %w", err)
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(record.ID), payload, ttl)
		pipe.Set(ctx, r.hashKey(record.TokenHash), record.ID, ttl)
		pipe.SAdd(ctx, r.accountKey(record.AccountID), record.ID)
		// The set lives as long as its longest-lived member.
		pipe.ExpireNX(ctx, r.accountKey(record.AccountID), ttl)
		pipe.ExpireGT(ctx, r.accountKey(record.AccountID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store refresh token in Redis: %w", err)
	}
	return nil
}

func (r *RefreshTokenStore) get(ctx context.Context, id string) (*domain.RefreshTokenRecord, error) {
	raw, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token from Redis: %w", err)
	}
	var record domain.RefreshTokenRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token record: %w", err)
	}
	return &record, nil
}

func (r *RefreshTokenStore) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	id, err := r.client.Get(ctx, r.hashKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token index from Redis: %w", err)
	}
	return r.get(ctx, id)
}

func (r *RefreshTokenStore) markRotated(ctx context.Context, id string, revokedAt time.Time, replacedByHash string) (int64, error) {
	return markRotatedScript.Run(ctx, r.client,
		[]string{r.recordKey(id)},
		revokedAt.UTC().Format(time.RFC3339Nano), replacedByHash,
	).Int64()
}

func (r *RefreshTokenStore) MarkRotated(ctx context.Context, id string, revokedAt time.Time, replacedByHash string) error {
	res, err := r.markRotated(ctx, id, revokedAt, replacedByHash)
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token in Redis: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrAlreadyRevoked
	default:
		return domain.ErrRefreshTokenNotFound
	}
}

func (r *RefreshTokenStore) RevokeAllForAccount(ctx context.Context, accountID string, revokedAt time.Time) (int64, error) {
	key := r.accountKey(accountID)
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list account refresh tokens: %w", err)
	}

	var revoked int64
	for _, id := range ids {
		res, err := r.markRotated(ctx, id, revokedAt, "")
		if err != nil {
			return revoked, fmt.Errorf("failed to revoke refresh token %s: %w", id, err)
		}
		switch res {
		case 1:
			revoked++
		case -1:
			// Record expired; drop the stale set member.
			r.client.SRem(ctx, key, id)
		}
	}
	return revoked, nil
}

// DeleteExpired removes records that expired before the given time. Redis
// expires keys on its own; this catches records whose expiry is earlier than
// their key TTL suggests, such as records written with a skewed clock.
func (r *RefreshTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	var cursor uint64
	pattern := r.recordKey("*")

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan refresh tokens: %w", err)
		}

		for _, key := range keys {
			raw, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // Key might have been deleted in the meantime
			} else if err != nil {
				return deleted, fmt.Errorf("failed to get refresh token %s: %w", key, err)
			}

			var record domain.RefreshTokenRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Skipping undecodable refresh token record")
				continue
			}
			if !record.ExpiresAt.Before(before) {
				continue
			}

			_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key, r.hashKey(record.TokenHash))
				pipe.SRem(ctx, r.accountKey(record.AccountID), record.ID)
				return nil
			})
			if err != nil {
				return deleted, fmt.Errorf("failed to delete refresh token %s: %w", key, err)
			}
			deleted++
		}

		cursor = next
		if cursor == 0 {
			break // No more keys to scan
		}
	}

	return deleted, nil
}

var _ domain.RefreshTokenRepository = (*RefreshTokenStore)(nil)
