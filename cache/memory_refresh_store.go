package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.pilab.hu/fedauth/domain"
)

// MemoryRefreshTokenStore implements domain.RefreshTokenRepository using
// ttlcache. Records are evicted once they expire. It suits tests and
// single-instance deployments.
type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, domain.RefreshTokenRecord]
	byHash map[string]string
	now    func() time.Time

	stopEviction func()
}

// NewMemoryRefreshTokenStore creates a store with automatic cleanup. Passing
// nil for now uses time.Now.
func NewMemoryRefreshTokenStore(now func() time.Time) *MemoryRefreshTokenStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryRefreshTokenStore{
		cache: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, domain.RefreshTokenRecord](),
		),
		byHash: make(map[string]string),
		now:    now,
	}
	s.stopEviction = s.cache.OnEviction(s.unindex)
	// Start the cleanup process
	go s.cache.Start()

	return s
}

func (s *MemoryRefreshTokenStore) Insert(_ context.Context, record *domain.RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := record.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	s.byHash[record.TokenHash] = record.ID
	s.cache.Set(record.ID, *record, ttl)
	return nil
}

func (s *MemoryRefreshTokenStore) GetByHash(_ context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, domain.ErrRefreshTokenNotFound
	}
	item := s.cache.Get(id)
	if item == nil {
		delete(s.byHash, tokenHash)
		return nil, domain.ErrRefreshTokenNotFound
	}
	record := item.Value()
	return &record, nil
}

func (s *MemoryRefreshTokenStore) MarkRotated(_ context.Context, id string, revokedAt time.Time, replacedByHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(id)
	if item == nil {
		return domain.ErrRefreshTokenNotFound
	}
	record := item.Value()
	if record.RevokedAt != nil {
		return domain.ErrAlreadyRevoked
	}
	record.RevokedAt = &revokedAt
	record.ReplacedByTokenHash = replacedByHash
	s.cache.Set(id, record, remaining(item))
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeAllForAccount(_ context.Context, accountID string, revokedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, item := range s.cache.Items() {
		record := item.Value()
		if record.AccountID != accountID || record.RevokedAt != nil {
			continue
		}
		record.RevokedAt = &revokedAt
		s.cache.Set(id, record, remaining(item))
		n++
	}
	return n, nil
}

func (s *MemoryRefreshTokenStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, item := range s.cache.Items() {
		record := item.Value()
		if record.ExpiresAt.Before(before) {
			s.cache.Delete(id)
			delete(s.byHash, record.TokenHash)
			n++
		}
	}
	return n, nil
}

// unindex drops the hash entry of an evicted record. It runs on its own
// goroutine, so it rechecks that the entry still points at a missing record.
func (s *MemoryRefreshTokenStore) unindex(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, domain.RefreshTokenRecord]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := item.Value().TokenHash
	if id, ok := s.byHash[hash]; ok && id == item.Key() && !s.cache.Has(id) {
		delete(s.byHash, hash)
	}
}

// indexLen returns the number of hash index entries.
func (s *MemoryRefreshTokenStore) indexLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

// remaining keeps the item's original expiry when it is rewritten. A zero ttl
// would mean no expiry to ttlcache.
func remaining(item *ttlcache.Item[string, domain.RefreshTokenRecord]) time.Duration {
	if d := time.Until(item.ExpiresAt()); d > 0 {
		return d
	}
	return time.Millisecond
}

// Count returns the number of stored records.
func (s *MemoryRefreshTokenStore) Count() int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine and waits for pending eviction callbacks.
func (s *MemoryRefreshTokenStore) Close() error {
	s.cache.Stop()
	s.stopEviction()

	return nil
}

var _ domain.RefreshTokenRepository = (*MemoryRefreshTokenStore)(nil)
