package federation

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/fedauth/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultKeySetTTL is how long a fetched key set is trusted before reloading.
	DefaultKeySetTTL = time.Hour
	// DefaultMinForcedRefresh bounds how often an unknown kid may trigger a reload.
	DefaultMinForcedRefresh = time.Minute
	// DefaultFetchTimeout bounds a shared key set reload when the HTTP client
	// sets no timeout of its own.
	DefaultFetchTimeout = 10 * time.Second

	maxDocumentBytes = 1 << 20
)

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// KeySetCache is a read-through cache of provider signing keys, keyed by
// discovery URL. It is safe for concurrent use. A reload fetches the new set
// first and swaps it in only after it parsed.
type KeySetCache struct {
	client           *http.Client
	ttl              time.Duration
	minForcedRefresh time.Duration
	fetchTimeout     time.Duration
	now              func() time.Time

	sets   *ttlcache.Cache[string, *jose.JSONWebKeySet]
	flight singleflight.Group

	mu         sync.Mutex
	lastForced map[string]time.Time
}

// KeySetCacheOption customises a KeySetCache.
type KeySetCacheOption func(*KeySetCache)

// WithKeySetTTL overrides DefaultKeySetTTL.
func WithKeySetTTL(ttl time.Duration) KeySetCacheOption {
	return func(c *KeySetCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMinForcedRefresh overrides DefaultMinForcedRefresh.
func WithMinForcedRefresh(d time.Duration) KeySetCacheOption {
	return func(c *KeySetCache) { c.minForcedRefresh = d }
}

// WithKeySetClock sets the clock used for forced-refresh rate limiting.
func WithKeySetClock(now func() time.Time) KeySetCacheOption {
	return func(c *KeySetCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewKeySetCache creates a cache that fetches documents with client. A nil
// client gets a 10 second timeout.
func NewKeySetCache(client *http.Client, opts ...KeySetCacheOption) *KeySetCache {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	c := &KeySetCache{
		client:           client,
		ttl:              DefaultKeySetTTL,
		minForcedRefresh: DefaultMinForcedRefresh,
		fetchTimeout:     DefaultFetchTimeout,
		now:              time.Now,
		lastForced:       make(map[string]time.Time),
	}
	if client.Timeout > 0 {
		c.fetchTimeout = client.Timeout
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sets = ttlcache.New(
		ttlcache.WithTTL[string, *jose.JSONWebKeySet](c.ttl),
		ttlcache.WithDisableTouchOnHit[string, *jose.JSONWebKeySet](),
	)
	go c.sets.Start()
	return c
}

// Close stops the background expiry loop.
func (c *KeySetCache) Close() {
	c.sets.Stop()
}

// Key returns the public key with the given kid published under discoveryURL.
// An unknown kid triggers at most one forced reload per minForcedRefresh.
func (c *KeySetCache) Key(ctx context.Context, providerName, discoveryURL, kid string) (any, error) {
	set, err := c.get(ctx, providerName, discoveryURL)
	if err != nil {
		return nil, err
	}
	if key, ok := lookupKey(set, kid); ok {
		return key, nil
	}

	if !c.allowForcedRefresh(discoveryURL) {
		return nil, ErrUnknownKeyID
	}
	log.Debug().Str("provider", providerName).Str("kid", kid).Msg("Unknown signing key id, reloading provider key set")
	set, err = c.Refresh(ctx, providerName, discoveryURL)
	if err != nil {
		return nil, err
	}
	if key, ok := lookupKey(set, kid); ok {
		return key, nil
	}
	return nil, ErrUnknownKeyID
}

// Refresh reloads the key set for discoveryURL and swaps it in. Concurrent
// callers share one fetch, which outlives the cancellation of any single
// caller and is bounded by the fetch timeout instead.
func (c *KeySetCache) Refresh(ctx context.Context, providerName, discoveryURL string) (*jose.JSONWebKeySet, error) {
	ch := c.flight.DoChan(discoveryURL, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		set, err := c.fetch(fetchCtx, discoveryURL)
		if err != nil {
			metrics.JWKSRefreshTotal.WithLabelValues(providerName, "failure").Inc()
			log.Warn().Err(err).Str("provider", providerName).Msg("Failed to refresh provider key set")
			return nil, err
		}
		metrics.JWKSRefreshTotal.WithLabelValues(providerName, "success").Inc()
		c.sets.Set(discoveryURL, set, ttlcache.DefaultTTL)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*jose.JSONWebKeySet), nil
	}
}

func (c *KeySetCache) get(ctx context.Context, providerName, discoveryURL string) (*jose.JSONWebKeySet, error) {
	if item := c.sets.Get(discoveryURL); item != nil {
		return item.Value(), nil
	}
	return c.Refresh(ctx, providerName, discoveryURL)
}

func (c *KeySetCache) allowForcedRefresh(discoveryURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.lastForced[discoveryURL]; ok && now.Sub(last) < c.minForcedRefresh {
		return false
	}
	c.lastForced[discoveryURL] = now
	return true
}

func (c *KeySetCache) fetch(ctx context.Context, discoveryURL string) (*jose.JSONWebKeySet, error) {
	var doc discoveryDocument
	if err := c.getJSON(ctx, discoveryURL, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("%w: jwks_uri missing", ErrDiscoveryFailed)
	}

	var set jose.JSONWebKeySet
	if err := c.getJSON(ctx, doc.JWKSURI, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetFetchFailed, err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("%w: key set is empty", ErrKeySetFetchFailed)
	}
	return &set, nil
}

func (c *KeySetCache) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func lookupKey(set *jose.JSONWebKeySet, kid string) (any, bool) {
	for _, k := range set.Key(kid) {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if pub, ok := k.Key.(*rsa.PublicKey); ok {
			return pub, true
		}
	}
	return nil, false
}
