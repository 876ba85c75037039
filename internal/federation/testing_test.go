package federation

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/fedauth/internal/crypto"
)

// fakeProvider serves a discovery document and a JWKS endpoint.
type fakeProvider struct {
	t        *testing.T
	server   *httptest.Server
	jwksHits atomic.Int32

	mu        sync.Mutex
	keys      map[string]*rsa.PrivateKey
	published []string
}

func newFakeProvider(t *testing.T, kids ...string) *fakeProvider {
	t.Helper()
	p := &fakeProvider{t: t, keys: make(map[string]*rsa.PrivateKey)}
	for _, kid := range kids {
		p.addKey(kid)
	}
	p.publish(kids...)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   p.server.URL,
			"jwks_uri": p.server.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		p.mu.Lock()
		defer p.mu.Unlock()
		set := jose.JSONWebKeySet{}
		for _, kid := range p.published {
			set.Keys = append(set.Keys, jose.JSONWebKey{
				Key:       &p.keys[kid].PublicKey,
				KeyID:     kid,
				Algorithm: string(jose.RS256),
				Use:       "sig",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) addKey(kid string) *rsa.PrivateKey {
	key, err := crypto.GenerateRSAKey()
	require.NoError(p.t, err)
	p.mu.Lock()
	p.keys[kid] = key
	p.mu.Unlock()
	return key
}

func (p *fakeProvider) key(kid string) *rsa.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[kid]
}

func (p *fakeProvider) publish(kids ...string) {
	p.mu.Lock()
	p.published = append([]string(nil), kids...)
	p.mu.Unlock()
}

func (p *fakeProvider) discoveryURL() string {
	return p.server.URL + "/.well-known/openid-configuration"
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

func baseClaims(now time.Time, iss, aud, sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": iss,
		"aud": aud,
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}
