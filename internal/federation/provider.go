package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.pilab.hu/fedauth/domain"
	serrors "go.pilab.hu/fedauth/errors"
)

// DefaultClockSkew is the lifetime leeway applied to provider ID tokens.
const DefaultClockSkew = 5 * time.Minute

// TokenValidator verifies a provider-issued ID token.
type TokenValidator interface {
	// Provider returns the provider this validator serves.
	Provider() domain.Provider

	// ClientID returns the configured expected audience, or "" if none is configured.
	ClientID() string

	// Validate verifies rawToken and returns the identity it asserts. audience is
	// the caller-supplied expected audience and may be empty. Failures are
	// *errors.AuthError of kind invalid_provider_token or audience_mismatch.
	Validate(ctx context.Context, rawToken, audience string) (*domain.IdentityClaims, error)
}

// ValidatorConfig holds the per-provider settings of an ID token validator.
type ValidatorConfig struct {
	// ClientID is the service's registered client id; when set it is the only
	// accepted audience.
	ClientID string
	// DiscoveryURL overrides the provider's well-known OpenID configuration URL.
	DiscoveryURL string
	// ClockSkew overrides DefaultClockSkew.
	ClockSkew time.Duration
	// AllowedTenants restricts Microsoft tokens to these tenant ids. Empty allows all.
	AllowedTenants []string
	// Now overrides time.Now.
	Now func() time.Time
}

// idTokenClaims is the union of the claims the supported providers emit.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email             string       `json:"email,omitempty"`
	EmailVerified     flexibleBool `json:"email_verified,omitempty"`
	PreferredUsername string       `json:"preferred_username,omitempty"`
	TenantID          string       `json:"tid,omitempty"`
}

// flexibleBool accepts both true and "true"; providers are not consistent.
type flexibleBool bool

func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexibleBool(t)
	case string:
		*b = flexibleBool(strings.EqualFold(t, "true"))
	default:
		*b = false
	}
	return nil
}

// providerProfile captures what differs between providers.
type providerProfile struct {
	provider            domain.Provider
	defaultDiscoveryURL string
	checkClaims         func(c *idTokenClaims) error
	identity            func(c *idTokenClaims) *domain.IdentityClaims
}

// idTokenValidator implements TokenValidator for RS256 OpenID Connect ID tokens.
type idTokenValidator struct {
	profile      providerProfile
	clientID     string
	discoveryURL string
	skew         time.Duration
	now          func() time.Time
	keys         *KeySetCache
}

func newIDTokenValidator(profile providerProfile, keys *KeySetCache, cfg ValidatorConfig) *idTokenValidator {
	v := &idTokenValidator{
		profile:      profile,
		clientID:     cfg.ClientID,
		discoveryURL: cfg.DiscoveryURL,
		skew:         cfg.ClockSkew,
		now:          cfg.Now,
		keys:         keys,
	}
	if v.discoveryURL == "" {
		v.discoveryURL = profile.defaultDiscoveryURL
	}
	if v.skew <= 0 {
		v.skew = DefaultClockSkew
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

func (v *idTokenValidator) Provider() domain.Provider { return v.profile.provider }

func (v *idTokenValidator) ClientID() string { return v.clientID }

// expectedAudience applies the audience rule: a configured client id wins, a
// caller audience is used only when none is configured, and a caller audience
// contradicting the configured one is rejected outright.
func (v *idTokenValidator) expectedAudience(requested string) (string, error) {
	if v.clientID != "" && requested != "" && requested != v.clientID {
		return "", serrors.NewAudienceMismatch(v.profile.provider.String())
	}
	if v.clientID != "" {
		return v.clientID, nil
	}
	return requested, nil
}

func (v *idTokenValidator) Validate(ctx context.Context, rawToken, audience string) (*domain.IdentityClaims, error) {
	name := v.profile.provider.String()

	aud, err := v.expectedAudience(audience)
	if err != nil {
		return nil, err
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, serrors.NewInvalidProviderToken(name, ErrEmptyToken)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	claims := &idTokenClaims{}
	_, err = jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKeyID
		}
		return v.keys.Key(ctx, name, v.discoveryURL, kid)
	}, parserOpts...)
	if err != nil {
		return nil, serrors.NewInvalidProviderToken(name, err)
	}

	if claims.Subject == "" {
		return nil, serrors.NewInvalidProviderToken(name, ErrMissingSubject)
	}
	if err := v.profile.checkClaims(claims); err != nil {
		return nil, serrors.NewInvalidProviderToken(name, err)
	}
	return v.profile.identity(claims), nil
}

func issuerIn(allowed ...string) func(c *idTokenClaims) error {
	return func(c *idTokenClaims) error {
		for _, iss := range allowed {
			if c.Issuer == iss {
				return nil
			}
		}
		return fmt.Errorf("%w: %q", ErrIssuerNotAllowed, c.Issuer)
	}
}

var _ TokenValidator = (*idTokenValidator)(nil)
