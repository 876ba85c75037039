package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	serrors "go.pilab.hu/fedauth/errors"
)

const (
	DefaultAccessTokenLifetime = 60 * time.Minute
	// DefaultAccessTokenSkew is the jwt.clock_skew configuration default.
	DefaultAccessTokenSkew = 2 * time.Minute
)

// AccessTokenConfig configures issued access tokens. Empty Issuer or Audience
// disables the corresponding verification check. ClockSkew is used as given;
// zero means no leeway.
type AccessTokenConfig struct {
	Issuer    string
	Audience  string
	Lifetime  time.Duration
	ClockSkew time.Duration
	Now       func() time.Time
}

// AccessTokenClaims is the payload of an access token. The subject is the account id.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Username string `json:"unique_name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// AccessTokenService issues and verifies the service's own bearer tokens.
type AccessTokenService struct {
	signer *TokenSigner
	cfg    AccessTokenConfig
}

// NewAccessTokenService fails with a signing_key_misconfigured error when the
// signer holds no usable key. Call it at startup.
func NewAccessTokenService(signer *TokenSigner, cfg AccessTokenConfig) (*AccessTokenService, error) {
	if signer == nil || signer.Empty() {
		return nil, serrors.Wrap(serrors.KindSigningKeyMisconfigured, serrors.ErrSigningKeyMisconfigured.Description, ErrSigningKeyTooShort)
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultAccessTokenLifetime
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AccessTokenService{signer: signer, cfg: cfg}, nil
}

// Lifetime returns how long issued tokens are valid.
func (s *AccessTokenService) Lifetime() time.Duration { return s.cfg.Lifetime }

// Issue signs a token for the account and returns it with its expiry.
func (s *AccessTokenService) Issue(accountID, username, email string) (string, time.Time, error) {
	now := s.cfg.Now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.cfg.Lifetime)

	claims := &AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   accountID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Username: username,
		Email:    email,
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}

	token, err := s.signer.Sign(claims, "")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to issue access token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks signature, lifetime and, when configured, issuer and audience.
// Every failure is an unauthorized AuthError.
func (s *AccessTokenService) Verify(raw string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.cfg.ClockSkew),
		jwt.WithTimeFunc(s.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}

	claims := &AccessTokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, s.signer.VerificationKey, opts...); err != nil {
		return nil, serrors.Wrap(serrors.KindUnauthorized, serrors.ErrUnauthorized.Description, err)
	}
	if claims.Subject == "" {
		return nil, serrors.New(serrors.KindUnauthorized, serrors.ErrUnauthorized.Description)
	}
	return claims, nil
}
