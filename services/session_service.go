package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.pilab.hu/fedauth/domain"
	serrors "go.pilab.hu/fedauth/errors"
	"go.pilab.hu/fedauth/internal/audit"
	"go.pilab.hu/fedauth/internal/crypto"
	"go.pilab.hu/fedauth/internal/federation"
	"go.pilab.hu/fedauth/internal/metrics"
	"go.pilab.hu/fedauth/tracing"
	"golang.org/x/oauth2"
)

const auditService = "session"

// SignInRequest is what the transport extracts from a sign-in call.
type SignInRequest struct {
	// Provider name, case-insensitive.
	Provider string
	// IDToken is the provider-issued ID token, if the client has one.
	IDToken string
	// SubjectID and Email are caller-asserted and used when no ID token is
	// given. With an ID token, Email is only a fallback for a missing claim.
	SubjectID string
	Email     string
	// Audience is the caller's expected ID token audience.
	Audience string
	// Credentials are optional provider API tokens to keep on the identity.
	Credentials *oauth2.Token
}

// AccountSnapshot is the profile view returned to callers.
type AccountSnapshot struct {
	ID            string
	Username      string
	Email         string
	EmailVerified bool
	DisplayName   string
	PictureURL    string
	CreatedAt     time.Time
	LastLoginAt   *time.Time
	LoginCount    int
	Providers     []domain.Provider
}

// Session is the outcome of a sign-in or refresh.
type Session struct {
	Account              AccountSnapshot
	AccessToken          string
	AccessTokenExpiresAt time.Time
	RefreshToken         string
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
}

// ProviderInfo describes a supported provider to clients.
type ProviderInfo struct {
	Provider domain.Provider
	ClientID string
	// VerifiesIDToken is false for providers signed in with caller-asserted ids only.
	VerifiesIDToken bool
}

type SessionConfig struct {
	// RequireIDToken rejects caller-asserted identities for providers that
	// have an ID token validator.
	RequireIDToken bool
}

// SessionService is the entry surface of the transport layer. It chains
// provider token validation, identity resolution and token issuance.
type SessionService struct {
	validators *federation.Registry
	resolver   *IdentityResolver
	accounts   domain.AccountRepository
	access     *AccessTokenService
	refresh    *RefreshTokenService
	sealer     *crypto.Sealer
	cfg        SessionConfig
}

// NewSessionService wires the session flow. sealer may be nil, in which case
// provider API credentials are not kept.
func NewSessionService(
	validators *federation.Registry,
	resolver *IdentityResolver,
	accounts domain.AccountRepository,
	access *AccessTokenService,
	refresh *RefreshTokenService,
	sealer *crypto.Sealer,
	cfg SessionConfig,
) *SessionService {
	if validators == nil {
		validators = federation.NewRegistry()
	}
	return &SessionService{
		validators: validators,
		resolver:   resolver,
		accounts:   accounts,
		access:     access,
		refresh:    refresh,
		sealer:     sealer,
		cfg:        cfg,
	}
}

// SignIn verifies the provider identity, resolves the local account and
// issues a fresh access and refresh token pair.
func (s *SessionService) SignIn(ctx context.Context, req SignInRequest) (*Session, error) {
	ctx, span := tracing.Tracer().Start(ctx, "SessionService.SignIn")
	defer span.End()

	provider, err := domain.ParseProvider(req.Provider)
	if err != nil {
		return nil, fail(span, serrors.NewMalformedRequest("unsupported provider"))
	}
	span.SetAttributes(attribute.String("provider", provider.String()))

	subject, email, err := s.identify(ctx, provider, req)
	if err != nil {
		metrics.SignInsTotal.WithLabelValues(provider.String(), "rejected").Inc()
		return nil, fail(span, err)
	}

	creds, err := s.sealCredentials(provider, subject, req.Credentials)
	if err != nil {
		metrics.SignInsTotal.WithLabelValues(provider.String(), "error").Inc()
		return nil, fail(span, serrors.NewInternal(err))
	}

	account, resolution, err := s.resolver.Resolve(ctx, ResolveRequest{
		Provider:    provider,
		SubjectID:   subject,
		Email:       email,
		Credentials: creds,
	})
	if err != nil {
		metrics.SignInsTotal.WithLabelValues(provider.String(), "error").Inc()
		log.Error().Err(err).Str("provider", provider.String()).Msg("Failed to resolve account")
		return nil, fail(span, serrors.NewInternal(err))
	}
	span.SetAttributes(
		attribute.String("account_id", account.ID),
		attribute.String("resolution", string(resolution)),
	)

	switch resolution {
	case ResolutionCreated:
		metrics.AccountsCreatedTotal.WithLabelValues(provider.String()).Inc()
		audit.Log(auditService, audit.ActionAccountCreated, account.ID, provider.String(), "", true, nil)
	case ResolutionLinked:
		metrics.IdentitiesLinkedTotal.WithLabelValues(provider.String()).Inc()
		audit.Log(auditService, audit.ActionIdentityLinked, account.ID, provider.String(), "linked by email", true, nil)
	}

	session, err := s.issue(ctx, account)
	if err != nil {
		metrics.SignInsTotal.WithLabelValues(provider.String(), "error").Inc()
		return nil, fail(span, err)
	}

	metrics.SignInsTotal.WithLabelValues(provider.String(), "success").Inc()
	audit.Log(auditService, audit.ActionSignIn, account.ID, provider.String(), string(resolution), true, nil)
	return session, nil
}

// identify returns the subject and email the sign-in is for.
func (s *SessionService) identify(ctx context.Context, provider domain.Provider, req SignInRequest) (string, string, error) {
	validator, hasValidator := s.validators.Lookup(provider)

	if req.IDToken == "" {
		if hasValidator && s.cfg.RequireIDToken {
			return "", "", serrors.NewMalformedRequest(fmt.Sprintf("%s sign-in requires an ID token", provider))
		}
		if req.SubjectID == "" {
			return "", "", serrors.NewMalformedRequest("providerUserId or idToken is required")
		}
		return req.SubjectID, req.Email, nil
	}

	if !hasValidator {
		return "", "", serrors.NewMalformedRequest(fmt.Sprintf("%s ID tokens are not supported", provider))
	}

	claims, err := validator.Validate(ctx, req.IDToken, req.Audience)
	if err != nil {
		metrics.ProviderTokenRejectedTotal.WithLabelValues(provider.String()).Inc()
		log.Warn().Err(err).Str("provider", provider.String()).Msg("Provider ID token rejected")
		return "", "", err
	}

	email := claims.Email
	if email == "" {
		email = req.Email
	}
	return claims.Subject, email, nil
}

func (s *SessionService) sealCredentials(provider domain.Provider, subject string, token *oauth2.Token) (*SealedCredentials, error) {
	if token == nil || (token.AccessToken == "" && token.RefreshToken == "") {
		return nil, nil
	}
	if s.sealer == nil {
		log.Debug().Str("provider", provider.String()).Msg("No credentials key configured, dropping provider API tokens")
		return nil, nil
	}

	aad := provider.String() + ":" + subject
	access, err := s.sealer.Seal(token.AccessToken, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal provider access token: %w", err)
	}
	refresh, err := s.sealer.Seal(token.RefreshToken, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal provider refresh token: %w", err)
	}

	creds := &SealedCredentials{AccessToken: access, RefreshToken: refresh}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		creds.ExpiresAt = &expiry
	}
	return creds, nil
}

// Refresh rotates the refresh token and issues a new access token for its account.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	ctx, span := tracing.Tracer().Start(ctx, "SessionService.Refresh")
	defer span.End()

	accountID, rotated, err := s.refresh.ValidateAndRotate(ctx, refreshToken)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("account_id", accountID))

	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, fail(span, err)
	}

	access, expiresAt, err := s.access.Issue(account.ID, account.Username, account.Email)
	if err != nil {
		return nil, fail(span, serrors.NewInternal(err))
	}
	return &Session{
		Account:              Snapshot(account),
		AccessToken:          access,
		AccessTokenExpiresAt: expiresAt,
		RefreshToken:         rotated,
		ExpiresIn:            int64(s.access.Lifetime().Seconds()),
	}, nil
}

// Authenticate verifies a bearer access token.
func (s *SessionService) Authenticate(accessToken string) (*AccessTokenClaims, error) {
	return s.access.Verify(accessToken)
}

// Profile returns the account the access token was issued for.
func (s *SessionService) Profile(ctx context.Context, accessToken string) (*AccountSnapshot, error) {
	ctx, span := tracing.Tracer().Start(ctx, "SessionService.Profile")
	defer span.End()

	claims, err := s.access.Verify(accessToken)
	if err != nil {
		return nil, fail(span, err)
	}
	return s.ProfileByID(ctx, claims.Subject)
}

// ProfileByID returns the account with the given id.
func (s *SessionService) ProfileByID(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snapshot := Snapshot(account)
	return &snapshot, nil
}

// Logout revokes the refresh token. Unknown tokens are ignored.
func (s *SessionService) Logout(ctx context.Context, refreshToken string) error {
	ctx, span := tracing.Tracer().Start(ctx, "SessionService.Logout")
	defer span.End()

	if err := s.refresh.Revoke(ctx, refreshToken); err != nil {
		return fail(span, err)
	}
	audit.Log(auditService, audit.ActionLogout, "", "", "", true, nil)
	return nil
}

// Unlink detaches every identity of the named provider from the account.
func (s *SessionService) Unlink(ctx context.Context, accountID, providerName string) (*AccountSnapshot, error) {
	ctx, span := tracing.Tracer().Start(ctx, "SessionService.Unlink")
	defer span.End()

	provider, err := domain.ParseProvider(providerName)
	if err != nil {
		return nil, fail(span, serrors.NewMalformedRequest("unsupported provider"))
	}

	removed, err := s.resolver.Unlink(ctx, accountID, provider)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil, fail(span, serrors.ErrAccountNotFound)
		}
		return nil, fail(span, serrors.NewInternal(err))
	}
	if removed > 0 {
		audit.Log(auditService, audit.ActionIdentityUnlinked, accountID, provider.String(), "", true, nil)
	}
	return s.ProfileByID(ctx, accountID)
}

// Providers lists the supported providers with their public client ids.
func (s *SessionService) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(domain.Providers))
	for _, p := range domain.Providers {
		info := ProviderInfo{Provider: p}
		if v, ok := s.validators.Lookup(p); ok {
			info.ClientID = v.ClientID()
			info.VerifiesIDToken = true
		}
		out = append(out, info)
	}
	return out
}

func (s *SessionService) issue(ctx context.Context, account *domain.Account) (*Session, error) {
	access, expiresAt, err := s.access.Issue(account.ID, account.Username, account.Email)
	if err != nil {
		return nil, serrors.NewInternal(err)
	}
	refresh, err := s.refresh.Create(ctx, account.ID)
	if err != nil {
		return nil, serrors.NewInternal(err)
	}
	return &Session{
		Account:              Snapshot(account),
		AccessToken:          access,
		AccessTokenExpiresAt: expiresAt,
		RefreshToken:         refresh,
		ExpiresIn:            int64(s.access.Lifetime().Seconds()),
	}, nil
}

func (s *SessionService) loadAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			log.Warn().Str("account_id", accountID).Msg("Authenticated account no longer exists")
			return nil, serrors.ErrAccountNotFound
		}
		return nil, serrors.NewInternal(fmt.Errorf("failed to load account: %w", err))
	}
	return account, nil
}

// Snapshot copies the caller-visible part of an account.
func Snapshot(account *domain.Account) AccountSnapshot {
	return AccountSnapshot{
		ID:            account.ID,
		Username:      account.Username,
		Email:         account.Email,
		EmailVerified: account.EmailVerified,
		DisplayName:   account.DisplayName,
		PictureURL:    account.PictureURL,
		CreatedAt:     account.CreatedAt,
		LastLoginAt:   account.LastLoginAt,
		LoginCount:    account.LoginCount,
		Providers:     account.Providers(),
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(serrors.KindOf(err)))
	return err
}
