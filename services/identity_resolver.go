package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.pilab.hu/fedauth/domain"
)

// maxResolveAttempts bounds restarts after a concurrent sign-in claimed the
// same provider identity first.
const maxResolveAttempts = 3

// Resolution reports which branch of the resolver produced the account.
type Resolution string

const (
	ResolutionExisting Resolution = "existing"
	ResolutionLinked   Resolution = "linked"
	ResolutionCreated  Resolution = "created"
)

// SealedCredentials are provider API tokens already sealed for storage.
type SealedCredentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// ResolveRequest is a verified (or caller-asserted) provider identity.
type ResolveRequest struct {
	Provider    domain.Provider
	SubjectID   string
	Email       string
	Credentials *SealedCredentials
}

type IdentityResolverConfig struct {
	// LinkByEmail attaches a new provider identity to an existing account with
	// the same primary email. Anyone who controls that email at the provider
	// gains the account.
	LinkByEmail bool
	Now         func() time.Time
}

// IdentityResolver maps provider identities to local accounts.
type IdentityResolver struct {
	accounts domain.AccountRepository
	cfg      IdentityResolverConfig
}

func NewIdentityResolver(accounts domain.AccountRepository, cfg IdentityResolverConfig) *IdentityResolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &IdentityResolver{accounts: accounts, cfg: cfg}
}

// Resolve finds the account holding the identity, links the identity to an
// account with a matching email, or creates a new account, in that order.
// It only fails on persistence errors.
func (r *IdentityResolver) Resolve(ctx context.Context, req ResolveRequest) (*domain.Account, Resolution, error) {
	if req.SubjectID == "" {
		return nil, "", errors.New("provider subject id is required")
	}
	req.Email = strings.TrimSpace(req.Email)

	var lastErr error
	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		account, res, err := r.resolveOnce(ctx, req)
		if err == nil {
			return account, res, nil
		}
		if !errors.Is(err, domain.ErrIdentityConflict) {
			return nil, "", err
		}
		lastErr = err
		log.Debug().
			Str("provider", req.Provider.String()).
			Int("attempt", attempt).
			Msg("Linked identity claimed concurrently, resolving again")
	}
	return nil, "", fmt.Errorf("failed to resolve identity after %d attempts: %w", maxResolveAttempts, lastErr)
}

func (r *IdentityResolver) resolveOnce(ctx context.Context, req ResolveRequest) (*domain.Account, Resolution, error) {
	now := r.now()

	account, err := r.accounts.GetByLinkedIdentity(ctx, req.Provider, req.SubjectID)
	switch {
	case err == nil:
		identity := account.FindIdentity(req.Provider, req.SubjectID)
		if identity == nil {
			return nil, "", fmt.Errorf("account %s returned for %s identity it does not hold", account.ID, req.Provider)
		}
		identity.LastLoginAt = &now
		if req.Email != "" {
			identity.ProviderEmail = req.Email
		}
		applyCredentials(identity, req.Credentials)
		recordLogin(account, now)

		if err := r.accounts.Replace(ctx, account); err != nil {
			return nil, "", fmt.Errorf("failed to update account: %w", err)
		}
		return account, ResolutionExisting, nil
	case !errors.Is(err, domain.ErrAccountNotFound):
		return nil, "", fmt.Errorf("failed to look up linked identity: %w", err)
	}

	if r.cfg.LinkByEmail && req.Email != "" {
		account, err := r.accounts.GetByEmail(ctx, req.Email)
		switch {
		case err == nil:
			account.LinkedIdentities = append(account.LinkedIdentities, newIdentity(req, now))
			recordLogin(account, now)

			if err := r.accounts.Replace(ctx, account); err != nil {
				return nil, "", fmt.Errorf("failed to link identity: %w", err)
			}
			log.Info().
				Str("account_id", account.ID).
				Str("provider", req.Provider.String()).
				Msg("Linked provider identity to existing account by email")
			return account, ResolutionLinked, nil
		case !errors.Is(err, domain.ErrAccountNotFound):
			return nil, "", fmt.Errorf("failed to look up account by email: %w", err)
		}
	}

	account = newAccount(req, now)
	if err := r.accounts.Insert(ctx, account); err != nil {
		return nil, "", fmt.Errorf("failed to create account: %w", err)
	}
	log.Info().
		Str("account_id", account.ID).
		Str("provider", req.Provider.String()).
		Msg("Created account for new provider identity")
	return account, ResolutionCreated, nil
}

// Unlink removes every identity of provider from the account and returns how
// many were removed.
func (r *IdentityResolver) Unlink(ctx context.Context, accountID string, provider domain.Provider) (int, error) {
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	removed := account.RemoveProvider(provider)
	if removed == 0 {
		return 0, nil
	}
	account.UpdatedAt = r.now()
	if err := r.accounts.Replace(ctx, account); err != nil {
		return 0, fmt.Errorf("failed to unlink identity: %w", err)
	}
	return removed, nil
}

// Mongo keeps millisecond precision; truncating keeps stored and returned values equal.
func (r *IdentityResolver) now() time.Time {
	return r.cfg.Now().UTC().Truncate(time.Millisecond)
}

func recordLogin(account *domain.Account, now time.Time) {
	account.LoginCount++
	account.LastLoginAt = &now
	account.UpdatedAt = now
}

func newIdentity(req ResolveRequest, now time.Time) domain.LinkedIdentity {
	identity := domain.LinkedIdentity{
		Provider:      req.Provider,
		SubjectID:     req.SubjectID,
		ProviderEmail: req.Email,
		LinkedAt:      now,
		LastLoginAt:   &now,
	}
	applyCredentials(&identity, req.Credentials)
	return identity
}

func applyCredentials(identity *domain.LinkedIdentity, creds *SealedCredentials) {
	if creds == nil {
		return
	}
	identity.AccessTokenSealed = creds.AccessToken
	identity.RefreshTokenSealed = creds.RefreshToken
	identity.AccessTokenExpiresAt = creds.ExpiresAt
}

func newAccount(req ResolveRequest, now time.Time) *domain.Account {
	username := fmt.Sprintf("%s_%s", req.Provider, req.SubjectID)
	displayName := domain.DefaultDisplayName
	if local, _, _ := strings.Cut(req.Email, "@"); local != "" {
		username = local
		displayName = local
	}

	return &domain.Account{
		Username:         username,
		Email:            req.Email,
		EmailVerified:    req.Email != "",
		DisplayName:      displayName,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastLoginAt:      &now,
		LoginCount:       1,
		LinkedIdentities: []domain.LinkedIdentity{newIdentity(req, now)},
	}
}
