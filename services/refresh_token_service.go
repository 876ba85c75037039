package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/fedauth/domain"
	serrors "go.pilab.hu/fedauth/errors"
	"go.pilab.hu/fedauth/internal/audit"
	"go.pilab.hu/fedauth/internal/crypto"
	"go.pilab.hu/fedauth/internal/metrics"
)

// DefaultRefreshTokenLifetime is the validity of a refresh token.
const DefaultRefreshTokenLifetime = 30 * 24 * time.Hour

// RefreshTokenConfig configures the refresh token service.
type RefreshTokenConfig struct {
	Lifetime time.Duration
	// RevokeOnReuse revokes every active token of the account when a rotated
	// token is presented again.
	RevokeOnReuse bool
	Now           func() time.Time
}

// RefreshTokenService creates and rotates opaque one-time-use refresh tokens.
// Only their SHA-256 hash reaches the repository.
type RefreshTokenService struct {
	repo domain.RefreshTokenRepository
	cfg  RefreshTokenConfig
}

func NewRefreshTokenService(repo domain.RefreshTokenRepository, cfg RefreshTokenConfig) *RefreshTokenService {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultRefreshTokenLifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RefreshTokenService{repo: repo, cfg: cfg}
}

// Lifetime returns how long new refresh tokens are valid.
func (s *RefreshTokenService) Lifetime() time.Duration { return s.cfg.Lifetime }

// Create issues a new refresh token for accountID. The raw value is returned
// once and never stored.
func (s *RefreshTokenService) Create(ctx context.Context, accountID string) (string, error) {
	token, record, err := s.newRecord(accountID, s.now())
	if err != nil {
		return "", err
	}
	if err := s.repo.Insert(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return token, nil
}

// ValidateAndRotate exchanges token for a fresh one. Unknown, expired and
// already used tokens all fail with the same invalid_refresh_token error.
func (s *RefreshTokenService) ValidateAndRotate(ctx context.Context, token string) (accountID, newToken string, err error) {
	if token == "" {
		metrics.RefreshTotal.WithLabelValues("unknown").Inc()
		return "", "", serrors.ErrInvalidRefreshToken
	}
	now := s.now()

	record, err := s.repo.GetByHash(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrRefreshTokenNotFound) {
			metrics.RefreshTotal.WithLabelValues("unknown").Inc()
			return "", "", serrors.ErrInvalidRefreshToken
		}
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return "", "", serrors.NewInternal(fmt.Errorf("failed to look up refresh token: %w", err))
	}

	if record.Revoked() {
		// Only a rotated record signals a replay; a revoked one just fails.
		if record.ReplacedByTokenHash != "" {
			s.handleReuse(ctx, record, now)
		} else {
			metrics.RefreshTotal.WithLabelValues("revoked").Inc()
		}
		return "", "", serrors.ErrInvalidRefreshToken
	}
	if !now.Before(record.ExpiresAt) {
		metrics.RefreshTotal.WithLabelValues("expired").Inc()
		return "", "", serrors.ErrInvalidRefreshToken
	}

	newToken, next, err := s.newRecord(record.AccountID, now)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return "", "", serrors.NewInternal(err)
	}

	// The successor is stored first; the conditional update alone picks the
	// winner of concurrent exchanges.
	if err := s.repo.Insert(ctx, next); err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return "", "", serrors.NewInternal(fmt.Errorf("failed to store rotated refresh token: %w", err))
	}

	if err := s.repo.MarkRotated(ctx, record.ID, now, next.TokenHash); err != nil {
		s.discardSuccessor(ctx, next, now)
		if errors.Is(err, domain.ErrAlreadyRevoked) {
			metrics.RefreshTotal.WithLabelValues("conflict").Inc()
			log.Warn().
				Str("account_id", record.AccountID).
				Str("record_id", record.ID).
				Msg("Concurrent refresh token exchange lost the race")
			return "", "", serrors.ErrInvalidRefreshToken
		}
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return "", "", serrors.NewInternal(fmt.Errorf("failed to rotate refresh token: %w", err))
	}

	metrics.RefreshTotal.WithLabelValues("success").Inc()
	return record.AccountID, newToken, nil
}

// discardSuccessor revokes a successor whose predecessor could not be claimed.
// Its raw value was never handed out.
func (s *RefreshTokenService) discardSuccessor(ctx context.Context, next *domain.RefreshTokenRecord, now time.Time) {
	if err := s.repo.MarkRotated(ctx, next.ID, now, ""); err != nil {
		log.Error().Err(err).
			Str("account_id", next.AccountID).
			Str("record_id", next.ID).
			Msg("Failed to discard unused refresh token successor")
	}
}

// handleReuse records the presentation of a rotated token. A replay usually
// means the token leaked, so the whole family may be revoked.
func (s *RefreshTokenService) handleReuse(ctx context.Context, record *domain.RefreshTokenRecord, now time.Time) {
	metrics.RefreshTotal.WithLabelValues("replayed").Inc()
	metrics.RefreshReuseDetectedTotal.Inc()
	log.Warn().
		Str("account_id", record.AccountID).
		Str("record_id", record.ID).
		Msg("Rotated refresh token presented again")
	audit.Log("refresh", audit.ActionRefreshReplay, record.AccountID, "", "record "+record.ID, false, nil)

	if !s.cfg.RevokeOnReuse {
		return
	}
	n, err := s.repo.RevokeAllForAccount(ctx, record.AccountID, now)
	if err != nil {
		log.Error().Err(err).Str("account_id", record.AccountID).Msg("Failed to revoke refresh tokens after reuse")
		return
	}
	audit.Log("refresh", audit.ActionTokensRevoked, record.AccountID, "", fmt.Sprintf("%d tokens after reuse", n), true, nil)
}

// Revoke makes token unusable. Unknown or already revoked tokens are not an error.
func (s *RefreshTokenService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	record, err := s.repo.GetByHash(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrRefreshTokenNotFound) {
			return nil
		}
		return serrors.NewInternal(fmt.Errorf("failed to look up refresh token: %w", err))
	}
	if err := s.repo.MarkRotated(ctx, record.ID, s.now(), ""); err != nil && !errors.Is(err, domain.ErrAlreadyRevoked) {
		return serrors.NewInternal(fmt.Errorf("failed to revoke refresh token: %w", err))
	}
	return nil
}

// RevokeAll revokes every active refresh token of the account.
func (s *RefreshTokenService) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	n, err := s.repo.RevokeAllForAccount(ctx, accountID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	if n > 0 {
		audit.Log("refresh", audit.ActionTokensRevoked, accountID, "", fmt.Sprintf("%d tokens", n), true, nil)
	}
	return n, nil
}

// DeleteExpired removes records that are past their expiry.
func (s *RefreshTokenService) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return n, nil
}

func (s *RefreshTokenService) newRecord(accountID string, now time.Time) (string, *domain.RefreshTokenRecord, error) {
	token, err := crypto.GenerateOpaqueToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return token, &domain.RefreshTokenRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		TokenHash: crypto.HashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetime),
	}, nil
}

func (s *RefreshTokenService) now() time.Time {
	return s.cfg.Now().UTC()
}
