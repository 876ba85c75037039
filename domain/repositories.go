package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	// ErrIdentityConflict is returned when a write would let two accounts claim
	// the same (provider, subject) pair.
	ErrIdentityConflict = errors.New("linked identity already claimed by another account")
	// ErrAlreadyRevoked is returned by MarkRotated when the record was revoked
	// before the conditional update landed.
	ErrAlreadyRevoked = errors.New("refresh token already revoked")
)

// AccountRepository is the user directory the identity resolver relies on.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	// GetByEmail returns the first account whose primary email matches.
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByLinkedIdentity(ctx context.Context, provider Provider, subjectID string) (*Account, error)
	// Insert stores a new account and assigns its ID.
	Insert(ctx context.Context, account *Account) error
	// Replace overwrites the stored account with the same ID.
	Replace(ctx context.Context, account *Account) error
}

// RefreshTokenRepository persists refresh-token records.
type RefreshTokenRepository interface {
	Insert(ctx context.Context, record *RefreshTokenRecord) error
	GetByHash(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error)
	// MarkRotated revokes an unrevoked record and records its successor's hash.
	// It returns ErrAlreadyRevoked if the record has already been revoked.
	MarkRotated(ctx context.Context, id string, revokedAt time.Time, replacedByHash string) error
	// RevokeAllForAccount revokes every usable record of the account and returns the count.
	RevokeAllForAccount(ctx context.Context, accountID string, revokedAt time.Time) (int64, error)
	// DeleteExpired removes records that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
