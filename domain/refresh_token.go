package domain

import "time"

// RefreshTokenRecord is the persisted half of a one-time-use refresh token.
// Only the hash of the opaque value is stored.
type RefreshTokenRecord struct {
	ID                  string     `bson:"_id" json:"id"`
	AccountID           string     `bson:"account_id" json:"account_id"`
	TokenHash           string     `bson:"token_hash" json:"token_hash"`
	CreatedAt           time.Time  `bson:"created_at" json:"created_at"`
	ExpiresAt           time.Time  `bson:"expires_at" json:"expires_at"`
	RevokedAt           *time.Time `bson:"revoked_at,omitempty" json:"revoked_at,omitempty"`
	ReplacedByTokenHash string     `bson:"replaced_by_token_hash,omitempty" json:"replaced_by_token_hash,omitempty"`
}

// Usable reports whether the record can still be exchanged at now.
func (r *RefreshTokenRecord) Usable(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// Revoked reports whether the record was rotated or revoked.
func (r *RefreshTokenRecord) Revoked() bool {
	return r.RevokedAt != nil
}
