package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.pilab.hu/fedauth/domain"
)

// RefreshTokenRepository implements domain.RefreshTokenRepository
type RefreshTokenRepository struct {
	collection *mongo.Collection
}

// NewRefreshTokenRepository creates the repository and ensures its indexes.
func NewRefreshTokenRepository(ctx context.Context, db *mongo.Database) (*RefreshTokenRepository, error) {
	repo := &RefreshTokenRepository{collection: db.Collection(RefreshTokensCollection)}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *RefreshTokenRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token_hash", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("token_hash_unique"),
		},
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "revoked_at", Value: 1}},
			Options: options.Index().SetName("account_active"),
		},
		{
			// Let the server drop records a day after they expire.
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32((24 * time.Hour).Seconds())).SetName("expires_at_ttl"),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return fmt.Errorf("failed to create indexes for %s collection: %w", RefreshTokensCollection, err)
	}
	log.Info().Msgf("Indexes for %s collection ensured.", RefreshTokensCollection)
	return nil
}

func (r *RefreshTokenRepository) Insert(ctx context.Context, record *domain.RefreshTokenRecord) error {
	if record.ID == "" {
		record.ID = NewObjectID()
	}
	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	var record domain.RefreshTokenRecord
	err := r.collection.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	return &record, nil
}

// MarkRotated only matches a record whose revoked_at is unset, so of two
// concurrent rotations exactly one succeeds.
func (r *RefreshTokenRepository) MarkRotated(ctx context.Context, id string, revokedAt time.Time, replacedByHash string) error {
	set := bson.D{{Key: "revoked_at", Value: revokedAt}}
	if replacedByHash != "" {
		set = append(set, bson.E{Key: "replaced_by_token_hash", Value: replacedByHash})
	}

	res, err := r.collection.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "revoked_at", Value: nil}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := r.collection.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("failed to check refresh token: %w", err)
	}
	if n == 0 {
		return domain.ErrRefreshTokenNotFound
	}
	return domain.ErrAlreadyRevoked
}

func (r *RefreshTokenRepository) RevokeAllForAccount(ctx context.Context, accountID string, revokedAt time.Time) (int64, error) {
	res, err := r.collection.UpdateMany(ctx,
		bson.D{{Key: "account_id", Value: accountID}, {Key: "revoked_at", Value: nil}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: revokedAt}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: before}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return res.DeletedCount, nil
}

var _ domain.RefreshTokenRepository = (*RefreshTokenRepository)(nil)
