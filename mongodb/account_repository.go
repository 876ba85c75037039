package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.pilab.hu/fedauth/domain"
)

// accountDocument is the stored form of an account. identity_keys holds one
// "provider:subject" entry per linked identity and carries the unique index
// that keeps a provider identity on a single account. The field is omitted
// when empty so the sparse index skips accounts without identities.
type accountDocument struct {
	domain.Account `bson:",inline"`
	IdentityKeys   []string `bson:"identity_keys,omitempty"`
}

func identityKey(provider domain.Provider, subjectID string) string {
	return string(provider) + ":" + subjectID
}

func toDocument(account *domain.Account) *accountDocument {
	doc := &accountDocument{Account: *account}
	seen := make(map[string]bool, len(account.LinkedIdentities))
	for _, li := range account.LinkedIdentities {
		key := identityKey(li.Provider, li.SubjectID)
		if !seen[key] {
			seen[key] = true
			doc.IdentityKeys = append(doc.IdentityKeys, key)
		}
	}
	if doc.LinkedIdentities == nil {
		doc.LinkedIdentities = []domain.LinkedIdentity{}
	}
	return doc
}

// AccountRepository implements domain.AccountRepository
type AccountRepository struct {
	collection *mongo.Collection
}

// NewAccountRepository creates the repository and ensures its indexes.
func NewAccountRepository(ctx context.Context, db *mongo.Database) (*AccountRepository, error) {
	repo := &AccountRepository{collection: db.Collection(AccountsCollection)}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *AccountRepository) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			// A provider identity can only be linked to one account.
			Keys:    bson.D{{Key: "identity_keys", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true).SetName("identity_keys_unique"),
		},
		{
			// Email lookups for linking; not unique.
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("email"),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return fmt.Errorf("failed to create indexes for %s collection: %w", AccountsCollection, err)
	}
	log.Info().Msgf("Indexes for %s collection ensured.", AccountsCollection)
	return nil
}

func (r *AccountRepository) findOne(ctx context.Context, filter bson.D, opts ...options.Lister[options.FindOneOptions]) (*domain.Account, error) {
	var doc accountDocument
	err := r.collection.FindOne(ctx, filter, opts...).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &doc.Account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

// GetByEmail returns the oldest account with the given primary email.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.findOne(ctx,
		bson.D{{Key: "email", Value: email}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
}

func (r *AccountRepository) GetByLinkedIdentity(ctx context.Context, provider domain.Provider, subjectID string) (*domain.Account, error) {
	return r.findOne(ctx, bson.D{{Key: "identity_keys", Value: identityKey(provider, subjectID)}})
}

// Insert assigns a new ObjectID hex id and stores the account.
func (r *AccountRepository) Insert(ctx context.Context, account *domain.Account) error {
	id := account.ID
	if id == "" {
		id = NewObjectID()
	}
	doc := toDocument(account)
	doc.ID = id

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrIdentityConflict
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	account.ID = id
	return nil
}

func (r *AccountRepository) Replace(ctx context.Context, account *domain.Account) error {
	res, err := r.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: account.ID}}, toDocument(account))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrIdentityConflict
		}
		return fmt.Errorf("failed to replace account: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

var _ domain.AccountRepository = (*AccountRepository)(nil)
