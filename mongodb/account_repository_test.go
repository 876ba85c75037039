package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/fedauth/domain"
	"go.pilab.hu/fedauth/mongodb/testutil"
)

func newTestAccount(email string, identities ...domain.LinkedIdentity) *domain.Account {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Account{
		Username:         "user",
		Email:            email,
		DisplayName:      "User",
		CreatedAt:        now,
		UpdatedAt:        now,
		LoginCount:       1,
		LinkedIdentities: identities,
	}
}

func identity(provider domain.Provider, subject string) domain.LinkedIdentity {
	return domain.LinkedIdentity{
		Provider:  provider,
		SubjectID: subject,
		LinkedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestAccountRepository(t *testing.T) {
	db := testutil.SetupTestMongoDB(t, "fedauth_accounts")
	ctx := context.Background()

	repo, err := NewAccountRepository(ctx, db)
	require.NoError(t, err)

	account := newTestAccount("a@x.com", identity(domain.ProviderGoogle, "g123"))
	require.NoError(t, repo.Insert(ctx, account))
	require.NotEmpty(t, account.ID)

	t.Run("lookups", func(t *testing.T) {
		byID, err := repo.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, account.Email, byID.Email)
		assert.True(t, account.CreatedAt.Equal(byID.CreatedAt))

		byEmail, err := repo.GetByEmail(ctx, "a@x.com")
		require.NoError(t, err)
		assert.Equal(t, account.ID, byEmail.ID)

		byIdentity, err := repo.GetByLinkedIdentity(ctx, domain.ProviderGoogle, "g123")
		require.NoError(t, err)
		assert.Equal(t, account.ID, byIdentity.ID)

		_, err = repo.GetByLinkedIdentity(ctx, domain.ProviderMicrosoft, "g123")
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
		_, err = repo.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("identity is unique across accounts", func(t *testing.T) {
		dup := newTestAccount("b@x.com", identity(domain.ProviderGoogle, "g123"))
		assert.ErrorIs(t, repo.Insert(ctx, dup), domain.ErrIdentityConflict)

		other := newTestAccount("b@x.com", identity(domain.ProviderMicrosoft, "m1"))
		require.NoError(t, repo.Insert(ctx, other))

		other.LinkedIdentities = append(other.LinkedIdentities, identity(domain.ProviderGoogle, "g123"))
		assert.ErrorIs(t, repo.Replace(ctx, other), domain.ErrIdentityConflict)
	})

	t.Run("accounts without identities do not collide", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, newTestAccount("c@x.com")))
		require.NoError(t, repo.Insert(ctx, newTestAccount("d@x.com")))
	})

	t.Run("replace", func(t *testing.T) {
		account.LinkedIdentities = append(account.LinkedIdentities, identity(domain.ProviderMicrosoft, "m456"))
		account.LoginCount = 2
		require.NoError(t, repo.Replace(ctx, account))

		got, err := repo.GetByLinkedIdentity(ctx, domain.ProviderMicrosoft, "m456")
		require.NoError(t, err)
		assert.Equal(t, account.ID, got.ID)
		assert.Equal(t, 2, got.LoginCount)
		assert.Len(t, got.LinkedIdentities, 2)

		got.RemoveProvider(domain.ProviderGoogle)
		require.NoError(t, repo.Replace(ctx, got))
		_, err = repo.GetByLinkedIdentity(ctx, domain.ProviderGoogle, "g123")
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)

		missing := newTestAccount("e@x.com")
		missing.ID = NewObjectID()
		assert.ErrorIs(t, repo.Replace(ctx, missing), domain.ErrAccountNotFound)
	})
}
