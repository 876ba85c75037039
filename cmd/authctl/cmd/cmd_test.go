package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/fedauth/cache"
	"go.pilab.hu/fedauth/config"
	"go.pilab.hu/fedauth/domain"
	"go.pilab.hu/fedauth/internal/app"
	"go.pilab.hu/fedauth/services"
	"gopkg.in/yaml.v3"
)

const testKey = "0123456789abcdef0123456789abcdef"

type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) result(args mock.Arguments) (*domain.Account, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Account), args.Error(1)
}

func (m *mockAccounts) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return m.result(m.Called(ctx, id))
}

func (m *mockAccounts) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return m.result(m.Called(ctx, email))
}

func (m *mockAccounts) GetByLinkedIdentity(ctx context.Context, provider domain.Provider, subjectID string) (*domain.Account, error) {
	return m.result(m.Called(ctx, provider, subjectID))
}

func (m *mockAccounts) Insert(ctx context.Context, account *domain.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *mockAccounts) Replace(ctx context.Context, account *domain.Account) error {
	return m.Called(ctx, account).Error(0)
}

func run(t *testing.T, deps *app.App, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FEDAUTH_JWT_SIGNING_KEY", testKey)
	t.Setenv("FEDAUTH_LOG_LEVEL", "error")

	c := &cli{newApp: func(context.Context, *config.Config) (*app.App, error) {
		require.NotNil(t, deps, "command should not need the stores")
		return deps, nil
	}}
	root := newRootCmd(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func issue(t *testing.T) string {
	t.Helper()
	signer := services.NewTokenSigner()
	require.NoError(t, signer.AddKey("", []byte(testKey)))
	tokens, err := services.NewAccessTokenService(signer, services.AccessTokenConfig{})
	require.NoError(t, err)
	raw, _, err := tokens.Issue("acc-1", "ada", "ada@example.com")
	require.NoError(t, err)
	return raw
}

func TestTokenVerify(t *testing.T) {
	out, err := run(t, nil, "", "token", "verify", issue(t), "-o", "json")
	require.NoError(t, err)

	var view claimsView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "acc-1", view.Subject)
	assert.Equal(t, "ada", view.Username)
	assert.WithinDuration(t, view.IssuedAt.Add(services.DefaultAccessTokenLifetime), view.ExpiresAt, time.Second)
}

func TestTokenVerify_Stdin(t *testing.T) {
	out, err := run(t, nil, issue(t)+"\n", "token", "verify")
	require.NoError(t, err)

	var view claimsView
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, "acc-1", view.Subject)
}

func TestTokenVerify_Rejected(t *testing.T) {
	raw := issue(t)
	_, err := run(t, nil, "", "token", "verify", raw[:len(raw)-4]+"abcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token rejected")

	_, err = run(t, nil, "", "token", "verify", "-")
	assert.EqualError(t, err, "no token given")

	_, err = run(t, nil, "  \n", "token", "verify")
	assert.EqualError(t, err, "no token given")
}

func TestTokenVerify_StdinWithoutNewline(t *testing.T) {
	out, err := run(t, nil, issue(t), "token", "verify", "-")
	require.NoError(t, err)

	var view claimsView
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, "acc-1", view.Subject)
}

func TestUnsupportedOutput(t *testing.T) {
	_, err := run(t, nil, "", "token", "verify", "x", "-o", "xml")
	assert.EqualError(t, err, `unsupported output format "xml"`)
}

func TestAccountShow(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	account := &domain.Account{
		ID:        "acc-1",
		Username:  "ada",
		Email:     "ada@example.com",
		CreatedAt: created,
		LinkedIdentities: []domain.LinkedIdentity{
			{Provider: domain.ProviderGoogle, SubjectID: "g-1", LinkedAt: created, AccessTokenSealed: "sealed"},
		},
	}
	accounts := new(mockAccounts)
	accounts.On("GetByEmail", mock.Anything, "ada@example.com").Return(account, nil)
	accounts.On("GetByID", mock.Anything, "missing").Return(nil, domain.ErrAccountNotFound)
	deps := &app.App{Accounts: accounts}

	out, err := run(t, deps, "", "account", "show", "ada@example.com")
	require.NoError(t, err)
	var view accountView
	require.NoError(t, yaml.Unmarshal([]byte(out), &view))
	assert.Equal(t, "acc-1", view.ID)
	require.Len(t, view.Identities, 1)
	assert.Equal(t, "google", view.Identities[0].Provider)
	assert.True(t, view.Identities[0].HasCredentials)
	assert.NotContains(t, out, "sealed")

	_, err = run(t, deps, "", "account", "show", "missing")
	assert.EqualError(t, err, `account "missing" not found`)
}

func TestTokensRevokeAndSweep(t *testing.T) {
	store := cache.NewMemoryRefreshTokenStore(nil)
	t.Cleanup(func() { _ = store.Close() })
	refresh := services.NewRefreshTokenService(store, services.RefreshTokenConfig{})
	for range 2 {
		_, err := refresh.Create(context.Background(), "acc-1")
		require.NoError(t, err)
	}
	deps := &app.App{Refresh: refresh}

	out, err := run(t, deps, "", "tokens", "revoke", "acc-1")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked: 2")

	out, err = run(t, deps, "", "tokens", "sweep", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"deleted": 0`)
}
