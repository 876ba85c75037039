package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.pilab.hu/fedauth/domain"
	serrors "go.pilab.hu/fedauth/errors"
)

// memoryAccounts is an AccountRepository enforcing the unique
// (provider, subject) constraint the Mongo index provides.
type memoryAccounts struct {
	mu       sync.Mutex
	seq      int
	accounts map[string]domain.Account
	order    []string

	// beforeInsert runs before each Insert; tests use it to simulate a
	// concurrent sign-in winning the race.
	beforeInsert func()
}

func newMemoryAccounts() *memoryAccounts {
	return &memoryAccounts{accounts: make(map[string]domain.Account)}
}

func clone(a domain.Account) *domain.Account {
	a.LinkedIdentities = append([]domain.LinkedIdentity(nil), a.LinkedIdentities...)
	return &a
}

func (m *memoryAccounts) GetByID(_ context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return clone(a), nil
}

func (m *memoryAccounts) GetByEmail(_ context.Context, email string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if a, ok := m.accounts[id]; ok && a.Email == email {
			return clone(a), nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (m *memoryAccounts) GetByLinkedIdentity(_ context.Context, provider domain.Provider, subjectID string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		a, ok := m.accounts[id]
		if ok && a.FindIdentity(provider, subjectID) != nil {
			return clone(a), nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (m *memoryAccounts) Insert(_ context.Context, account *domain.Account) error {
	if m.beforeInsert != nil {
		hook := m.beforeInsert
		m.beforeInsert = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsLocked("", account) {
		return domain.ErrIdentityConflict
	}
	m.seq++
	account.ID = "acc-" + strconv.Itoa(m.seq)
	m.accounts[account.ID] = *clone(*account)
	m.order = append(m.order, account.ID)
	return nil
}

func (m *memoryAccounts) Replace(_ context.Context, account *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; !ok {
		return domain.ErrAccountNotFound
	}
	if m.conflictsLocked(account.ID, account) {
		return domain.ErrIdentityConflict
	}
	m.accounts[account.ID] = *clone(*account)
	return nil
}

func (m *memoryAccounts) conflictsLocked(selfID string, account *domain.Account) bool {
	for id, other := range m.accounts {
		if id == selfID {
			continue
		}
		for _, li := range account.LinkedIdentities {
			if other.FindIdentity(li.Provider, li.SubjectID) != nil {
				return true
			}
		}
	}
	return false
}

func (m *memoryAccounts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// mockAccounts is a testify mock for failure paths.
type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*domain.Account)
	return a, args.Error(1)
}

func (m *mockAccounts) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	args := m.Called(ctx, email)
	a, _ := args.Get(0).(*domain.Account)
	return a, args.Error(1)
}

func (m *mockAccounts) GetByLinkedIdentity(ctx context.Context, provider domain.Provider, subjectID string) (*domain.Account, error) {
	args := m.Called(ctx, provider, subjectID)
	a, _ := args.Get(0).(*domain.Account)
	return a, args.Error(1)
}

func (m *mockAccounts) Insert(ctx context.Context, account *domain.Account) error {
	return m.Called(ctx, account).Error(0)
}

func (m *mockAccounts) Replace(ctx context.Context, account *domain.Account) error {
	return m.Called(ctx, account).Error(0)
}

// mockRefreshTokens is a testify mock of the refresh token repository.
type mockRefreshTokens struct {
	mock.Mock
}

func (m *mockRefreshTokens) Insert(ctx context.Context, record *domain.RefreshTokenRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *mockRefreshTokens) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	args := m.Called(ctx, tokenHash)
	r, _ := args.Get(0).(*domain.RefreshTokenRecord)
	return r, args.Error(1)
}

func (m *mockRefreshTokens) MarkRotated(ctx context.Context, id string, revokedAt time.Time, replacedByHash string) error {
	return m.Called(ctx, id, revokedAt, replacedByHash).Error(0)
}

func (m *mockRefreshTokens) RevokeAllForAccount(ctx context.Context, accountID string, revokedAt time.Time) (int64, error) {
	args := m.Called(ctx, accountID, revokedAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockRefreshTokens) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// stubValidator accepts tokens of the form "valid:<subject>:<email>".
type stubValidator struct {
	provider domain.Provider
	clientID string
	err      error
}

func (v *stubValidator) Provider() domain.Provider { return v.provider }

func (v *stubValidator) ClientID() string { return v.clientID }

func (v *stubValidator) Validate(_ context.Context, raw, _ string) (*domain.IdentityClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] != "valid" {
		return nil, serrors.NewInvalidProviderToken(v.provider.String(), errors.New("stub rejected token"))
	}
	return &domain.IdentityClaims{Provider: v.provider, Subject: parts[1], Email: parts[2]}, nil
}
