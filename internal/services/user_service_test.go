package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equitylens/equitylens/internal/models"
)

func (f *fakeDB) CreateUser(_ context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users == nil {
		f.users = make(map[string]*models.User)
	}
	cp := *user
	f.users[user.Email] = &cp
	return nil
}

func (f *fakeDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[email]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func TestCreateUserNormalizesEmail(t *testing.T) {
	db := newFakeDB()
	svc := NewUserService(db)

	user := &models.User{ID: "u1", Email: "  Analyst@Example.COM ", PasswordHash: "hash"}
	require.NoError(t, svc.Create(context.Background(), user))
	assert.Equal(t, "analyst@example.com", user.Email)

	// Lookups normalize the same way, so case differences still match.
	found, err := svc.GetByEmail(context.Background(), "ANALYST@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "u1", found.ID)
}

func TestCreateUserRejectsIncompletePayload(t *testing.T) {
	svc := NewUserService(newFakeDB())

	assert.Error(t, svc.Create(context.Background(), nil))
	assert.Error(t, svc.Create(context.Background(), &models.User{Email: "a@b.c"}))
	assert.Error(t, svc.Create(context.Background(), &models.User{PasswordHash: "hash"}))
}
