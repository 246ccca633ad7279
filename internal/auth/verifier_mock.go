package auth

import (
	"context"

	"github.com/stretchr/testify/mock"

	"grimm.is/umc/internal/session"
)

// MockVerifier is a testify mock of Verifier for use in tests.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, username, password string) error {
	args := m.Called(ctx, username, password)
	return args.Error(0)
}

func (m *MockVerifier) ChangeExpiredPassword(ctx context.Context, username, oldPassword, newPassword string) error {
	args := m.Called(ctx, username, oldPassword, newPassword)
	return args.Error(0)
}

func (m *MockVerifier) LookupIdentity(ctx context.Context, username string) (*session.Identity, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Identity), args.Error(1)
}
