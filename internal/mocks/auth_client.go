package mocks

import (
	"context"
	"net/http"

	"github.com/Harvey-AU/crawl-coordinator/internal/auth"
	"github.com/stretchr/testify/mock"
)

// MockAuthClient is a mock implementation of auth.AuthClient
type MockAuthClient struct {
	mock.Mock
}

// ValidateToken mocks JWT token validation
func (m *MockAuthClient) ValidateToken(ctx context.Context, token string) (*auth.Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Claims), args.Error(1)
}

// ExtractTokenFromRequest mocks token extraction from HTTP request
func (m *MockAuthClient) ExtractTokenFromRequest(r *http.Request) (string, error) {
	args := m.Called(r)
	return args.String(0), args.Error(1)
}

// SetClaimsInContext stores the claims the same way the real client does so
// handlers behind the mock see them
func (m *MockAuthClient) SetClaimsInContext(r *http.Request, claims *auth.Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), auth.ClaimsKey, claims))
}

// NewMockAuthConfig creates a shared-secret auth configuration for testing
func NewMockAuthConfig() *auth.Config {
	return &auth.Config{
		JWTSecret: "test-secret-that-is-at-least-32-chars",
	}
}
