package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Roles carried in the "role" claim
const (
	RoleWorker   = "worker"
	RoleOperator = "operator"
)

type contextKey string

// ClaimsKey is the context key for validated token claims
const ClaimsKey contextKey = "worker_claims"

// ErrWorkerMismatch is returned when a token is used on behalf of another worker
var ErrWorkerMismatch = errors.New("token does not belong to this worker")

// AuthClient defines the interface for authentication operations
type AuthClient interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
	ExtractTokenFromRequest(r *http.Request) (string, error)
	SetClaimsInContext(r *http.Request, claims *Claims) *http.Request
}

// Claims are the JWT claims presented by crawler workers and operators.
// Workers identify themselves with worker_identifier, falling back to sub.
type Claims struct {
	jwt.RegisteredClaims
	WorkerIdentifier string `json:"worker_identifier,omitempty"`
	Role             string `json:"role,omitempty"`
}

// Identifier returns the worker identifier the token was issued for
func (c *Claims) Identifier() string {
	if c.WorkerIdentifier != "" {
		return c.WorkerIdentifier
	}
	return c.Subject
}

// IsOperator reports whether the token may call operator endpoints
func (c *Claims) IsOperator() bool {
	return c.Role == RoleOperator
}

// TokenValidator implements AuthClient with either a shared secret or a JWKS
type TokenValidator struct {
	config *Config

	jwksOnce    sync.Once
	jwks        keyfunc.Keyfunc
	jwksInitErr error
}

// NewTokenValidator creates a validator for the given config
func NewTokenValidator(config *Config) *TokenValidator {
	return &TokenValidator{config: config}
}

// ExtractTokenFromRequest extracts the bearer token from the Authorization header
func (v *TokenValidator) ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("missing or invalid authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// SetClaimsInContext adds the validated claims to the request context
func (v *TokenValidator) SetClaimsInContext(r *http.Request, claims *Claims) *http.Request {
	ctx := context.WithValue(r.Context(), ClaimsKey, claims)
	return r.WithContext(ctx)
}

// getJWKS returns the cached JWKS client, fetching the key set on first use
func (v *TokenValidator) getJWKS() (keyfunc.Keyfunc, error) {
	v.jwksOnce.Do(func() {
		refresh := v.config.RefreshInterval
		if refresh <= 0 {
			refresh = 10 * time.Minute
		}

		override := keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: refresh,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		}

		childCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		v.jwks, v.jwksInitErr = keyfunc.NewDefaultOverrideCtx(childCtx, []string{v.config.JWKSURL}, override)
	})

	if v.jwksInitErr != nil {
		return nil, v.jwksInitErr
	}
	return v.jwks, nil
}

// ValidateToken parses and verifies a bearer token
func (v *TokenValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request context cancelled: %w", ctx.Err())
	default:
	}

	if !v.config.Enabled() {
		return nil, fmt.Errorf("token validation is not configured")
	}

	var (
		keys    jwt.Keyfunc
		methods []string
	)
	if v.config.JWKSURL != "" {
		jwks, err := v.getJWKS()
		if err != nil {
			return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
		}
		keys = jwks.Keyfunc
		methods = []string{jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name}
	} else {
		secret := []byte(v.config.JWTSecret)
		keys = func(*jwt.Token) (interface{}, error) { return secret, nil }
		methods = []string{jwt.SigningMethodHS256.Name}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, keys, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.Role == "" {
		claims.Role = RoleWorker
	}
	if claims.Role != RoleWorker && claims.Role != RoleOperator {
		return nil, fmt.Errorf("token has unexpected role: %s", claims.Role)
	}
	if claims.Role == RoleWorker && claims.Identifier() == "" {
		return nil, fmt.Errorf("token missing worker identifier")
	}

	return claims, nil
}

// Middleware rejects requests without a valid bearer token
func Middleware(authClient AuthClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := authClient.ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, r, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authClient.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Str("token_prefix", tokenString[:min(10, len(tokenString))]).Msg("JWT validation failed")

				errorMsg := "Invalid authentication token"
				statusCode := http.StatusUnauthorized

				msg := err.Error()
				switch {
				case strings.Contains(msg, "expired"):
					errorMsg = "Authentication token has expired"
				case strings.Contains(msg, "signature"):
					errorMsg = "Invalid token signature"
					sentry.CaptureException(err)
				case strings.Contains(msg, "JWKS") || strings.Contains(msg, "jwks") || strings.Contains(msg, "keyfunc") || strings.Contains(msg, "not configured"):
					errorMsg = "Authentication service misconfigured"
					statusCode = http.StatusInternalServerError
					sentry.CaptureException(err)
				}

				writeAuthError(w, r, errorMsg, statusCode)
				return
			}

			r = authClient.SetClaimsInContext(r, claims)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOperator rejects authenticated requests whose token lacks the
// operator role. Requests without claims pass through so that the same
// routes work when auth is disabled.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := GetClaimsFromContext(r.Context()); ok && !claims.IsOperator() {
			writeAuthError(w, r, "Operator token required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClaimsFromContext extracts token claims from the request context
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok && claims != nil
}

// AuthorizeWorker checks that the authenticated caller may act as identifier.
// With no claims in context (auth disabled) every identifier is allowed.
func AuthorizeWorker(ctx context.Context, identifier string) error {
	claims, ok := GetClaimsFromContext(ctx)
	if !ok || claims.IsOperator() {
		return nil
	}
	if claims.Identifier() != identifier {
		return ErrWorkerMismatch
	}
	return nil
}

// writeAuthError writes a standardised authentication error response
func writeAuthError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	// RequestIDMiddleware runs first and echoes the ID on the response
	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" && r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	code := "UNAUTHORISED"
	if statusCode == http.StatusForbidden {
		code = "FORBIDDEN"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"status":     statusCode,
		"message":    message,
		"code":       code,
		"request_id": requestID,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode unauthorised response")
	}
}
