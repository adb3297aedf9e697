// Package middleware provides HTTP middleware for the promoter API.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Headers read by the auth middleware.
const (
	HeaderToken = "X-Promoter-Token"
	HeaderUser  = "X-Promoter-User"
)

// =============================================================================
// Caller Context
// =============================================================================

// Caller identifies who made a request.
type Caller struct {
	Authenticated bool
	User          string
}

type callerKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx, or an unauthenticated caller.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// =============================================================================
// Auth Configuration
// =============================================================================

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Token is the shared API token. If empty, every request is treated as
	// authenticated.
	Token string

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware checks the shared API token and records the caller in the
// request context.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuthMiddleware{config: cfg}
}

// Handler returns the middleware handler function. The token is accepted as
// a bearer token or in the X-Promoter-Token header.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := Caller{User: strings.TrimSpace(r.Header.Get(HeaderUser))}

		if m.config.Token != "" {
			token := extractToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.config.Token)) != 1 {
				m.config.Logger.Warn("invalid API token",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid API token", "unauthorized")
				return
			}
		}
		caller.Authenticated = true

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func extractToken(r *http.Request) string {
	if token := r.Header.Get(HeaderToken); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// =============================================================================
// JSON Error Response
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
