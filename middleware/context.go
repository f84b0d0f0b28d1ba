package middleware

import (
	"context"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/llm-governance-gateway/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for JWT claims
	ClaimsKey contextKey = "claims"
)

// Claims represents JWT claims extracted from the token. The subject is the
// caller's user ID; reviewers carry the reviewer role in Role or Roles.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// UserID returns the subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// HasRole reports whether the claims carry role
func (c *Claims) HasRole(role string) bool {
	return c.Role == role || slices.Contains(c.Roles, role)
}

// HasAnyRole reports whether the claims carry at least one of roles
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// Principal returns the identity the claims describe
func (c *Claims) Principal() models.Principal {
	return models.Principal{
		Subject: c.Subject,
		Email:   c.Email,
		Role:    models.Role(c.PrimaryRole()),
	}
}

// PrimaryRole returns Role, falling back to the first of Roles
func (c *Claims) PrimaryRole() string {
	if c.Role != "" || len(c.Roles) == 0 {
		return c.Role
	}
	return c.Roles[0]
}

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves JWT claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds JWT claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}
