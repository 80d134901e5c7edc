package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/killmenot/Ripple-QEWD-Microservices-sub000/internal/shared/config"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// SessionHeader carries the user session id when authentication is disabled.
const SessionHeader = "X-Session-ID"

// User represents the caller of a request. SessionID scopes host sessions
// and the heading cache.
type User struct {
	ID        string   `json:"sub"`
	SessionID string   `json:"session_id"`
	Roles     []string `json:"roles"`
	// Token is the raw bearer token, forwarded to the discovery service
	Token string `json:"-"`
}

// Claims extends JWT claims with the user session
type Claims struct {
	jwt.RegisteredClaims
	SessionID string   `json:"session_id"`
	Roles     []string `json:"roles"`
}

// Middleware creates JWT authentication middleware. With authentication
// disabled the session id is read from the X-Session-ID header instead.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				sessionID := r.Header.Get(SessionHeader)
				if sessionID == "" {
					writeError(w, http.StatusUnauthorized, "missing "+SessionHeader+" header")
					return
				}
				user := &User{ID: "dev", SessionID: sessionID, Roles: []string{"admin"}}
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := parts[1]

			token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return []byte(cfg.JWTSecret), nil
			}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))

			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}
			if claims.SessionID == "" {
				writeError(w, http.StatusUnauthorized, "token has no session_id")
				return
			}

			user := &User{
				ID:        claims.Subject,
				SessionID: claims.SessionID,
				Roles:     claims.Roles,
				Token:     tokenString,
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithUser stores the user in a context
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser extracts the user from request context
func GetUser(ctx context.Context) *User {
	user, ok := ctx.Value(UserContextKey).(*User)
	if !ok {
		return nil
	}
	return user
}

// RequireRoles creates middleware that requires specific roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !user.HasAnyRole(roles...) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasAnyRole checks if user has one of the roles
func (u *User) HasAnyRole(roles ...string) bool {
	for _, required := range roles {
		for _, role := range u.Roles {
			if role == required {
				return true
			}
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
