package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atelier-run/workspace_layer/internal/config"
	"github.com/atelier-run/workspace_layer/internal/httputil"
	"github.com/atelier-run/workspace_layer/pkg/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Claims are the JWT claims the API accepts.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates HMAC-signed bearer tokens.
type AuthMiddleware struct {
	cfg       config.AuthConfig
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware builds the middleware. Requests to skipPaths pass
// through unauthenticated.
func NewAuthMiddleware(cfg config.AuthConfig, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{cfg: cfg, log: log, skipPaths: skip}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.Disabled || m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.Unauthorized(w, "missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.Unauthorized(w, "invalid Authorization header format")
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.log.WithError(err).Warnf("token validation failed for %s %s", r.Method, r.URL.Path)
			httputil.Unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	parseOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if m.cfg.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(m.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.cfg.Secret), nil
	}, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// UserID extracts the authenticated user from the request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
