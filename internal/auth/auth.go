// Package auth guards the guardpost admin surface with JWT Bearer
// token validation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/guardpost/internal/apierror"
	"github.com/dskow/guardpost/internal/config"
	"github.com/dskow/guardpost/internal/metrics"
)

type contextKey string

// ClaimsKey is the context key under which validated claims are stored.
const ClaimsKey contextKey = "jwt_claims"

// Claims carries the validated token claims handed to downstream handlers.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// ScopeError marks a token that verified fine but lacks a required
// scope. It maps to 403 where every other failure maps to 401.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

// Middleware returns middleware enforcing Bearer token auth per cfg.
// With cfg.Enabled false everything passes through, so callers wrap
// only the surfaces that need protection.
func Middleware(cfg config.AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			raw := bearerToken(r)
			if raw == "" {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, "missing or malformed Authorization header")
				return
			}

			claims, err := verify(raw, cfg)
			if err != nil {
				logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				var scopeErr *ScopeError
				if errors.As(err, &scopeErr) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error())
					return
				}
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClaimsKey, claims)))
		})
	}
}

// bearerToken pulls the credential out of the Authorization header, or
// returns "" when the header is absent or not a Bearer credential.
func bearerToken(r *http.Request) string {
	scheme, rest, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}

// verify parses and validates the signed token, returning the mapped
// claims on success. Signature, issuer, audience, and expiry are all
// checked by the parser; scopes are checked here.
func verify(raw string, cfg config.AuthConfig) (*Claims, error) {
	hmacKey := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}

	token, err := jwt.Parse(raw, hmacKey,
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	claims := claimsFrom(mc)
	for _, want := range cfg.Scopes {
		if !slices.Contains(claims.Scopes, want) {
			return nil, &ScopeError{MissingScope: want}
		}
	}
	return claims, nil
}

// claimsFrom maps the raw claim set into Claims. The aud claim may be
// a bare string or a JSON array; scope is the OAuth2 space-separated
// form.
func claimsFrom(mc jwt.MapClaims) *Claims {
	c := &Claims{}
	c.Subject, _ = mc["sub"].(string)
	c.Issuer, _ = mc["iss"].(string)

	switch aud := mc["aud"].(type) {
	case string:
		c.Audience = aud
	case []interface{}:
		if len(aud) > 0 {
			c.Audience, _ = aud[0].(string)
		}
	}

	if scope, ok := mc["scope"].(string); ok {
		c.Scopes = strings.Fields(scope)
	}
	return c
}
