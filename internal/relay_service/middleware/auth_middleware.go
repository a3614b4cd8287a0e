// Package middleware carries the HTTP middleware for the dispatch surface.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerContextKey contextKey = "caller"

// Caller is the authenticated identity extracted from the bearer token.
type Caller struct {
	Subject string
}

// CallerFromContext returns the identity set by Authenticator.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(Caller)
	return caller, ok
}

// Authenticator verifies HMAC-signed bearer tokens. A missing, malformed,
// expired, or mis-signed token is 401; a valid token minted for a different
// audience is 403, the caller is authenticated but not for this API.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	logger   *slog.Logger
}

func NewAuthenticator(secret, issuer, audience string, logger *slog.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, audience: audience, logger: logger}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims,
			func(t *jwt.Token) (any, error) { return a.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(a.issuer),
			jwt.WithExpirationRequired(),
		)
		if err != nil || !token.Valid {
			a.logger.WarnContext(r.Context(), "Rejected bearer token", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		// Audience is checked separately: a well-formed token for another
		// audience proves identity but not entitlement.
		if !audienceMatches(claims.Audience, a.audience) {
			http.Error(w, "token not valid for this audience", http.StatusForbidden)
			return
		}
		if claims.Subject == "" {
			http.Error(w, "token has no subject", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerContextKey, Caller{Subject: claims.Subject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func audienceMatches(audience jwt.ClaimStrings, want string) bool {
	for _, a := range audience {
		if a == want {
			return true
		}
	}
	return false
}
