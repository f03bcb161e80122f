// Package middleware carries the chi-stack middleware the draw endpoint
// wraps around the handler: JWT bearer auth and per-account rate limiting.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const subjectContextKey contextKey = "ulde_subject"

// JWTOptions configures the bearer-auth middleware, a scaled-down version of
// the multi-algorithm, multi-role verifier the payment gateway carries: the
// decision engine only needs to know who is calling, not what role they hold.
type JWTOptions struct {
	Issuer         string
	Audience       []string
	HSSecretEnv    string
	MaxSkewSeconds int
	Now            func() time.Time
}

// Auth returns chi-compatible middleware verifying an HS256 bearer JWT on
// every request and stashing its subject claim in the request context.
func Auth(opts JWTOptions) func(http.Handler) http.Handler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			secret := os.Getenv(opts.HSSecretEnv)
			if secret == "" {
				http.Error(w, "auth secret unavailable", http.StatusInternalServerError)
				return
			}

			claims := jwt.MapClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithIssuer(opts.Issuer),
				jwt.WithAudience(opts.Audience...),
				jwt.WithTimeFunc(now),
			}
			if leeway > 0 {
				parserOpts = append(parserOpts, jwt.WithLeeway(leeway))
			}

			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, parserOpts...)
			if err != nil || !parsed.Valid {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			subject, _ := claims.GetSubject()
			if subject == "" {
				http.Error(w, "token missing subject", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// Subject extracts the authenticated subject stashed by Auth, if any.
func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectContextKey).(string)
	return v, ok
}
