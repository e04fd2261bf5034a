package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/atmx/portfolio-engine/internal/model"
)

type ctxKey int

const claimsKey ctxKey = 1

// ClaimsFromContext returns the claims the middleware stored.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// WithClaims returns ctx carrying c.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// UserFromContext returns the authenticated user id or
// model.ErrNotAuthenticated.
func UserFromContext(ctx context.Context) (string, error) {
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.Subject == "" {
		return "", model.ErrNotAuthenticated
	}
	return c.Subject, nil
}

// ErrorWriter reports an authentication failure to the client.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware rejects requests without a valid bearer token and stores the
// token's claims in the request context. WebSocket clients that cannot set
// headers may pass the token as the access_token query parameter.
func Middleware(j JWT, fail ErrorWriter) func(http.Handler) http.Handler {
	if fail == nil {
		fail = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r.Header.Get("Authorization"))
			if tok == "" {
				tok = r.URL.Query().Get("access_token")
			}
			if tok == "" {
				fail(w, r, fmt.Errorf("%w: missing bearer token", model.ErrNotAuthenticated))
				return
			}
			claims, err := j.Verify(tok)
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
