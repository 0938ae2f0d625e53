package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nimbus-platform/nimbus/internal/platform/httpx"
)

// TokenResolver resolves a bearer token to its claims.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (TokenClaims, error)
}

// Middleware authenticates API requests via bearer tokens.
type Middleware struct {
	tokens TokenResolver
	logger *slog.Logger
}

// NewMiddleware constructs a Middleware.
func NewMiddleware(tokens TokenResolver, logger *slog.Logger) *Middleware {
	return &Middleware{tokens: tokens, logger: logger}
}

// RequireAuth rejects requests without a valid bearer token and puts the
// resolved actor on the request context.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			return
		}
		claims, err := m.tokens.Resolve(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrTokenInvalid) {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token")
				return
			}
			m.logger.Error("token resolution failed", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		actor := Actor{UserID: claims.UserID, Email: claims.Email, Token: token}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
