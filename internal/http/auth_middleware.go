package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

const contextKeyAuth authContextKey = "gateway-auth-info"

// authInfo is what a verified token resolves to.
type authInfo struct {
	AccountID string
}

// contextSetter lets the audit wrapper see the authenticated context so
// access logs can name the actor.
type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth rejects requests without a valid bearer token and stores the
// resolved account on the request context for the wrapped handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		accountID, err := r.auth.Verify(token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}

		ctx := context.WithValue(req.Context(), contextKeyAuth, authInfo{AccountID: accountID})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(contextKeyAuth).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	parts := strings.Fields(header)
	switch {
	case len(parts) == 0:
		return "", errors.New("missing authorization header")
	case len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer"):
		return "", errors.New("malformed authorization header")
	}
	return parts[1], nil
}
