package httpmw

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cwrk-planet/support-chat/internal/domain"
)

type ctxKey string

const ctxKeyIdentity ctxKey = "identity"

const (
	HeaderUserID  = "X-User-ID"
	HeaderIsAdmin = "X-Is-Admin"
)

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Identity(token string) (domain.Identity, error)
}

// Auth resolves the caller identity. With a verifier a valid Bearer token is
// required; without one the X-User-ID / X-Is-Admin headers are trusted.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				who domain.Identity
				ok  bool
				msg string
			)
			if verifier != nil {
				who, ok, msg = fromBearer(r, verifier)
			} else {
				who, ok, msg = fromHeaders(r)
			}
			if !ok {
				unauthorized(w, msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), who)))
		})
	}
}

func fromBearer(r *http.Request, v TokenVerifier) (domain.Identity, bool, string) {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return domain.Identity{}, false, "missing bearer token"
	}
	who, err := v.Identity(strings.TrimSpace(parts[1]))
	if err != nil {
		return domain.Identity{}, false, "invalid token"
	}
	return who, true, ""
}

func fromHeaders(r *http.Request) (domain.Identity, bool, string) {
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if raw == "" {
		return domain.Identity{}, false, "missing X-User-ID"
	}
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || uid <= 0 {
		return domain.Identity{}, false, "invalid X-User-ID (must be a positive int64)"
	}
	who := domain.Identity{UserID: uid}
	if s := strings.TrimSpace(r.Header.Get(HeaderIsAdmin)); s != "" {
		who.IsAdmin, _ = strconv.ParseBool(s)
	}
	return who, true, ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}

func WithIdentity(ctx context.Context, who domain.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, who)
}

func IdentityFromCtx(ctx context.Context) (domain.Identity, bool) {
	who, ok := ctx.Value(ctxKeyIdentity).(domain.Identity)
	return who, ok
}
