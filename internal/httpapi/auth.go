package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/bhzitouni/intake/internal/fault"
)

// TokenVerifier is the authentication collaborator boundary: it turns
// an opaque bearer token into an owner identifier. Credential hashing
// and token issuance live outside this service.
type TokenVerifier interface {
	Verify(token string) (ownerID string, err error)
}

// StaticVerifier maps fixed tokens to owners. Intended for
// development and tests; production deployments plug in a real
// verifier.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(token string) (string, error) {
	owner, ok := v[token]
	if !ok {
		return "", fault.New(fault.Unauthenticated, "invalid token")
	}
	return owner, nil
}

type contextKey int

const ownerKey contextKey = 0

// OwnerFromContext returns the authenticated owner id set by the auth
// middleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey).(string)
	return owner, ok && owner != ""
}

// requireOwner authenticates every request via the Authorization
// bearer token and stores the resulting owner id in the request
// context. The owner is trusted unconditionally beyond this point;
// every lookup still matches on owner.
func requireOwner(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, fault.New(fault.Unauthenticated, "missing bearer token"))
				return
			}

			owner, err := verifier.Verify(token)
			if err != nil {
				writeError(w, fault.Wrap(fault.Unauthenticated, err))
				return
			}

			ctx := context.WithValue(r.Context(), ownerKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
