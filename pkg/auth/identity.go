package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/openshelf/openshelf/pkg/contextkeys"
	"github.com/openshelf/openshelf/pkg/httputil"
)

// ErrUnauthenticated is returned by a Verifier when the request carries no
// valid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller context. The sync engine never
// validates credentials itself; it trusts the Verifier that produced this.
type Identity struct {
	UserID   int64
	TenantID int64
	IsAdmin  bool
}

// Verifier resolves a request to an authenticated identity. Implemented by
// the out-of-scope session/SAML collaborator.
type Verifier interface {
	Verify(r *http.Request) (*Identity, error)
}

// Middleware authenticates every request via the Verifier and stores the
// resulting Identity on the request context.
func Middleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := verifier.Verify(r)
			if err != nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			ctx := contextkeys.WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the authenticated identity from the context.
func FromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return identity, ok
}

// StaticVerifier returns a fixed identity for every request. Test use only.
type StaticVerifier struct {
	Identity *Identity
	Err      error
}

// Verify implements Verifier
func (v *StaticVerifier) Verify(r *http.Request) (*Identity, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	return v.Identity, nil
}
