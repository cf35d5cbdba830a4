package auth

import (
	"net/http"
	"strconv"
)

// Headers set by the authenticating gateway in front of this service. The
// gateway terminates sessions and SAML; by the time a request reaches us the
// caller is already authenticated.
const (
	HeaderUserID   = "X-Openshelf-User-ID"
	HeaderTenantID = "X-Openshelf-Tenant-ID"
	HeaderAdmin    = "X-Openshelf-Admin"
)

// HeaderVerifier trusts identity headers injected by the gateway
type HeaderVerifier struct{}

// Verify implements Verifier
func (v *HeaderVerifier) Verify(r *http.Request) (*Identity, error) {
	userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || userID <= 0 {
		return nil, ErrUnauthenticated
	}
	tenantID, err := strconv.ParseInt(r.Header.Get(HeaderTenantID), 10, 64)
	if err != nil || tenantID <= 0 {
		return nil, ErrUnauthenticated
	}

	return &Identity{
		UserID:   userID,
		TenantID: tenantID,
		IsAdmin:  r.Header.Get(HeaderAdmin) == "true",
	}, nil
}
