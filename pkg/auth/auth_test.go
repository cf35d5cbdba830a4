package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderVerifier(t *testing.T) {
	verifier := &HeaderVerifier{}

	request := func(userID, tenantID, admin string) *http.Request {
		r := httptest.NewRequest("GET", "/", nil)
		if userID != "" {
			r.Header.Set(HeaderUserID, userID)
		}
		if tenantID != "" {
			r.Header.Set(HeaderTenantID, tenantID)
		}
		if admin != "" {
			r.Header.Set(HeaderAdmin, admin)
		}
		return r
	}

	t.Run("valid headers resolve", func(t *testing.T) {
		identity, err := verifier.Verify(request("100", "1", ""))
		require.NoError(t, err)
		assert.Equal(t, int64(100), identity.UserID)
		assert.Equal(t, int64(1), identity.TenantID)
		assert.False(t, identity.IsAdmin)
	})

	t.Run("admin header", func(t *testing.T) {
		identity, err := verifier.Verify(request("100", "1", "true"))
		require.NoError(t, err)
		assert.True(t, identity.IsAdmin)

		identity, err = verifier.Verify(request("100", "1", "yes"))
		require.NoError(t, err)
		assert.False(t, identity.IsAdmin)
	})

	t.Run("missing or bad ids are unauthenticated", func(t *testing.T) {
		for _, tc := range []struct {
			name             string
			userID, tenantID string
		}{
			{"no headers", "", ""},
			{"no tenant", "100", ""},
			{"no user", "", "1"},
			{"non-numeric user", "jordan", "1"},
			{"zero user", "0", "1"},
			{"negative tenant", "100", "-1"},
		} {
			t.Run(tc.name, func(t *testing.T) {
				_, err := verifier.Verify(request(tc.userID, tc.tenantID, ""))
				assert.ErrorIs(t, err, ErrUnauthenticated)
			})
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("stores the identity on the context", func(t *testing.T) {
		var got *Identity
		handler := Middleware(&StaticVerifier{Identity: &Identity{UserID: 100, TenantID: 1}})(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = FromContext(r.Context())
			}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, int64(100), got.UserID)
	})

	t.Run("a failed verification short-circuits with 401", func(t *testing.T) {
		called := false
		handler := Middleware(&StaticVerifier{Err: ErrUnauthenticated})(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, called)
	})
}
