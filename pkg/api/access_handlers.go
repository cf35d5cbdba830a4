package api

import (
	"errors"
	"net/http"

	"github.com/openshelf/openshelf/pkg/access"
	"github.com/openshelf/openshelf/pkg/auth"
	"github.com/openshelf/openshelf/pkg/httputil"
	"github.com/openshelf/openshelf/pkg/idp"
)

// AccessResponse is the caller's materialized access row for a book
type AccessResponse struct {
	BookID                int64  `json:"book_id"`
	Tier                  string `json:"tier"`
	ExpiresAt             *int64 `json:"expires_at,omitempty"`
	EnhancedToolsExpireAt *int64 `json:"enhanced_tools_expire_at,omitempty"`
}

// getAccess handles GET /api/v1/books/{bookID}/access
func (s *Server) getAccess(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	bookID, ok := httputil.ParsePathInt64OrError(w, r, "bookID")
	if !ok {
		return
	}

	row, err := s.accessReader.Get(r.Context(), identity.TenantID, bookID, identity.UserID)
	if errors.Is(err, access.ErrNotFound) {
		httputil.WriteNotFoundError(w, "no access to this book")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, AccessResponse{
		BookID:                row.BookID,
		Tier:                  row.Tier.String(),
		ExpiresAt:             row.ExpiresAt,
		EnhancedToolsExpireAt: row.EnhancedToolsExpireAt,
	})
}

// pushGrants handles POST /api/v1/idp/grants. The push endpoint is reserved
// to the identity-provider integration, which authenticates as an admin.
func (s *Server) pushGrants(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if !identity.IsAdmin {
		httputil.WriteForbidden(w, "admin access required")
		return
	}

	var push idp.GrantPush
	if err := httputil.ParseJSON(r, &push); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := push.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	changes, err := s.idpService.Ingest(r.Context(), &push)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"users":   len(push.Users),
		"changes": changes,
	})
}

// recomputeRequest optionally narrows an admin recomputation
type recomputeRequest struct {
	UserID *int64 `json:"user_id,omitempty"`
	BookID *int64 `json:"book_id,omitempty"`
}

// recomputeAccess handles POST /api/v1/admin/tenants/{tenantID}/access/recompute
func (s *Server) recomputeAccess(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if !identity.IsAdmin {
		httputil.WriteForbidden(w, "admin access required")
		return
	}
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "tenantID")
	if !ok {
		return
	}

	var req recomputeRequest
	if r.ContentLength > 0 {
		if err := httputil.ParseJSON(r, &req); err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
	}

	scope := access.Scope{TenantID: tenantID, UserID: req.UserID, BookID: req.BookID}
	changes, err := s.maintainer.Recompute(r.Context(), scope, "admin")
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"scope":   scope.String(),
		"changes": changes,
	})
}
