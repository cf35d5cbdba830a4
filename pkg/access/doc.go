// Package access maintains the materialized computed-access table: the
// effective version tier and expirations each user holds for each book under
// a tenant, derived from direct book grants, tenant-wide subscription grants
// and per-user subscription grants.
//
// The derivation is a pure function of the grant sources in scope. The
// Maintainer recomputes it incrementally: it compiles the target row set for
// an affected scope, diffs it against the currently materialized rows and
// applies only the difference. Running it twice over unchanged sources
// produces zero writes.
package access
