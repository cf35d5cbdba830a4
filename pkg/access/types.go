package access

import (
	"fmt"
	"strings"
)

// Tier is a book access level, totally ordered by precedence.
type Tier int

const (
	TierBase Tier = iota + 1
	TierEnhanced
	TierInstructor
	TierPublisher
)

func (t Tier) String() string {
	switch t {
	case TierBase:
		return "BASE"
	case TierEnhanced:
		return "ENHANCED"
	case TierInstructor:
		return "INSTRUCTOR"
	case TierPublisher:
		return "PUBLISHER"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier parses a tier name
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(s) {
	case "BASE":
		return TierBase, nil
	case "ENHANCED":
		return TierEnhanced, nil
	case "INSTRUCTOR":
		return TierInstructor, nil
	case "PUBLISHER":
		return TierPublisher, nil
	default:
		return 0, fmt.Errorf("unknown access tier: %q", s)
	}
}

// AtLeast reports whether t grants at least the given tier
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// Key identifies one computed-access row
type Key struct {
	TenantID int64
	BookID   int64
	UserID   int64
}

// Computed is one materialized row of the derived access table.
// Nil expirations mean "never expires" and dominate any finite value.
type Computed struct {
	Key
	Tier                  Tier
	ExpiresAt             *int64 // unix millis
	EnhancedToolsExpireAt *int64 // unix millis
}

// SourceOrigin identifies which grant source contributed a row
type SourceOrigin string

const (
	OriginBookInstance       SourceOrigin = "book_instance"
	OriginTenantSubscription SourceOrigin = "tenant_subscription"
	OriginUserSubscription   SourceOrigin = "user_subscription"
)

// Source is one contributing grant row, normalized across the three origins.
type Source struct {
	Key
	Tier                  Tier
	ExpiresAt             *int64
	EnhancedToolsExpireAt *int64
	Origin                SourceOrigin
}

// Scope bounds a recomputation to one tenant, optionally narrowed to a
// single user and/or book. Nil means unnarrowed.
type Scope struct {
	TenantID int64
	UserID   *int64
	BookID   *int64
}

func (s Scope) String() string {
	out := fmt.Sprintf("tenant=%d", s.TenantID)
	if s.UserID != nil {
		out += fmt.Sprintf(" user=%d", *s.UserID)
	}
	if s.BookID != nil {
		out += fmt.Sprintf(" book=%d", *s.BookID)
	}
	return out
}

// ChangeOp is the kind of diff entry
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change is one entry of a computed diff
type Change struct {
	Op  ChangeOp
	Row Computed
}
