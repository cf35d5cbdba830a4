package access

import "sort"

// Compile derives the target computed-access rows from the union of grant
// sources in scope. For each (tenant, book, user) key the result holds the
// highest-precedence tier among contributing sources; expirations take the
// latest contributing value, with nil ("never expires") dominating any
// finite timestamp. The output is sorted by key for determinism.
func Compile(sources []Source) []Computed {
	byKey := make(map[Key]*Computed, len(sources))

	for _, src := range sources {
		row, ok := byKey[src.Key]
		if !ok {
			byKey[src.Key] = &Computed{
				Key:                   src.Key,
				Tier:                  src.Tier,
				ExpiresAt:             src.ExpiresAt,
				EnhancedToolsExpireAt: src.EnhancedToolsExpireAt,
			}
			continue
		}

		if src.Tier > row.Tier {
			row.Tier = src.Tier
		}
		row.ExpiresAt = laterExpiration(row.ExpiresAt, src.ExpiresAt)
		row.EnhancedToolsExpireAt = laterExpiration(row.EnhancedToolsExpireAt, src.EnhancedToolsExpireAt)
	}

	out := make([]Computed, 0, len(byKey))
	for _, row := range byKey {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.BookID != b.BookID {
			return a.BookID < b.BookID
		}
		return a.UserID < b.UserID
	})
	return out
}

// laterExpiration picks the later of two expirations, treating nil as
// infinitely far in the future.
func laterExpiration(a, b *int64) *int64 {
	if a == nil || b == nil {
		return nil
	}
	if *a >= *b {
		return a
	}
	return b
}

// Diff compares the compiled target rows against the currently materialized
// rows for the same scope. It emits inserts for new keys, updates for keys
// whose value changed and deletes for materialized keys no longer present.
// An unchanged row produces no entry, so an empty diff means no write.
func Diff(target, current []Computed) []Change {
	currentByKey := make(map[Key]Computed, len(current))
	for _, row := range current {
		currentByKey[row.Key] = row
	}

	var changes []Change
	for _, row := range target {
		prev, ok := currentByKey[row.Key]
		if !ok {
			changes = append(changes, Change{Op: ChangeInsert, Row: row})
			continue
		}
		delete(currentByKey, row.Key)
		if !sameValue(prev, row) {
			changes = append(changes, Change{Op: ChangeUpdate, Row: row})
		}
	}

	// Anything left in currentByKey has no contributing source anymore.
	stale := make([]Computed, 0, len(currentByKey))
	for _, row := range currentByKey {
		stale = append(stale, row)
	}
	sort.Slice(stale, func(i, j int) bool {
		a, b := stale[i].Key, stale[j].Key
		if a.BookID != b.BookID {
			return a.BookID < b.BookID
		}
		return a.UserID < b.UserID
	})
	for _, row := range stale {
		changes = append(changes, Change{Op: ChangeDelete, Row: row})
	}

	return changes
}

func sameValue(a, b Computed) bool {
	return a.Tier == b.Tier &&
		sameExpiration(a.ExpiresAt, b.ExpiresAt) &&
		sameExpiration(a.EnhancedToolsExpireAt, b.EnhancedToolsExpireAt)
}

func sameExpiration(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
