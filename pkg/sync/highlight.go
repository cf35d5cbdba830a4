package sync

// validateHighlights reconciles the caller's highlights for the book.
// Each highlight resolves independently: a stale sibling never blocks the
// rest of the list.
func validateHighlights(st *BatchState, caller Caller, frags []*HighlightFragment) (Result, error) {
	var res Result

	for _, frag := range frags {
		r, err := validateHighlight(st, caller, frag)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}

	return res, nil
}

func validateHighlight(st *BatchState, caller Caller, frag *HighlightFragment) (Result, error) {
	ts := clampToNow(frag.UpdatedAt, st.Now)
	prior := st.Highlights[HighlightKey(frag.SpineIDRef, frag.CFI)]

	if prior != nil && stale(prior.UpdatedAt, ts) {
		return staleResult(FamilyHighlights), nil
	}

	if frag.Delete {
		if prior == nil {
			// Deleting something never synced is a no-op, not an error.
			return Result{}, nil
		}
		// A highlight carrying a note or sketch soft-deletes so shared
		// references stay resolvable; a bare highlight is removed outright.
		if prior.Note != "" || prior.Sketch != "" {
			prior.DeletedAt = ts
			prior.UpdatedAt = ts
			return Result{Mutations: []Mutation{softDeleteHighlightMutation(prior, ts)}}, nil
		}
		delete(st.Highlights, HighlightKey(frag.SpineIDRef, frag.CFI))
		return Result{Mutations: []Mutation{hardDeleteHighlightMutation(prior)}}, nil
	}

	if prior == nil {
		h := &Highlight{
			UserID:     caller.UserID,
			BookID:     st.BookID,
			SpineIDRef: frag.SpineIDRef,
			CFI:        frag.CFI,
			Color:      deref(frag.Color),
			Note:       deref(frag.Note),
			Sketch:     deref(frag.Sketch),
			ShareCode:  deref(frag.ShareCode),
			UpdatedAt:  ts,
		}
		// Register the new row so later fragments, including a promotion to
		// an instructor highlight, resolve against it in the same batch.
		st.Highlights[HighlightKey(h.SpineIDRef, h.CFI)] = h
		mutations := []Mutation{insertHighlightMutation(h)}

		if st.AnalyticsEnabled {
			mutations = append(mutations, insertAnalyticsEventMutation(
				st.TenantID, caller.UserID, st.BookID, "highlight_created",
				map[string]interface{}{
					"spine_id_ref": frag.SpineIDRef,
					"cfi":          frag.CFI,
				}, st.Now))
		}

		return Result{Mutations: mutations}, nil
	}

	cols := []string{"updated_at"}
	vals := []interface{}{ts}
	if frag.Color != nil {
		cols = append(cols, "color")
		vals = append(vals, *frag.Color)
		prior.Color = *frag.Color
	}
	if frag.Note != nil {
		cols = append(cols, "note")
		vals = append(vals, *frag.Note)
		prior.Note = *frag.Note
	}
	if frag.Sketch != nil {
		cols = append(cols, "sketch")
		vals = append(vals, *frag.Sketch)
		prior.Sketch = *frag.Sketch
	}
	if frag.ShareCode != nil {
		cols = append(cols, "share_code")
		vals = append(vals, *frag.ShareCode)
		prior.ShareCode = *frag.ShareCode
	}
	// A plain update to a soft-deleted highlight undeletes it.
	if prior.DeletedAt != NotDeleted {
		cols = append(cols, "deleted_at")
		vals = append(vals, NotDeleted)
		prior.DeletedAt = NotDeleted
	}
	prior.UpdatedAt = ts

	keyClause, keyArgs := highlightKeyArgs(prior)
	return Result{Mutations: []Mutation{
		updateMutation(FamilyHighlights, "highlights", keyClause, keyArgs, cols, vals),
	}}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
