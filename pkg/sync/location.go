package sync

// validateLocation reconciles the reading-position cursor. One row per
// (user, book), last writer wins.
func validateLocation(st *BatchState, caller Caller, frag *LocationFragment) (Result, error) {
	if frag == nil {
		return Result{}, nil
	}

	if frag.SpineIDRef == nil || *frag.SpineIDRef == "" {
		return Result{}, Errorf(FamilyLocation, "spine_id_ref is required")
	}
	if frag.CFI == nil {
		return Result{}, Errorf(FamilyLocation, "cfi is required")
	}

	ts := clampToNow(frag.UpdatedAt, st.Now)
	if st.Location != nil && stale(st.Location.UpdatedAt, ts) {
		return staleResult(FamilyLocation), nil
	}

	loc := &LatestLocation{
		UserID:     caller.UserID,
		BookID:     st.BookID,
		SpineIDRef: *frag.SpineIDRef,
		CFI:        *frag.CFI,
		UpdatedAt:  ts,
	}
	return Result{Mutations: []Mutation{upsertLocationMutation(loc)}}, nil
}
