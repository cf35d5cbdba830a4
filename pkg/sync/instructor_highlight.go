package sync

// validateInstructorHighlights reconciles a classroom's curated highlight
// set. The fragment names one of the caller's own highlights by its natural
// key within the book; promotion links that highlight to the classroom.
func validateInstructorHighlights(st *BatchState, caller Caller, room *Classroom, instructor bool, frags []*InstructorHighlightFragment) (Result, error) {
	if len(frags) == 0 {
		return Result{}, nil
	}
	if !instructor {
		return Result{}, Errorf(FamilyInstructorHighlights,
			"curating highlights requires an instructor membership")
	}

	var res Result
	for _, frag := range frags {
		r, err := validateInstructorHighlight(st, room, frag)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}
	return res, nil
}

func validateInstructorHighlight(st *BatchState, room *Classroom, frag *InstructorHighlightFragment) (Result, error) {
	// The referenced highlight must exist, possibly staged earlier in this
	// same batch; the highlights family always resolves first.
	h := st.Highlights[HighlightKey(frag.SpineIDRef, frag.CFI)]
	if h == nil {
		return Result{}, Errorf(FamilyInstructorHighlights,
			"no highlight at %s %s", frag.SpineIDRef, frag.CFI)
	}

	ts := clampToNow(frag.UpdatedAt, st.Now)
	key := InstructorHighlightKey(room.UID, frag.SpineIDRef, frag.CFI)
	prior := st.InstructorHighlights[key]

	if prior != nil && stale(prior.UpdatedAt, ts) {
		return staleResult(FamilyInstructorHighlights), nil
	}

	if frag.Delete {
		if prior == nil || prior.DeletedAt != NotDeleted {
			return Result{}, nil
		}
		m := updateInstructorHighlightMutation(st.UserID, st.BookID, prior, ts, ts)
		prior.DeletedAt = ts
		prior.UpdatedAt = ts
		return Result{Mutations: []Mutation{m}}, nil
	}

	if prior == nil {
		ih := &InstructorHighlight{
			HighlightID:  h.ID,
			ClassroomUID: room.UID,
			SpineIDRef:   frag.SpineIDRef,
			CFI:          frag.CFI,
			UpdatedAt:    ts,
		}
		st.InstructorHighlights[key] = ih
		return Result{Mutations: []Mutation{insertInstructorHighlightMutation(st.UserID, st.BookID, ih)}}, nil
	}

	// Re-promotion of a demoted highlight.
	m := updateInstructorHighlightMutation(st.UserID, st.BookID, prior, NotDeleted, ts)
	prior.DeletedAt = NotDeleted
	prior.UpdatedAt = ts
	return Result{Mutations: []Mutation{m}}, nil
}
