package sync

import "github.com/google/uuid"

// validateEngagements reconciles the caller's interactions with one tool.
// Submission-type rows (client-supplied uid) are append-only: replaying one
// the server already has is a silent no-op. Update-type rows (no uid) are
// keyed by (tool, user) and resolve last-writer-wins.
func validateEngagements(st *BatchState, caller Caller, room *Classroom, tool *Tool, frags []*EngagementFragment) (Result, error) {
	if !tool.Published() {
		return Result{}, Errorf(FamilyEngagements, "tool %q is not published", tool.UID)
	}
	if tool.DeletedAt != NotDeleted {
		return Result{}, Errorf(FamilyEngagements, "tool %q has been removed", tool.UID)
	}
	if !canEngage(st, caller, room) {
		return Result{}, Errorf(FamilyEngagements,
			"engaging with this classroom's tools requires membership")
	}

	var res Result
	for _, frag := range frags {
		var (
			r   Result
			err error
		)
		if frag.Submission() {
			r, err = validateSubmission(st, caller, tool, frag)
		} else {
			r, err = validateEngagementUpdate(st, caller, tool, frag)
		}
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}
	return res, nil
}

// canEngage reports whether the caller may interact with the classroom's
// tools. The default classroom is open to every reader of the book; other
// classrooms require a live membership.
func canEngage(st *BatchState, caller Caller, room *Classroom) bool {
	if caller.IsAdmin {
		return true
	}
	if room.IsDefault {
		return caller.Tier > 0
	}
	member := st.Members[MemberKey(room.UID, caller.UserID)]
	return member != nil && member.DeletedAt == NotDeleted
}

func validateSubmission(st *BatchState, caller Caller, tool *Tool, frag *EngagementFragment) (Result, error) {
	if frag.Delete {
		return Result{}, Errorf(FamilyEngagements, "submissions cannot be deleted")
	}

	key := EngagementSubKey(frag.UID)
	if st.Engagements[key] != nil {
		// Replay of an already-recorded submission. Reported as stale so a
		// byte-identical resubmission maps to partial success, never an error:
		// the row stays append-only and no mutation is staged.
		return staleResult(FamilyEngagements), nil
	}

	ts := clampToNow(frag.UpdatedAt, st.Now)
	e := &ToolEngagement{
		UID:       frag.UID,
		ToolUID:   tool.UID,
		UserID:    caller.UserID,
		Kind:      EngagementSubmission,
		State:     deref(frag.State),
		UpdatedAt: ts,
	}

	mutations := []Mutation{insertEngagementMutation(e)}
	for i, v := range frag.Answers {
		a := EngagementAnswer{EngagementUID: e.UID, Ordinal: i, Value: v}
		e.Answers = append(e.Answers, a)
		mutations = append(mutations, insertAnswerMutation(a))
	}

	st.Engagements[key] = e
	return Result{Mutations: mutations}, nil
}

func validateEngagementUpdate(st *BatchState, caller Caller, tool *Tool, frag *EngagementFragment) (Result, error) {
	ts := clampToNow(frag.UpdatedAt, st.Now)
	key := EngagementUpdKey(tool.UID, caller.UserID)
	prior := st.Engagements[key]

	if prior != nil && stale(prior.UpdatedAt, ts) {
		return staleResult(FamilyEngagements), nil
	}

	if frag.Delete {
		if prior == nil || prior.DeletedAt != NotDeleted {
			return Result{}, nil
		}
		m := updateMutation(FamilyEngagements, "tool_engagements",
			"uid = $1", []interface{}{prior.UID},
			[]string{"deleted_at", "updated_at"}, []interface{}{ts, ts})
		m.Op = OpSoftDelete
		prior.DeletedAt = ts
		prior.UpdatedAt = ts
		return Result{Mutations: []Mutation{m}}, nil
	}

	if prior == nil {
		// Update-type rows are server-keyed; the uid is minted here.
		e := &ToolEngagement{
			UID:       uuid.New().String(),
			ToolUID:   tool.UID,
			UserID:    caller.UserID,
			Kind:      EngagementUpdate,
			State:     deref(frag.State),
			UpdatedAt: ts,
		}
		mutations := []Mutation{insertEngagementMutation(e)}
		for i, v := range frag.Answers {
			a := EngagementAnswer{EngagementUID: e.UID, Ordinal: i, Value: v}
			e.Answers = append(e.Answers, a)
			mutations = append(mutations, insertAnswerMutation(a))
		}
		st.Engagements[key] = e
		return Result{Mutations: mutations}, nil
	}

	cols := []string{"updated_at"}
	vals := []interface{}{ts}
	if frag.State != nil {
		cols = append(cols, "state")
		vals = append(vals, *frag.State)
		prior.State = *frag.State
	}
	if prior.DeletedAt != NotDeleted {
		cols = append(cols, "deleted_at")
		vals = append(vals, NotDeleted)
		prior.DeletedAt = NotDeleted
	}
	prior.UpdatedAt = ts

	mutations := []Mutation{updateMutation(FamilyEngagements, "tool_engagements",
		"uid = $1", []interface{}{prior.UID}, cols, vals)}

	// A submitted answers array replaces the stored set wholesale.
	if frag.Answers != nil {
		mutations = append(mutations, deleteAnswersMutation(prior.UID))
		prior.Answers = nil
		for i, v := range frag.Answers {
			a := EngagementAnswer{EngagementUID: prior.UID, Ordinal: i, Value: v}
			prior.Answers = append(prior.Answers, a)
			mutations = append(mutations, insertAnswerMutation(a))
		}
	}

	return Result{Mutations: mutations}, nil
}
