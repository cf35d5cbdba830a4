package sync

import "github.com/openshelf/openshelf/pkg/access"

// validateClassrooms reconciles the classroom sub-trees in a submission.
// Each classroom resolves its own row first, then cascades into members,
// tools (and their engagements), schedule dates and instructor highlights in
// that fixed order.
func validateClassrooms(st *BatchState, caller Caller, frags []*ClassroomFragment) (Result, error) {
	var res Result

	for _, frag := range frags {
		r, err := validateClassroom(st, caller, frag)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}

	return res, nil
}

func validateClassroom(st *BatchState, caller Caller, frag *ClassroomFragment) (Result, error) {
	var res Result

	prior := st.Classrooms[frag.UID]
	creating := prior == nil
	publisher := caller.Tier == access.TierPublisher && !caller.IsAdmin
	ts := clampToNow(frag.UpdatedAt, st.Now)

	// Deleting a classroom this server never saw is a no-op; nothing in the
	// fragment's sub-tree can exist either.
	if creating && frag.Delete {
		return Result{}, nil
	}

	// PUBLISHER-tier users curate the tenant's default classroom for the
	// book, and only its tools.
	if publisher {
		if creating || !prior.IsDefault {
			return Result{}, Errorf(FamilyClassrooms,
				"publisher access may only edit the default classroom")
		}
		if frag.RecordEdit() || len(frag.Members) > 0 ||
			len(frag.ScheduleDates) > 0 || len(frag.InstructorHighlights) > 0 {
			return Result{}, Errorf(FamilyClassrooms,
				"publisher access may only edit the default classroom's tools")
		}
	}

	var room *Classroom

	switch {
	case creating:
		r, created, err := stageClassroomCreate(st, caller, frag, ts)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
		room = created

	default:
		room = prior
		r, err := stageClassroomUpdate(st, caller, frag, prior, ts)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}

	instructor := callerIsInstructor(st, caller, room, creating)

	// Tools on the default classroom belong to the publisher; everywhere
	// else to the classroom's instructors.
	toolEditor := instructor
	if room.IsDefault {
		toolEditor = publisher || caller.IsAdmin
	}

	// Fixed cascade order: members, tools (with engagements), schedule
	// dates, instructor highlights.
	r, err := validateMembers(st, caller, room, creating, instructor, frag.Members)
	if err != nil {
		return Result{}, err
	}
	res.merge(r)

	r, err = validateTools(st, caller, room, toolEditor, frag.Tools)
	if err != nil {
		return Result{}, err
	}
	res.merge(r)

	r, err = validateScheduleDates(st, caller, room, instructor, frag.ScheduleDates)
	if err != nil {
		return Result{}, err
	}
	res.merge(r)

	r, err = validateInstructorHighlights(st, caller, room, instructor, frag.InstructorHighlights)
	if err != nil {
		return Result{}, err
	}
	res.merge(r)

	return res, nil
}

func stageClassroomCreate(st *BatchState, caller Caller, frag *ClassroomFragment, ts int64) (Result, *Classroom, error) {
	if !caller.IsAdmin && !caller.Tier.AtLeast(access.TierInstructor) {
		return Result{}, nil, Errorf(FamilyClassrooms,
			"creating a classroom requires instructor access")
	}

	// The creator must add themselves as an instructor in the same batch;
	// a classroom without an instructor is unreachable.
	creatorIncluded := false
	for _, m := range frag.Members {
		if m.UserID == caller.UserID && m.Role != nil && *m.Role == RoleInstructor && !m.Delete {
			creatorIncluded = true
			break
		}
	}
	if !creatorIncluded {
		return Result{}, nil, Errorf(FamilyClassrooms,
			"classroom creation must include the creator as an instructor member")
	}

	if err := checkCodeCollision(st, frag.UID, frag.AccessCode); err != nil {
		return Result{}, nil, err
	}
	if err := checkCodeCollision(st, frag.UID, frag.InstructorAccessCode); err != nil {
		return Result{}, nil, err
	}

	room := &Classroom{
		UID:                  frag.UID,
		TenantID:             st.TenantID,
		BookID:               st.BookID,
		Name:                 deref(frag.Name),
		Syllabus:             deref(frag.Syllabus),
		Introduction:         deref(frag.Introduction),
		AccessCode:           deref(frag.AccessCode),
		InstructorAccessCode: deref(frag.InstructorAccessCode),
		LTIKey:               deref(frag.LTIKey),
		LTISecret:            deref(frag.LTISecret),
		CreatedBy:            caller.UserID,
		UpdatedAt:            ts,
	}

	// Register the new row and its codes so later fragments in the same
	// submission resolve against it.
	st.Classrooms[room.UID] = room
	if room.AccessCode != "" {
		st.CodeOwners[room.AccessCode] = room.UID
	}
	if room.InstructorAccessCode != "" {
		st.CodeOwners[room.InstructorAccessCode] = room.UID
	}

	return Result{Mutations: []Mutation{insertClassroomMutation(room)}}, room, nil
}

func stageClassroomUpdate(st *BatchState, caller Caller, frag *ClassroomFragment, prior *Classroom, ts int64) (Result, error) {
	if !frag.RecordEdit() {
		return Result{}, nil
	}

	if prior.IsDefault {
		return Result{}, Errorf(FamilyClassrooms, "the default classroom cannot be edited")
	}
	if !caller.IsAdmin && !isLiveInstructor(st, prior.UID, caller.UserID) {
		return Result{}, Errorf(FamilyClassrooms,
			"editing a classroom requires an instructor membership")
	}

	// Code uniqueness is a structural invariant, checked before staleness:
	// a colliding code is rejected even when the submitted row is newer.
	if frag.AccessCode != nil && *frag.AccessCode != prior.AccessCode {
		if err := checkCodeCollision(st, frag.UID, frag.AccessCode); err != nil {
			return Result{}, err
		}
	}
	if frag.InstructorAccessCode != nil && *frag.InstructorAccessCode != prior.InstructorAccessCode {
		if err := checkCodeCollision(st, frag.UID, frag.InstructorAccessCode); err != nil {
			return Result{}, err
		}
	}

	if stale(prior.UpdatedAt, ts) {
		// The classroom row stays as is; nested families still resolve on
		// their own timestamps.
		return staleResult(FamilyClassrooms), nil
	}

	keyClause := "uid = $1"
	keyArgs := []interface{}{prior.UID}

	if frag.Delete {
		m := updateMutation(FamilyClassrooms, "classrooms", keyClause, keyArgs,
			[]string{"deleted_at", "updated_at"}, []interface{}{ts, ts})
		m.Op = OpSoftDelete
		return Result{Mutations: []Mutation{m}}, nil
	}

	cols := []string{"updated_at"}
	vals := []interface{}{ts}
	setStr := func(col string, v *string) {
		if v != nil {
			cols = append(cols, col)
			vals = append(vals, *v)
		}
	}
	setStr("name", frag.Name)
	setStr("syllabus", frag.Syllabus)
	setStr("introduction", frag.Introduction)
	setStr("access_code", frag.AccessCode)
	setStr("instructor_access_code", frag.InstructorAccessCode)
	setStr("lti_key", frag.LTIKey)
	setStr("lti_secret", frag.LTISecret)

	// Editing a soft-deleted classroom restores it.
	if prior.DeletedAt != NotDeleted {
		cols = append(cols, "deleted_at")
		vals = append(vals, NotDeleted)
	}

	if frag.AccessCode != nil {
		st.CodeOwners[*frag.AccessCode] = prior.UID
	}
	if frag.InstructorAccessCode != nil {
		st.CodeOwners[*frag.InstructorAccessCode] = prior.UID
	}

	return Result{Mutations: []Mutation{
		updateMutation(FamilyClassrooms, "classrooms", keyClause, keyArgs, cols, vals),
	}}, nil
}

// checkCodeCollision rejects a code already held by a different classroom in
// the tenant.
func checkCodeCollision(st *BatchState, classroomUID string, code *string) error {
	if code == nil || *code == "" {
		return nil
	}
	if owner, ok := st.CodeOwners[*code]; ok && owner != classroomUID {
		return Errorf(FamilyClassrooms, "access code %q is already in use", *code)
	}
	return nil
}

func callerIsInstructor(st *BatchState, caller Caller, room *Classroom, creating bool) bool {
	if caller.IsAdmin || creating {
		return true
	}
	return isLiveInstructor(st, room.UID, caller.UserID)
}

func isLiveInstructor(st *BatchState, classroomUID string, userID int64) bool {
	member := st.Members[MemberKey(classroomUID, userID)]
	return member != nil && member.DeletedAt == NotDeleted && member.Role == RoleInstructor
}
