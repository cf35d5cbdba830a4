package sync

import "github.com/openshelf/openshelf/pkg/access"

// validateMembers reconciles classroom memberships. Instructors manage any
// member; everyone else may only create their own membership (joining) or
// leave. Soft-deleted rows are re-joinable.
func validateMembers(st *BatchState, caller Caller, room *Classroom, creating, instructor bool, frags []*MemberFragment) (Result, error) {
	var res Result

	for _, frag := range frags {
		r, err := validateMember(st, caller, room, creating, instructor, frag)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}

	return res, nil
}

func validateMember(st *BatchState, caller Caller, room *Classroom, creating, instructor bool, frag *MemberFragment) (Result, error) {
	self := frag.UserID == caller.UserID
	if !instructor && !self {
		return Result{}, Errorf(FamilyMembers,
			"only an instructor may edit another member")
	}

	ts := clampToNow(frag.UpdatedAt, st.Now)
	key := MemberKey(room.UID, frag.UserID)
	prior := st.Members[key]

	if prior != nil && stale(prior.UpdatedAt, ts) {
		return staleResult(FamilyMembers), nil
	}

	if frag.Delete {
		if prior == nil || prior.DeletedAt != NotDeleted {
			return Result{}, nil
		}
		m := updateMutation(FamilyMembers, "classroom_members",
			"classroom_uid = $1 AND user_id = $2", []interface{}{room.UID, frag.UserID},
			[]string{"deleted_at", "updated_at"}, []interface{}{ts, ts})
		m.Op = OpSoftDelete
		prior.DeletedAt = ts
		prior.UpdatedAt = ts
		return Result{Mutations: []Mutation{m}}, nil
	}

	role, err := resolveMemberRole(st, caller, room, creating, instructor, self, frag)
	if err != nil {
		return Result{}, err
	}

	if prior == nil {
		member := &ClassroomMember{
			ClassroomUID: room.UID,
			UserID:       frag.UserID,
			Role:         role,
			UpdatedAt:    ts,
		}
		st.Members[key] = member
		return Result{Mutations: []Mutation{insertMemberMutation(member)}}, nil
	}

	// Re-join or role change is a normal update clearing the delete state.
	cols := []string{"role", "deleted_at", "updated_at"}
	vals := []interface{}{string(role), NotDeleted, ts}
	m := updateMutation(FamilyMembers, "classroom_members",
		"classroom_uid = $1 AND user_id = $2", []interface{}{room.UID, frag.UserID},
		cols, vals)
	prior.Role = role
	prior.DeletedAt = NotDeleted
	prior.UpdatedAt = ts
	return Result{Mutations: []Mutation{m}}, nil
}

// resolveMemberRole determines the membership role, enforcing the join
// rules: an instructor access code requires instructor-tier book access, a
// student code grants a student seat, and joining a non-default classroom
// without a code is reserved to the classroom's instructors.
func resolveMemberRole(st *BatchState, caller Caller, room *Classroom, creating, instructor, self bool, frag *MemberFragment) (MemberRole, error) {
	role := RoleStudent
	if frag.Role != nil {
		role = *frag.Role
	}

	if instructor {
		// Instructors (and the creator) assign roles directly; the creator's
		// own first membership must be INSTRUCTOR, checked at creation.
		return role, nil
	}

	// Self-join path.
	if frag.AccessCode != nil {
		code := *frag.AccessCode
		switch code {
		case "":
			return "", Errorf(FamilyMembers, "access code must not be empty")
		case room.InstructorAccessCode:
			if !caller.Tier.AtLeast(access.TierInstructor) {
				return "", Errorf(FamilyMembers,
					"joining as instructor requires instructor access to the book")
			}
			return RoleInstructor, nil
		case room.AccessCode:
			if role == RoleInstructor {
				return "", Errorf(FamilyMembers,
					"the student access code does not grant an instructor seat")
			}
			return RoleStudent, nil
		default:
			return "", Errorf(FamilyMembers, "invalid access code")
		}
	}

	if room.IsDefault {
		// The default classroom is open to every reader of the book.
		if role == RoleInstructor && !caller.Tier.AtLeast(access.TierInstructor) {
			return "", Errorf(FamilyMembers,
				"joining as instructor requires instructor access to the book")
		}
		return role, nil
	}

	return "", Errorf(FamilyMembers, "joining this classroom requires an access code")
}
