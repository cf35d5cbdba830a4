package sync

// validateScheduleDates reconciles a classroom's due dates. Instructor-only;
// the default classroom has no schedule.
func validateScheduleDates(st *BatchState, caller Caller, room *Classroom, instructor bool, frags []*ScheduleDateFragment) (Result, error) {
	if len(frags) == 0 {
		return Result{}, nil
	}
	if room.IsDefault {
		return Result{}, Errorf(FamilyScheduleDates, "the default classroom has no schedule")
	}
	if !instructor {
		return Result{}, Errorf(FamilyScheduleDates,
			"editing the schedule requires an instructor membership")
	}

	var res Result
	for _, frag := range frags {
		r, err := validateScheduleDate(st, room, frag)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}
	return res, nil
}

func validateScheduleDate(st *BatchState, room *Classroom, frag *ScheduleDateFragment) (Result, error) {
	ts := clampToNow(frag.UpdatedAt, st.Now)
	prior := st.ScheduleDates[frag.UID]

	if prior != nil && prior.ClassroomUID != room.UID {
		return Result{}, Errorf(FamilyScheduleDates,
			"schedule date %q belongs to another classroom", frag.UID)
	}
	if prior != nil && stale(prior.UpdatedAt, ts) {
		return staleResult(FamilyScheduleDates), nil
	}

	if frag.Delete {
		if prior == nil || prior.DeletedAt != NotDeleted {
			return Result{}, nil
		}
		m := updateMutation(FamilyScheduleDates, "classroom_schedule_dates",
			"uid = $1", []interface{}{prior.UID},
			[]string{"deleted_at", "updated_at"}, []interface{}{ts, ts})
		m.Op = OpSoftDelete
		prior.DeletedAt = ts
		prior.UpdatedAt = ts
		return Result{Mutations: []Mutation{m}}, nil
	}

	if prior == nil {
		if frag.DueAt == nil {
			return Result{}, Errorf(FamilyScheduleDates, "due_at is required for a new schedule date")
		}
		d := &ScheduleDate{
			UID:          frag.UID,
			ClassroomUID: room.UID,
			DueAt:        *frag.DueAt,
			UpdatedAt:    ts,
		}
		mutations := []Mutation{insertScheduleDateMutation(d)}
		for i, label := range frag.Items {
			item := ScheduleItem{ScheduleDateUID: d.UID, Ordinal: i, Label: label}
			d.Items = append(d.Items, item)
			mutations = append(mutations, insertScheduleItemMutation(item))
		}
		st.ScheduleDates[d.UID] = d
		return Result{Mutations: mutations}, nil
	}

	cols := []string{"updated_at"}
	vals := []interface{}{ts}
	if frag.DueAt != nil {
		cols = append(cols, "due_at")
		vals = append(vals, *frag.DueAt)
		prior.DueAt = *frag.DueAt
	}
	if prior.DeletedAt != NotDeleted {
		cols = append(cols, "deleted_at")
		vals = append(vals, NotDeleted)
		prior.DeletedAt = NotDeleted
	}
	prior.UpdatedAt = ts

	mutations := []Mutation{updateMutation(FamilyScheduleDates, "classroom_schedule_dates",
		"uid = $1", []interface{}{prior.UID}, cols, vals)}

	// A submitted items array replaces the stored list wholesale, preserving
	// client order.
	if frag.HasItems {
		mutations = append(mutations, deleteScheduleItemsMutation(prior.UID))
		prior.Items = nil
		for i, label := range frag.Items {
			item := ScheduleItem{ScheduleDateUID: prior.UID, Ordinal: i, Label: label}
			prior.Items = append(prior.Items, item)
			mutations = append(mutations, insertScheduleItemMutation(item))
		}
	}

	return Result{Mutations: mutations}, nil
}
