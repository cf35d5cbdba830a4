package sync

import "strings"

// validateTools reconciles a classroom's tools and, nested under each tool,
// the caller's engagements. Tool record edits require the classroom's tool
// editor (the publisher on the default classroom, instructors elsewhere);
// engagements are open to any live member and resolve even when the tool row
// itself is skipped as stale.
func validateTools(st *BatchState, caller Caller, room *Classroom, editor bool, frags []*ToolFragment) (Result, error) {
	var res Result

	for _, frag := range frags {
		r, err := validateTool(st, caller, room, editor, frag)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}

	return res, nil
}

func validateTool(st *BatchState, caller Caller, room *Classroom, editor bool, frag *ToolFragment) (Result, error) {
	var res Result

	prior := st.Tools[frag.UID]
	recordEdit := toolRecordEdit(frag)

	if recordEdit {
		if !editor {
			return Result{}, Errorf(FamilyTools,
				"editing tools in this classroom requires instructor access")
		}
		r, err := stageToolRecord(st, caller, room, frag, prior)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	} else if prior == nil {
		return Result{}, Errorf(FamilyTools, "unknown tool %q", frag.UID)
	}

	tool := st.Tools[frag.UID]
	if tool != nil && len(frag.Engagements) > 0 {
		r, err := validateEngagements(st, caller, room, tool, frag.Engagements)
		if err != nil {
			return Result{}, err
		}
		res.merge(r)
	}

	return res, nil
}

// toolRecordEdit reports whether the fragment edits the tool row itself, as
// opposed to only carrying engagements.
func toolRecordEdit(f *ToolFragment) bool {
	return f.Delete || f.Kind != nil || f.Title != nil || f.Content != nil ||
		f.SpineIDRef != nil || f.CFI != nil || f.Ordering != nil ||
		f.PublishedAt != nil || f.CurrentlyPublishedToolUID != nil
}

func stageToolRecord(st *BatchState, caller Caller, room *Classroom, frag *ToolFragment, prior *Tool) (Result, error) {
	ts := clampToNow(frag.UpdatedAt, st.Now)

	if prior == nil {
		if frag.Delete {
			return Result{}, nil
		}
		return stageToolCreate(st, room, frag, ts)
	}

	if prior.ClassroomUID != room.UID {
		return Result{}, Errorf(FamilyTools, "tool %q belongs to another classroom", frag.UID)
	}

	// Publish immutability is structural and checked before staleness: a
	// published tool's content never changes, even under a newer timestamp.
	// New content means a new tool row chained onto this one.
	if prior.Published() {
		if frozen := frag.contentFields(); len(frozen) > 0 {
			return Result{}, Errorf(FamilyTools,
				"tool %q is published; field(s) %s cannot change", frag.UID, strings.Join(frozen, ", "))
		}
	}

	if frag.CurrentlyPublishedToolUID != nil {
		if err := checkSuccessor(st, prior, *frag.CurrentlyPublishedToolUID); err != nil {
			return Result{}, err
		}
	}

	if stale(prior.UpdatedAt, ts) {
		return staleResult(FamilyTools), nil
	}

	keyClause := "uid = $1"
	keyArgs := []interface{}{prior.UID}

	if frag.Delete {
		m := updateMutation(FamilyTools, "tools", keyClause, keyArgs,
			[]string{"deleted_at", "updated_at"}, []interface{}{ts, ts})
		m.Op = OpSoftDelete
		prior.DeletedAt = ts
		prior.UpdatedAt = ts
		return Result{Mutations: []Mutation{m}}, nil
	}

	cols := []string{"updated_at"}
	vals := []interface{}{ts}
	if frag.Kind != nil {
		cols = append(cols, "kind")
		vals = append(vals, string(*frag.Kind))
		prior.Kind = *frag.Kind
	}
	if frag.Title != nil {
		cols = append(cols, "title")
		vals = append(vals, *frag.Title)
		prior.Title = *frag.Title
	}
	if frag.Content != nil {
		cols = append(cols, "content")
		vals = append(vals, *frag.Content)
		prior.Content = *frag.Content
	}
	if frag.SpineIDRef != nil {
		cols = append(cols, "spine_id_ref")
		vals = append(vals, *frag.SpineIDRef)
		prior.SpineIDRef = *frag.SpineIDRef
	}
	if frag.CFI != nil {
		cols = append(cols, "cfi")
		vals = append(vals, *frag.CFI)
		prior.CFI = *frag.CFI
	}
	if frag.Ordering != nil {
		cols = append(cols, "ordering")
		vals = append(vals, *frag.Ordering)
		prior.Ordering = *frag.Ordering
	}
	if frag.PublishedAt != nil {
		// Only drafts reach here; this is the publish transition.
		publishedAt := clampToNow(*frag.PublishedAt, st.Now)
		if publishedAt <= 0 {
			return Result{}, Errorf(FamilyTools, "published_at must be positive")
		}
		cols = append(cols, "published_at")
		vals = append(vals, publishedAt)
		prior.PublishedAt = publishedAt
	}
	if frag.CurrentlyPublishedToolUID != nil {
		cols = append(cols, "currently_published_tool_uid")
		vals = append(vals, *frag.CurrentlyPublishedToolUID)
		successor := *frag.CurrentlyPublishedToolUID
		prior.CurrentlyPublishedToolUID = &successor
	}
	if prior.DeletedAt != NotDeleted {
		cols = append(cols, "deleted_at")
		vals = append(vals, NotDeleted)
		prior.DeletedAt = NotDeleted
	}
	prior.UpdatedAt = ts

	return Result{Mutations: []Mutation{
		updateMutation(FamilyTools, "tools", keyClause, keyArgs, cols, vals),
	}}, nil
}

func stageToolCreate(st *BatchState, room *Classroom, frag *ToolFragment, ts int64) (Result, error) {
	if frag.Kind == nil {
		return Result{}, Errorf(FamilyTools, "kind is required for a new tool")
	}
	if frag.Title == nil || *frag.Title == "" {
		return Result{}, Errorf(FamilyTools, "title is required for a new tool")
	}
	// A new row is the head of its chain, or a fresh standalone tool; it
	// never names a successor.
	if frag.CurrentlyPublishedToolUID != nil {
		return Result{}, Errorf(FamilyTools, "a new tool cannot name a successor")
	}

	tool := &Tool{
		UID:          frag.UID,
		ClassroomUID: room.UID,
		Kind:         *frag.Kind,
		Title:        *frag.Title,
		Content:      deref(frag.Content),
		SpineIDRef:   deref(frag.SpineIDRef),
		CFI:          deref(frag.CFI),
		UpdatedAt:    ts,
	}
	if frag.Ordering != nil {
		tool.Ordering = *frag.Ordering
	}
	if frag.PublishedAt != nil {
		publishedAt := clampToNow(*frag.PublishedAt, st.Now)
		if publishedAt <= 0 {
			return Result{}, Errorf(FamilyTools, "published_at must be positive")
		}
		tool.PublishedAt = publishedAt
	}

	st.Tools[tool.UID] = tool
	return Result{Mutations: []Mutation{insertToolMutation(tool)}}, nil
}

// checkSuccessor validates a publish-chain link. The pointer may only move
// from unset to a published tool in the same classroom, so exactly one row in
// each chain keeps a nil successor: the currently published version.
func checkSuccessor(st *BatchState, prior *Tool, successorUID string) error {
	if successorUID == prior.UID {
		return Errorf(FamilyTools, "tool %q cannot succeed itself", prior.UID)
	}
	if prior.CurrentlyPublishedToolUID != nil {
		if *prior.CurrentlyPublishedToolUID == successorUID {
			return nil
		}
		return Errorf(FamilyTools,
			"tool %q already has a successor", prior.UID)
	}
	if !prior.Published() {
		return Errorf(FamilyTools,
			"tool %q is a draft and cannot be chained", prior.UID)
	}
	successor := st.Tools[successorUID]
	if successor == nil {
		return Errorf(FamilyTools, "successor tool %q does not exist", successorUID)
	}
	if successor.ClassroomUID != prior.ClassroomUID {
		return Errorf(FamilyTools, "successor tool %q belongs to another classroom", successorUID)
	}
	if !successor.Published() {
		return Errorf(FamilyTools, "successor tool %q is not published", successorUID)
	}
	return nil
}
