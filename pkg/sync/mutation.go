package sync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mutation is one staged write. Validators stage mutations; only the
// orchestrator's execution phase runs them, sequentially and in validator
// order, and only after every validator has passed.
type Mutation struct {
	Family string
	Op     string
	SQL    string
	Args   []interface{}
}

// Mutation ops
const (
	OpInsert     = "insert"
	OpUpdate     = "update"
	OpSoftDelete = "soft_delete"
	OpHardDelete = "hard_delete"
	OpReplace    = "replace"
)

func upsertLocationMutation(loc *LatestLocation) Mutation {
	return Mutation{
		Family: FamilyLocation,
		Op:     OpUpdate,
		SQL: `
			INSERT INTO latest_locations (user_id, book_id, spine_id_ref, cfi, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, book_id)
			DO UPDATE SET spine_id_ref = $3, cfi = $4, updated_at = $5
		`,
		Args: []interface{}{loc.UserID, loc.BookID, loc.SpineIDRef, loc.CFI, loc.UpdatedAt},
	}
}

func insertHighlightMutation(h *Highlight) Mutation {
	return Mutation{
		Family: FamilyHighlights,
		Op:     OpInsert,
		SQL: `
			INSERT INTO highlights (user_id, book_id, spine_id_ref, cfi, color, note, sketch, share_code, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
		Args: []interface{}{h.UserID, h.BookID, h.SpineIDRef, h.CFI, h.Color, h.Note, h.Sketch, h.ShareCode, h.UpdatedAt, NotDeleted},
	}
}

// updateMutation builds a partial UPDATE touching only submitted columns.
// keyClause must reference args starting at $1; set columns follow.
func updateMutation(family, table, keyClause string, keyArgs []interface{}, cols []string, vals []interface{}) Mutation {
	setClauses := make([]string, 0, len(cols))
	args := append([]interface{}{}, keyArgs...)
	argPos := len(keyArgs) + 1
	for i, col := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argPos))
		args = append(args, vals[i])
		argPos++
	}
	return Mutation{
		Family: family,
		Op:     OpUpdate,
		SQL: fmt.Sprintf("UPDATE %s SET %s WHERE %s",
			table, strings.Join(setClauses, ", "), keyClause),
		Args: args,
	}
}

func highlightKeyArgs(h *Highlight) (string, []interface{}) {
	return "user_id = $1 AND book_id = $2 AND spine_id_ref = $3 AND cfi = $4",
		[]interface{}{h.UserID, h.BookID, h.SpineIDRef, h.CFI}
}

func softDeleteHighlightMutation(h *Highlight, deletedAt int64) Mutation {
	keyClause, keyArgs := highlightKeyArgs(h)
	m := updateMutation(FamilyHighlights, "highlights", keyClause, keyArgs,
		[]string{"deleted_at", "updated_at"}, []interface{}{deletedAt, deletedAt})
	m.Op = OpSoftDelete
	return m
}

func hardDeleteHighlightMutation(h *Highlight) Mutation {
	keyClause, keyArgs := highlightKeyArgs(h)
	return Mutation{
		Family: FamilyHighlights,
		Op:     OpHardDelete,
		SQL:    "DELETE FROM highlights WHERE " + keyClause,
		Args:   keyArgs,
	}
}

func insertClassroomMutation(c *Classroom) Mutation {
	return Mutation{
		Family: FamilyClassrooms,
		Op:     OpInsert,
		SQL: `
			INSERT INTO classrooms (uid, tenant_id, book_id, name, syllabus, introduction,
			                        access_code, instructor_access_code, lti_key, lti_secret,
			                        is_default, created_by, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
		Args: []interface{}{c.UID, c.TenantID, c.BookID, c.Name, c.Syllabus, c.Introduction,
			c.AccessCode, c.InstructorAccessCode, c.LTIKey, c.LTISecret,
			c.IsDefault, c.CreatedBy, c.UpdatedAt, NotDeleted},
	}
}

func insertMemberMutation(m *ClassroomMember) Mutation {
	return Mutation{
		Family: FamilyMembers,
		Op:     OpInsert,
		SQL: `
			INSERT INTO classroom_members (classroom_uid, user_id, role, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5)
		`,
		Args: []interface{}{m.ClassroomUID, m.UserID, string(m.Role), m.UpdatedAt, NotDeleted},
	}
}

func insertToolMutation(t *Tool) Mutation {
	var successor interface{}
	if t.CurrentlyPublishedToolUID != nil {
		successor = *t.CurrentlyPublishedToolUID
	}
	return Mutation{
		Family: FamilyTools,
		Op:     OpInsert,
		SQL: `
			INSERT INTO tools (uid, classroom_uid, kind, title, content, spine_id_ref, cfi,
			                   ordering, published_at, currently_published_tool_uid, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
		Args: []interface{}{t.UID, t.ClassroomUID, string(t.Kind), t.Title, t.Content,
			t.SpineIDRef, t.CFI, t.Ordering, t.PublishedAt, successor, t.UpdatedAt, NotDeleted},
	}
}

func insertEngagementMutation(e *ToolEngagement) Mutation {
	return Mutation{
		Family: FamilyEngagements,
		Op:     OpInsert,
		SQL: `
			INSERT INTO tool_engagements (uid, tool_uid, user_id, kind, state, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
		Args: []interface{}{e.UID, e.ToolUID, e.UserID, e.Kind, e.State, e.UpdatedAt, NotDeleted},
	}
}

func insertAnswerMutation(a EngagementAnswer) Mutation {
	return Mutation{
		Family: FamilyEngagements,
		Op:     OpInsert,
		SQL: `
			INSERT INTO engagement_answers (engagement_uid, ordinal, value)
			VALUES ($1, $2, $3)
		`,
		Args: []interface{}{a.EngagementUID, a.Ordinal, a.Value},
	}
}

func deleteAnswersMutation(engagementUID string) Mutation {
	return Mutation{
		Family: FamilyEngagements,
		Op:     OpReplace,
		SQL:    "DELETE FROM engagement_answers WHERE engagement_uid = $1",
		Args:   []interface{}{engagementUID},
	}
}

func insertScheduleDateMutation(d *ScheduleDate) Mutation {
	return Mutation{
		Family: FamilyScheduleDates,
		Op:     OpInsert,
		SQL: `
			INSERT INTO classroom_schedule_dates (uid, classroom_uid, due_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5)
		`,
		Args: []interface{}{d.UID, d.ClassroomUID, d.DueAt, d.UpdatedAt, NotDeleted},
	}
}

func insertScheduleItemMutation(item ScheduleItem) Mutation {
	return Mutation{
		Family: FamilyScheduleDates,
		Op:     OpInsert,
		SQL: `
			INSERT INTO schedule_date_items (schedule_date_uid, ordinal, label)
			VALUES ($1, $2, $3)
		`,
		Args: []interface{}{item.ScheduleDateUID, item.Ordinal, item.Label},
	}
}

func deleteScheduleItemsMutation(scheduleDateUID string) Mutation {
	return Mutation{
		Family: FamilyScheduleDates,
		Op:     OpReplace,
		SQL:    "DELETE FROM schedule_date_items WHERE schedule_date_uid = $1",
		Args:   []interface{}{scheduleDateUID},
	}
}

// Instructor-highlight mutations resolve the source highlight's surrogate id
// in SQL so a highlight inserted earlier in the same batch is referenceable.
func insertInstructorHighlightMutation(userID, bookID int64, ih *InstructorHighlight) Mutation {
	return Mutation{
		Family: FamilyInstructorHighlights,
		Op:     OpInsert,
		SQL: `
			INSERT INTO instructor_highlights (highlight_id, classroom_uid, updated_at, deleted_at)
			SELECT id, $5, $6, $7 FROM highlights
			WHERE user_id = $1 AND book_id = $2 AND spine_id_ref = $3 AND cfi = $4
		`,
		Args: []interface{}{userID, bookID, ih.SpineIDRef, ih.CFI, ih.ClassroomUID, ih.UpdatedAt, NotDeleted},
	}
}

func updateInstructorHighlightMutation(userID, bookID int64, ih *InstructorHighlight, deletedAt, updatedAt int64) Mutation {
	op := OpUpdate
	if deletedAt != NotDeleted {
		op = OpSoftDelete
	}
	return Mutation{
		Family: FamilyInstructorHighlights,
		Op:     op,
		SQL: `
			UPDATE instructor_highlights SET deleted_at = $6, updated_at = $7
			WHERE classroom_uid = $5 AND highlight_id = (
				SELECT id FROM highlights
				WHERE user_id = $1 AND book_id = $2 AND spine_id_ref = $3 AND cfi = $4
			)
		`,
		Args: []interface{}{userID, bookID, ih.SpineIDRef, ih.CFI, ih.ClassroomUID, deletedAt, updatedAt},
	}
}

// insertAnalyticsEventMutation stages the one cross-cutting side effect:
// an analytics row, staged like any other mutation so it participates in the
// batch's all-or-nothing sequencing.
func insertAnalyticsEventMutation(tenantID, userID, bookID int64, eventType string, payload map[string]interface{}, createdAt int64) Mutation {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return Mutation{
		Family: FamilyHighlights,
		Op:     OpInsert,
		SQL: `
			INSERT INTO analytics_events (tenant_id, user_id, book_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
		Args: []interface{}{tenantID, userID, bookID, eventType, data, createdAt},
	}
}
