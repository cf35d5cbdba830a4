package sync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a sync store backed by db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ReadBatch loads every row the validators may consult: the caller's cursor
// and highlights, the classrooms in reach (the default one, any the caller
// belongs to, any the submission names) with their dependent families, and
// the tenant-wide live access-code map. Soft-deleted rows load too; several
// operations resurrect them. The scoped reads run concurrently in two waves.
func (s *PostgresStore) ReadBatch(ctx context.Context, tenantID, bookID, userID int64, doc *Document) (*BatchState, error) {
	st := &BatchState{
		TenantID:             tenantID,
		BookID:               bookID,
		UserID:               userID,
		Highlights:           make(map[string]*Highlight),
		Classrooms:           make(map[string]*Classroom),
		Members:              make(map[string]*ClassroomMember),
		Tools:                make(map[string]*Tool),
		Engagements:          make(map[string]*ToolEngagement),
		ScheduleDates:        make(map[string]*ScheduleDate),
		InstructorHighlights: make(map[string]*InstructorHighlight),
		CodeOwners:           make(map[string]string),
	}

	referenced := make([]string, 0, len(doc.Classrooms))
	for _, frag := range doc.Classrooms {
		referenced = append(referenced, frag.UID)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readTenant(gctx, st) })
	g.Go(func() error { return s.readLocation(gctx, st) })
	g.Go(func() error { return s.readHighlights(gctx, st) })
	g.Go(func() error { return s.readClassrooms(gctx, st, referenced) })
	g.Go(func() error { return s.readCodeOwners(gctx, st) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	uids := make([]string, 0, len(st.Classrooms))
	for uid := range st.Classrooms {
		uids = append(uids, uid)
	}
	if len(uids) == 0 {
		return st, nil
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return s.readMembers(gctx, st, uids) })
	g.Go(func() error { return s.readTools(gctx, st, uids) })
	g.Go(func() error { return s.readEngagements(gctx, st, uids) })
	g.Go(func() error { return s.readScheduleDates(gctx, st, uids) })
	g.Go(func() error { return s.readInstructorHighlights(gctx, st, uids) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return st, nil
}

// Execute runs the staged mutations sequentially, in validator order. It
// returns how many ran; on failure the executed prefix stays applied and the
// client's resubmission converges through staleness.
func (s *PostgresStore) Execute(ctx context.Context, mutations []Mutation) (int, error) {
	for i, m := range mutations {
		if _, err := s.db.ExecContext(ctx, m.SQL, m.Args...); err != nil {
			return i, fmt.Errorf("executing %s %s mutation: %w", m.Family, m.Op, err)
		}
	}
	return len(mutations), nil
}

func (s *PostgresStore) readTenant(ctx context.Context, st *BatchState) error {
	err := s.db.QueryRowContext(ctx,
		"SELECT analytics_enabled FROM tenants WHERE id = $1",
		st.TenantID,
	).Scan(&st.AnalyticsEnabled)
	if err == sql.ErrNoRows {
		return fmt.Errorf("tenant %d not found", st.TenantID)
	}
	if err != nil {
		return fmt.Errorf("reading tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) readLocation(ctx context.Context, st *BatchState) error {
	loc := &LatestLocation{UserID: st.UserID, BookID: st.BookID}
	err := s.db.QueryRowContext(ctx, `
		SELECT spine_id_ref, cfi, updated_at
		FROM latest_locations
		WHERE user_id = $1 AND book_id = $2`,
		st.UserID, st.BookID,
	).Scan(&loc.SpineIDRef, &loc.CFI, &loc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading latest location: %w", err)
	}
	st.Location = loc
	return nil
}

func (s *PostgresStore) readHighlights(ctx context.Context, st *BatchState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spine_id_ref, cfi, color, note, sketch, share_code, updated_at, deleted_at
		FROM highlights
		WHERE user_id = $1 AND book_id = $2`,
		st.UserID, st.BookID,
	)
	if err != nil {
		return fmt.Errorf("reading highlights: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		h := &Highlight{UserID: st.UserID, BookID: st.BookID}
		if err := rows.Scan(&h.ID, &h.SpineIDRef, &h.CFI, &h.Color, &h.Note,
			&h.Sketch, &h.ShareCode, &h.UpdatedAt, &h.DeletedAt); err != nil {
			return fmt.Errorf("scanning highlight: %w", err)
		}
		st.Highlights[HighlightKey(h.SpineIDRef, h.CFI)] = h
	}
	return rows.Err()
}

func (s *PostgresStore) readClassrooms(ctx context.Context, st *BatchState, referenced []string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, name, syllabus, introduction, access_code, instructor_access_code,
		       lti_key, lti_secret, is_default, created_by, updated_at, deleted_at
		FROM classrooms
		WHERE tenant_id = $1 AND book_id = $2
		  AND (is_default
		       OR uid = ANY($3)
		       OR uid IN (SELECT classroom_uid FROM classroom_members WHERE user_id = $4))`,
		st.TenantID, st.BookID, pq.Array(referenced), st.UserID,
	)
	if err != nil {
		return fmt.Errorf("reading classrooms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c := &Classroom{TenantID: st.TenantID, BookID: st.BookID}
		if err := rows.Scan(&c.UID, &c.Name, &c.Syllabus, &c.Introduction,
			&c.AccessCode, &c.InstructorAccessCode, &c.LTIKey, &c.LTISecret,
			&c.IsDefault, &c.CreatedBy, &c.UpdatedAt, &c.DeletedAt); err != nil {
			return fmt.Errorf("scanning classroom: %w", err)
		}
		st.Classrooms[c.UID] = c
		if c.IsDefault {
			st.DefaultClassroomUID = c.UID
		}
	}
	return rows.Err()
}

// readCodeOwners loads every live access code in the tenant so collision
// checks see classrooms outside the batch's scope.
func (s *PostgresStore) readCodeOwners(ctx context.Context, st *BatchState) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, access_code, instructor_access_code
		FROM classrooms
		WHERE tenant_id = $1 AND deleted_at = 0`,
		st.TenantID,
	)
	if err != nil {
		return fmt.Errorf("reading access codes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uid, code, instructorCode string
		if err := rows.Scan(&uid, &code, &instructorCode); err != nil {
			return fmt.Errorf("scanning access codes: %w", err)
		}
		if code != "" {
			st.CodeOwners[code] = uid
		}
		if instructorCode != "" {
			st.CodeOwners[instructorCode] = uid
		}
	}
	return rows.Err()
}

func (s *PostgresStore) readMembers(ctx context.Context, st *BatchState, uids []string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT classroom_uid, user_id, role, updated_at, deleted_at
		FROM classroom_members
		WHERE classroom_uid = ANY($1)`,
		pq.Array(uids),
	)
	if err != nil {
		return fmt.Errorf("reading members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := &ClassroomMember{}
		var role string
		if err := rows.Scan(&m.ClassroomUID, &m.UserID, &role, &m.UpdatedAt, &m.DeletedAt); err != nil {
			return fmt.Errorf("scanning member: %w", err)
		}
		m.Role = MemberRole(role)
		st.Members[MemberKey(m.ClassroomUID, m.UserID)] = m
	}
	return rows.Err()
}

func (s *PostgresStore) readTools(ctx context.Context, st *BatchState, uids []string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, classroom_uid, kind, title, content, spine_id_ref, cfi,
		       ordering, published_at, currently_published_tool_uid, updated_at, deleted_at
		FROM tools
		WHERE classroom_uid = ANY($1)`,
		pq.Array(uids),
	)
	if err != nil {
		return fmt.Errorf("reading tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t := &Tool{}
		var kind string
		var successor sql.NullString
		if err := rows.Scan(&t.UID, &t.ClassroomUID, &kind, &t.Title, &t.Content,
			&t.SpineIDRef, &t.CFI, &t.Ordering, &t.PublishedAt, &successor,
			&t.UpdatedAt, &t.DeletedAt); err != nil {
			return fmt.Errorf("scanning tool: %w", err)
		}
		t.Kind = ToolKind(kind)
		if successor.Valid {
			t.CurrentlyPublishedToolUID = &successor.String
		}
		st.Tools[t.UID] = t
	}
	return rows.Err()
}

func (s *PostgresStore) readEngagements(ctx context.Context, st *BatchState, uids []string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, tool_uid, user_id, kind, state, updated_at, deleted_at
		FROM tool_engagements
		WHERE user_id = $1
		  AND tool_uid IN (SELECT uid FROM tools WHERE classroom_uid = ANY($2))`,
		st.UserID, pq.Array(uids),
	)
	if err != nil {
		return fmt.Errorf("reading engagements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &ToolEngagement{}
		if err := rows.Scan(&e.UID, &e.ToolUID, &e.UserID, &e.Kind, &e.State,
			&e.UpdatedAt, &e.DeletedAt); err != nil {
			return fmt.Errorf("scanning engagement: %w", err)
		}
		switch e.Kind {
		case EngagementSubmission:
			st.Engagements[EngagementSubKey(e.UID)] = e
		default:
			st.Engagements[EngagementUpdKey(e.ToolUID, e.UserID)] = e
		}
	}
	return rows.Err()
}

func (s *PostgresStore) readScheduleDates(ctx context.Context, st *BatchState, uids []string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, classroom_uid, due_at, updated_at, deleted_at
		FROM classroom_schedule_dates
		WHERE classroom_uid = ANY($1)`,
		pq.Array(uids),
	)
	if err != nil {
		return fmt.Errorf("reading schedule dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d := &ScheduleDate{}
		if err := rows.Scan(&d.UID, &d.ClassroomUID, &d.DueAt, &d.UpdatedAt, &d.DeletedAt); err != nil {
			return fmt.Errorf("scanning schedule date: %w", err)
		}
		st.ScheduleDates[d.UID] = d
	}
	if err := rows.Err(); err != nil {
		return err
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT schedule_date_uid, ordinal, label
		FROM schedule_date_items
		WHERE schedule_date_uid IN
		      (SELECT uid FROM classroom_schedule_dates WHERE classroom_uid = ANY($1))
		ORDER BY schedule_date_uid, ordinal`,
		pq.Array(uids),
	)
	if err != nil {
		return fmt.Errorf("reading schedule items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var item ScheduleItem
		if err := itemRows.Scan(&item.ScheduleDateUID, &item.Ordinal, &item.Label); err != nil {
			return fmt.Errorf("scanning schedule item: %w", err)
		}
		if d := st.ScheduleDates[item.ScheduleDateUID]; d != nil {
			d.Items = append(d.Items, item)
		}
	}
	return itemRows.Err()
}

// readInstructorHighlights loads the caller's own promotions, joined back to
// highlights for the natural key the fragments reference them by.
func (s *PostgresStore) readInstructorHighlights(ctx context.Context, st *BatchState, uids []string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ih.highlight_id, ih.classroom_uid, h.spine_id_ref, h.cfi, ih.updated_at, ih.deleted_at
		FROM instructor_highlights ih
		JOIN highlights h ON h.id = ih.highlight_id
		WHERE ih.classroom_uid = ANY($1) AND h.user_id = $2 AND h.book_id = $3`,
		pq.Array(uids), st.UserID, st.BookID,
	)
	if err != nil {
		return fmt.Errorf("reading instructor highlights: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ih := &InstructorHighlight{}
		if err := rows.Scan(&ih.HighlightID, &ih.ClassroomUID, &ih.SpineIDRef,
			&ih.CFI, &ih.UpdatedAt, &ih.DeletedAt); err != nil {
			return fmt.Errorf("scanning instructor highlight: %w", err)
		}
		st.InstructorHighlights[InstructorHighlightKey(ih.ClassroomUID, ih.SpineIDRef, ih.CFI)] = ih
	}
	return rows.Err()
}
