package sync

import (
	"encoding/json"
	"sort"
)

// Fragments are the client-submitted partial documents. Every field is a
// pointer so validators can distinguish "absent" from "zero": a partial
// update only touches submitted fields, and the publish-immutability check
// needs to know exactly which fields the client tried to change.
//
// Each fragment is checked against a fixed allow-list of field names; an
// unexpected field is a hard error, never silently ignored.

// Document is one parsed patch submission for a (user, book) pair
type Document struct {
	LatestLocation       *LocationFragment
	Highlights           []*HighlightFragment
	Classrooms           []*ClassroomFragment
}

// LocationFragment updates the reading-position cursor
type LocationFragment struct {
	SpineIDRef *string
	CFI        *string
	UpdatedAt  int64
}

// HighlightFragment creates, updates or deletes one highlight
type HighlightFragment struct {
	SpineIDRef string
	CFI        string
	Color      *string
	Note       *string
	Sketch     *string
	ShareCode  *string
	UpdatedAt  int64
	Delete     bool
}

// ClassroomFragment edits one classroom and carries its nested families
type ClassroomFragment struct {
	UID                  string
	Name                 *string
	Syllabus             *string
	Introduction         *string
	AccessCode           *string
	InstructorAccessCode *string
	LTIKey               *string
	LTISecret            *string
	UpdatedAt            int64
	Delete               bool

	Members              []*MemberFragment
	Tools                []*ToolFragment
	ScheduleDates        []*ScheduleDateFragment
	InstructorHighlights []*InstructorHighlightFragment
}

// RecordEdit reports whether the fragment edits the classroom row itself,
// as opposed to only carrying nested families.
func (f *ClassroomFragment) RecordEdit() bool {
	return f.Delete ||
		f.Name != nil || f.Syllabus != nil || f.Introduction != nil ||
		f.AccessCode != nil || f.InstructorAccessCode != nil ||
		f.LTIKey != nil || f.LTISecret != nil
}

// MemberFragment edits one classroom membership
type MemberFragment struct {
	UserID     int64
	Role       *MemberRole
	AccessCode *string // code used to join, checked against the classroom's codes
	UpdatedAt  int64
	Delete     bool
}

// ToolFragment edits one tool and carries its engagements
type ToolFragment struct {
	UID                       string
	Kind                      *ToolKind
	Title                     *string
	Content                   *string
	SpineIDRef                *string
	CFI                       *string
	Ordering                  *int
	PublishedAt               *int64
	CurrentlyPublishedToolUID *string
	UpdatedAt                 int64
	Delete                    bool

	Engagements []*EngagementFragment
}

// contentFields lists the fields submitted on a tool fragment that are
// frozen once the tool is published. Ordering/location/unpublish-chain
// fields stay editable.
func (f *ToolFragment) contentFields() []string {
	var fields []string
	if f.Kind != nil {
		fields = append(fields, "kind")
	}
	if f.Title != nil {
		fields = append(fields, "title")
	}
	if f.Content != nil {
		fields = append(fields, "content")
	}
	if f.PublishedAt != nil {
		fields = append(fields, "published_at")
	}
	sort.Strings(fields)
	return fields
}

// EngagementFragment records one interaction with a tool. A client-supplied
// uid marks the submission variant; its absence marks the update variant.
type EngagementFragment struct {
	UID       string // empty for update-type
	State     *string
	Answers   []string
	UpdatedAt int64
	Delete    bool
}

// Submission reports whether this is the append-only submission variant
func (f *EngagementFragment) Submission() bool {
	return f.UID != ""
}

// ScheduleDateFragment edits one schedule date and its ordered items
type ScheduleDateFragment struct {
	UID       string
	DueAt     *int64
	Items     []string // ordered labels; presence replaces the stored list
	HasItems  bool
	UpdatedAt int64
	Delete    bool
}

// InstructorHighlightFragment promotes or demotes one of the caller's
// highlights, identified by its natural key within the book.
type InstructorHighlightFragment struct {
	SpineIDRef string
	CFI        string
	UpdatedAt  int64
	Delete     bool
}

// rawFields is one JSON object with its keys preserved
type rawFields map[string]json.RawMessage

// checkAllowed rejects any field outside the allow-list
func checkAllowed(family string, fields rawFields, allowed map[string]bool) error {
	for name := range fields {
		if !allowed[name] {
			return Errorf(family, "unexpected field %q", name)
		}
	}
	return nil
}

func (f rawFields) str(family, name string) (*string, error) {
	raw, ok := f[name]
	if !ok {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, Errorf(family, "field %q must be a string", name)
	}
	return &s, nil
}

func (f rawFields) i64(family, name string) (*int64, error) {
	raw, ok := f[name]
	if !ok {
		return nil, nil
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, Errorf(family, "field %q must be an integer", name)
	}
	return &v, nil
}

func (f rawFields) intField(family, name string) (*int, error) {
	v, err := f.i64(family, name)
	if err != nil || v == nil {
		return nil, err
	}
	i := int(*v)
	return &i, nil
}

// deleteMarker parses the _delete field. When present at all it must be
// boolean true.
func (f rawFields) deleteMarker(family string) (bool, error) {
	raw, ok := f["_delete"]
	if !ok {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil || !v {
		return false, Errorf(family, "_delete must be boolean true when present")
	}
	return true, nil
}

// updatedAt parses the required updated_at field
func (f rawFields) updatedAt(family string) (int64, error) {
	v, err := f.i64(family, "updated_at")
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, Errorf(family, "updated_at is required")
	}
	if *v <= 0 {
		return 0, Errorf(family, "updated_at must be positive")
	}
	return *v, nil
}

func (f rawFields) objects(family, name string) ([]rawFields, error) {
	raw, ok := f[name]
	if !ok {
		return nil, nil
	}
	var list []rawFields
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, Errorf(family, "field %q must be an array of objects", name)
	}
	return list, nil
}

var documentAllowed = map[string]bool{
	"latest_location": true,
	"updated_at":      true,
	"highlights":      true,
	"classrooms":      true,
}

// ParseDocument parses and structurally validates one patch submission
func ParseDocument(data []byte) (*Document, error) {
	var fields rawFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, Errorf(FamilyDocument, "body must be a JSON object: %v", err)
	}
	if err := checkAllowed(FamilyDocument, fields, documentAllowed); err != nil {
		return nil, err
	}

	doc := &Document{}

	if raw, ok := fields["latest_location"]; ok {
		frag, err := parseLocation(raw, fields)
		if err != nil {
			return nil, err
		}
		doc.LatestLocation = frag
	}

	highlights, err := fields.objects(FamilyHighlights, "highlights")
	if err != nil {
		return nil, err
	}
	for _, hf := range highlights {
		frag, err := parseHighlight(hf)
		if err != nil {
			return nil, err
		}
		doc.Highlights = append(doc.Highlights, frag)
	}

	classrooms, err := fields.objects(FamilyClassrooms, "classrooms")
	if err != nil {
		return nil, err
	}
	for _, cf := range classrooms {
		frag, err := parseClassroom(cf)
		if err != nil {
			return nil, err
		}
		doc.Classrooms = append(doc.Classrooms, frag)
	}

	return doc, nil
}

var locationAllowed = map[string]bool{
	"spine_id_ref": true,
	"cfi":          true,
}

func parseLocation(raw json.RawMessage, parent rawFields) (*LocationFragment, error) {
	var fields rawFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, Errorf(FamilyLocation, "latest_location must be an object")
	}
	if err := checkAllowed(FamilyLocation, fields, locationAllowed); err != nil {
		return nil, err
	}

	frag := &LocationFragment{}
	var err error
	if frag.SpineIDRef, err = fields.str(FamilyLocation, "spine_id_ref"); err != nil {
		return nil, err
	}
	if frag.CFI, err = fields.str(FamilyLocation, "cfi"); err != nil {
		return nil, err
	}

	// The cursor's timestamp rides at the top level of the document.
	if frag.UpdatedAt, err = parent.updatedAt(FamilyLocation); err != nil {
		return nil, err
	}
	return frag, nil
}

var highlightAllowed = map[string]bool{
	"spine_id_ref": true,
	"cfi":          true,
	"color":        true,
	"note":         true,
	"sketch":       true,
	"share_code":   true,
	"updated_at":   true,
	"_delete":      true,
}

func parseHighlight(fields rawFields) (*HighlightFragment, error) {
	if err := checkAllowed(FamilyHighlights, fields, highlightAllowed); err != nil {
		return nil, err
	}

	frag := &HighlightFragment{}
	var err error

	spine, err := fields.str(FamilyHighlights, "spine_id_ref")
	if err != nil {
		return nil, err
	}
	cfi, err := fields.str(FamilyHighlights, "cfi")
	if err != nil {
		return nil, err
	}
	if spine == nil || *spine == "" || cfi == nil || *cfi == "" {
		return nil, Errorf(FamilyHighlights, "spine_id_ref and cfi are required")
	}
	frag.SpineIDRef = *spine
	frag.CFI = *cfi

	if frag.Color, err = fields.str(FamilyHighlights, "color"); err != nil {
		return nil, err
	}
	if frag.Note, err = fields.str(FamilyHighlights, "note"); err != nil {
		return nil, err
	}
	if frag.Sketch, err = fields.str(FamilyHighlights, "sketch"); err != nil {
		return nil, err
	}
	if frag.ShareCode, err = fields.str(FamilyHighlights, "share_code"); err != nil {
		return nil, err
	}
	if frag.UpdatedAt, err = fields.updatedAt(FamilyHighlights); err != nil {
		return nil, err
	}
	if frag.Delete, err = fields.deleteMarker(FamilyHighlights); err != nil {
		return nil, err
	}
	return frag, nil
}

var classroomAllowed = map[string]bool{
	"uid":                    true,
	"name":                   true,
	"syllabus":               true,
	"introduction":           true,
	"access_code":            true,
	"instructor_access_code": true,
	"lti_key":                true,
	"lti_secret":             true,
	"updated_at":             true,
	"_delete":                true,
	"members":                true,
	"tools":                  true,
	"schedule_dates":         true,
	"instructor_highlights":  true,
}

func parseClassroom(fields rawFields) (*ClassroomFragment, error) {
	if err := checkAllowed(FamilyClassrooms, fields, classroomAllowed); err != nil {
		return nil, err
	}

	frag := &ClassroomFragment{}
	var err error

	uid, err := fields.str(FamilyClassrooms, "uid")
	if err != nil {
		return nil, err
	}
	if uid == nil || *uid == "" {
		return nil, Errorf(FamilyClassrooms, "uid is required")
	}
	frag.UID = *uid

	if frag.Name, err = fields.str(FamilyClassrooms, "name"); err != nil {
		return nil, err
	}
	if frag.Syllabus, err = fields.str(FamilyClassrooms, "syllabus"); err != nil {
		return nil, err
	}
	if frag.Introduction, err = fields.str(FamilyClassrooms, "introduction"); err != nil {
		return nil, err
	}
	if frag.AccessCode, err = fields.str(FamilyClassrooms, "access_code"); err != nil {
		return nil, err
	}
	if frag.InstructorAccessCode, err = fields.str(FamilyClassrooms, "instructor_access_code"); err != nil {
		return nil, err
	}
	if frag.LTIKey, err = fields.str(FamilyClassrooms, "lti_key"); err != nil {
		return nil, err
	}
	if frag.LTISecret, err = fields.str(FamilyClassrooms, "lti_secret"); err != nil {
		return nil, err
	}
	if frag.UpdatedAt, err = fields.updatedAt(FamilyClassrooms); err != nil {
		return nil, err
	}
	if frag.Delete, err = fields.deleteMarker(FamilyClassrooms); err != nil {
		return nil, err
	}

	members, err := fields.objects(FamilyMembers, "members")
	if err != nil {
		return nil, err
	}
	for _, mf := range members {
		m, err := parseMember(mf)
		if err != nil {
			return nil, err
		}
		frag.Members = append(frag.Members, m)
	}

	tools, err := fields.objects(FamilyTools, "tools")
	if err != nil {
		return nil, err
	}
	for _, tf := range tools {
		t, err := parseTool(tf)
		if err != nil {
			return nil, err
		}
		frag.Tools = append(frag.Tools, t)
	}

	dates, err := fields.objects(FamilyScheduleDates, "schedule_dates")
	if err != nil {
		return nil, err
	}
	for _, df := range dates {
		d, err := parseScheduleDate(df)
		if err != nil {
			return nil, err
		}
		frag.ScheduleDates = append(frag.ScheduleDates, d)
	}

	ihs, err := fields.objects(FamilyInstructorHighlights, "instructor_highlights")
	if err != nil {
		return nil, err
	}
	for _, ihf := range ihs {
		ih, err := parseInstructorHighlight(ihf)
		if err != nil {
			return nil, err
		}
		frag.InstructorHighlights = append(frag.InstructorHighlights, ih)
	}

	return frag, nil
}

var memberAllowed = map[string]bool{
	"user_id":     true,
	"role":        true,
	"access_code": true,
	"updated_at":  true,
	"_delete":     true,
}

func parseMember(fields rawFields) (*MemberFragment, error) {
	if err := checkAllowed(FamilyMembers, fields, memberAllowed); err != nil {
		return nil, err
	}

	frag := &MemberFragment{}
	var err error

	userID, err := fields.i64(FamilyMembers, "user_id")
	if err != nil {
		return nil, err
	}
	if userID == nil || *userID <= 0 {
		return nil, Errorf(FamilyMembers, "user_id is required")
	}
	frag.UserID = *userID

	role, err := fields.str(FamilyMembers, "role")
	if err != nil {
		return nil, err
	}
	if role != nil {
		r := MemberRole(*role)
		if r != RoleStudent && r != RoleInstructor {
			return nil, Errorf(FamilyMembers, "unknown role %q", *role)
		}
		frag.Role = &r
	}

	if frag.AccessCode, err = fields.str(FamilyMembers, "access_code"); err != nil {
		return nil, err
	}
	if frag.UpdatedAt, err = fields.updatedAt(FamilyMembers); err != nil {
		return nil, err
	}
	if frag.Delete, err = fields.deleteMarker(FamilyMembers); err != nil {
		return nil, err
	}
	return frag, nil
}

var toolAllowed = map[string]bool{
	"uid":                          true,
	"kind":                         true,
	"title":                        true,
	"content":                      true,
	"spine_id_ref":                 true,
	"cfi":                          true,
	"ordering":                     true,
	"published_at":                 true,
	"currently_published_tool_uid": true,
	"engagements":                  true,
	"updated_at":                   true,
	"_delete":                      true,
}

func parseTool(fields rawFields) (*ToolFragment, error) {
	if err := checkAllowed(FamilyTools, fields, toolAllowed); err != nil {
		return nil, err
	}

	frag := &ToolFragment{}
	var err error

	uid, err := fields.str(FamilyTools, "uid")
	if err != nil {
		return nil, err
	}
	if uid == nil || *uid == "" {
		return nil, Errorf(FamilyTools, "uid is required")
	}
	frag.UID = *uid

	kind, err := fields.str(FamilyTools, "kind")
	if err != nil {
		return nil, err
	}
	if kind != nil {
		k := ToolKind(*kind)
		if !ValidToolKind(k) {
			return nil, Errorf(FamilyTools, "unknown tool kind %q", *kind)
		}
		frag.Kind = &k
	}

	if frag.Title, err = fields.str(FamilyTools, "title"); err != nil {
		return nil, err
	}
	if frag.Content, err = fields.str(FamilyTools, "content"); err != nil {
		return nil, err
	}
	if frag.SpineIDRef, err = fields.str(FamilyTools, "spine_id_ref"); err != nil {
		return nil, err
	}
	if frag.CFI, err = fields.str(FamilyTools, "cfi"); err != nil {
		return nil, err
	}
	if frag.Ordering, err = fields.intField(FamilyTools, "ordering"); err != nil {
		return nil, err
	}
	if frag.PublishedAt, err = fields.i64(FamilyTools, "published_at"); err != nil {
		return nil, err
	}
	if frag.CurrentlyPublishedToolUID, err = fields.str(FamilyTools, "currently_published_tool_uid"); err != nil {
		return nil, err
	}
	if frag.UpdatedAt, err = fields.updatedAt(FamilyTools); err != nil {
		return nil, err
	}
	if frag.Delete, err = fields.deleteMarker(FamilyTools); err != nil {
		return nil, err
	}

	engagements, err := fields.objects(FamilyEngagements, "engagements")
	if err != nil {
		return nil, err
	}
	for _, ef := range engagements {
		e, err := parseEngagement(ef)
		if err != nil {
			return nil, err
		}
		frag.Engagements = append(frag.Engagements, e)
	}

	return frag, nil
}

var engagementAllowed = map[string]bool{
	"uid":        true,
	"state":      true,
	"answers":    true,
	"updated_at": true,
	"_delete":    true,
}

func parseEngagement(fields rawFields) (*EngagementFragment, error) {
	if err := checkAllowed(FamilyEngagements, fields, engagementAllowed); err != nil {
		return nil, err
	}

	frag := &EngagementFragment{}
	var err error

	uid, err := fields.str(FamilyEngagements, "uid")
	if err != nil {
		return nil, err
	}
	if uid != nil {
		frag.UID = *uid
	}

	if frag.State, err = fields.str(FamilyEngagements, "state"); err != nil {
		return nil, err
	}

	if raw, ok := fields["answers"]; ok {
		if err := json.Unmarshal(raw, &frag.Answers); err != nil {
			return nil, Errorf(FamilyEngagements, "answers must be an array of strings")
		}
	}

	if frag.UpdatedAt, err = fields.updatedAt(FamilyEngagements); err != nil {
		return nil, err
	}
	if frag.Delete, err = fields.deleteMarker(FamilyEngagements); err != nil {
		return nil, err
	}
	return frag, nil
}

var scheduleDateAllowed = map[string]bool{
	"uid":        true,
	"due_at":     true,
	"items":      true,
	"updated_at": true,
	"_delete":    true,
}

func parseScheduleDate(fields rawFields) (*ScheduleDateFragment, error) {
	if err := checkAllowed(FamilyScheduleDates, fields, scheduleDateAllowed); err != nil {
		return nil, err
	}

	frag := &ScheduleDateFragment{}
	var err error

	uid, err := fields.str(FamilyScheduleDates, "uid")
	if err != nil {
		return nil, err
	}
	if uid == nil || *uid == "" {
		return nil, Errorf(FamilyScheduleDates, "uid is required")
	}
	frag.UID = *uid

	if frag.DueAt, err = fields.i64(FamilyScheduleDates, "due_at"); err != nil {
		return nil, err
	}

	if raw, ok := fields["items"]; ok {
		if err := json.Unmarshal(raw, &frag.Items); err != nil {
			return nil, Errorf(FamilyScheduleDates, "items must be an array of strings")
		}
		frag.HasItems = true
	}

	if frag.UpdatedAt, err = fields.updatedAt(FamilyScheduleDates); err != nil {
		return nil, err
	}
	if frag.Delete, err = fields.deleteMarker(FamilyScheduleDates); err != nil {
		return nil, err
	}
	return frag, nil
}

var instructorHighlightAllowed = map[string]bool{
	"spine_id_ref": true,
	"cfi":          true,
	"updated_at":   true,
	"_delete":      true,
}

func parseInstructorHighlight(fields rawFields) (*InstructorHighlightFragment, error) {
	if err := checkAllowed(FamilyInstructorHighlights, fields, instructorHighlightAllowed); err != nil {
		return nil, err
	}

	frag := &InstructorHighlightFragment{}
	var err error

	spine, err := fields.str(FamilyInstructorHighlights, "spine_id_ref")
	if err != nil {
		return nil, err
	}
	cfi, err := fields.str(FamilyInstructorHighlights, "cfi")
	if err != nil {
		return nil, err
	}
	if spine == nil || *spine == "" || cfi == nil || *cfi == "" {
		return nil, Errorf(FamilyInstructorHighlights, "spine_id_ref and cfi are required")
	}
	frag.SpineIDRef = *spine
	frag.CFI = *cfi

	if frag.UpdatedAt, err = fields.updatedAt(FamilyInstructorHighlights); err != nil {
		return nil, err
	}
	if frag.Delete, err = fields.deleteMarker(FamilyInstructorHighlights); err != nil {
		return nil, err
	}
	return frag, nil
}
