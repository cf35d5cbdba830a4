package sync

import (
	"fmt"

	"github.com/openshelf/openshelf/pkg/access"
)

// Entity family names, used in rejection payloads and metrics
const (
	FamilyDocument             = "document"
	FamilyAccess               = "access"
	FamilyLocation             = "latest_location"
	FamilyHighlights           = "highlights"
	FamilyClassrooms           = "classrooms"
	FamilyMembers              = "members"
	FamilyTools                = "tools"
	FamilyEngagements          = "engagements"
	FamilyScheduleDates        = "schedule_dates"
	FamilyInstructorHighlights = "instructor_highlights"
)

// NotDeleted is the sentinel for "not deleted" in deleted_at columns. Using
// a sentinel instead of NULL keeps uniqueness constraints that include the
// delete state enforceable at the store level.
const NotDeleted int64 = 0

// MemberRole is a classroom membership role
type MemberRole string

const (
	RoleStudent    MemberRole = "STUDENT"
	RoleInstructor MemberRole = "INSTRUCTOR"
)

// ToolKind is an in-classroom activity type
type ToolKind string

const (
	ToolQuiz       ToolKind = "quiz"
	ToolPoll       ToolKind = "poll"
	ToolQuestion   ToolKind = "question"
	ToolSketch     ToolKind = "sketch"
	ToolReflection ToolKind = "reflection"
)

// ValidToolKind reports whether k is a known tool kind
func ValidToolKind(k ToolKind) bool {
	switch k {
	case ToolQuiz, ToolPoll, ToolQuestion, ToolSketch, ToolReflection:
		return true
	}
	return false
}

// Engagement kinds. Submission-type rows carry a client-supplied uid and are
// append-only; update-type rows are keyed by (tool, user) and mutable.
const (
	EngagementSubmission = "submission"
	EngagementUpdate     = "update"
)

// LatestLocation is the reading-position cursor, one row per (user, book)
type LatestLocation struct {
	UserID     int64
	BookID     int64
	SpineIDRef string
	CFI        string
	UpdatedAt  int64
}

// Highlight is a location-range annotation keyed by
// (user, book, spineIDRef, cfi)
type Highlight struct {
	ID         int64
	UserID     int64
	BookID     int64
	SpineIDRef string
	CFI        string
	Color      string
	Note       string
	Sketch     string
	ShareCode  string
	UpdatedAt  int64
	DeletedAt  int64
}

// Classroom holds one classroom row. One default classroom exists per
// (tenant, book); the rest are instructor-created.
type Classroom struct {
	UID                  string
	TenantID             int64
	BookID               int64
	Name                 string
	Syllabus             string
	Introduction         string
	AccessCode           string
	InstructorAccessCode string
	LTIKey               string
	LTISecret            string
	IsDefault            bool
	CreatedBy            int64
	UpdatedAt            int64
	DeletedAt            int64
}

// ClassroomMember is keyed by (classroom, user); soft-deleted rows are
// re-joinable.
type ClassroomMember struct {
	ClassroomUID string
	UserID       int64
	Role         MemberRole
	UpdatedAt    int64
	DeletedAt    int64
}

// Tool is an in-classroom activity with a publish lifecycle. A published
// tool is an immutable snapshot; prior published versions are chained via
// CurrentlyPublishedToolUID, which points at the row's successor. Exactly
// one row in a chain has a nil successor: the currently published one.
type Tool struct {
	UID                       string
	ClassroomUID              string
	Kind                      ToolKind
	Title                     string
	Content                   string
	SpineIDRef                string
	CFI                       string
	Ordering                  int
	PublishedAt               int64 // 0 = unpublished draft
	CurrentlyPublishedToolUID *string
	UpdatedAt                 int64
	DeletedAt                 int64
}

// Published reports whether the tool has gone through its publish transition
func (t *Tool) Published() bool {
	return t.PublishedAt != 0
}

// ToolEngagement is a user's interaction with a tool
type ToolEngagement struct {
	UID       string
	ToolUID   string
	UserID    int64
	Kind      string // EngagementSubmission or EngagementUpdate
	State     string
	UpdatedAt int64
	DeletedAt int64
	Answers   []EngagementAnswer
}

// EngagementAnswer is one answer row belonging to an engagement
type EngagementAnswer struct {
	EngagementUID string
	Ordinal       int
	Value         string
}

// ScheduleDate is a classroom due-date with an ordered list of reading-item
// labels
type ScheduleDate struct {
	UID          string
	ClassroomUID string
	DueAt        int64
	UpdatedAt    int64
	DeletedAt    int64
	Items        []ScheduleItem
}

// ScheduleItem is one ordered reading-item label on a schedule date
type ScheduleItem struct {
	ScheduleDateUID string
	Ordinal         int
	Label           string
}

// InstructorHighlight promotes an existing highlight into a classroom's
// curated set, keyed by (highlight, classroom). SpineIDRef and CFI carry the
// source highlight's natural key so in-batch references resolve before the
// surrogate id exists.
type InstructorHighlight struct {
	HighlightID  int64
	ClassroomUID string
	SpineIDRef   string
	CFI          string
	UpdatedAt    int64
	DeletedAt    int64
}

// Caller is the authenticated submitter plus their effective access tier for
// the book under sync.
type Caller struct {
	UserID   int64
	TenantID int64
	IsAdmin  bool
	Tier     access.Tier // zero when the caller has no access row
}

// BatchState is everything the validators need, loaded in one batched read
// before validation starts. Validators never touch the store.
type BatchState struct {
	Now      int64
	TenantID int64
	BookID   int64
	UserID   int64

	AnalyticsEnabled bool

	Location             *LatestLocation
	Highlights           map[string]*Highlight           // caller's highlights by spine|cfi
	Classrooms           map[string]*Classroom           // by uid, includes the default classroom
	DefaultClassroomUID  string
	Members              map[string]*ClassroomMember     // by classroomUID|userID
	Tools                map[string]*Tool                // by uid
	Engagements          map[string]*ToolEngagement      // see EngagementSubKey / EngagementUpdKey
	ScheduleDates        map[string]*ScheduleDate        // by uid
	InstructorHighlights map[string]*InstructorHighlight // by classroomUID|spine|cfi

	// CodeOwners maps every live access/instructor code in the tenant to the
	// classroom uid holding it, for collision checks.
	CodeOwners map[string]string
}

// HighlightKey builds the Highlights map key
func HighlightKey(spineIDRef, cfi string) string {
	return spineIDRef + "|" + cfi
}

// MemberKey builds the Members map key
func MemberKey(classroomUID string, userID int64) string {
	return fmt.Sprintf("%s|%d", classroomUID, userID)
}

// EngagementSubKey builds the Engagements map key for submission-type rows
func EngagementSubKey(uid string) string {
	return "sub|" + uid
}

// EngagementUpdKey builds the Engagements map key for update-type rows
func EngagementUpdKey(toolUID string, userID int64) string {
	return fmt.Sprintf("upd|%s|%d", toolUID, userID)
}

// InstructorHighlightKey builds the InstructorHighlights map key
func InstructorHighlightKey(classroomUID, spineIDRef, cfi string) string {
	return classroomUID + "|" + HighlightKey(spineIDRef, cfi)
}

// ValidationError is a hard validation failure: malformed or disallowed
// fields, a permission violation or a structural invariant violation. It
// rejects the whole request before any write.
type ValidationError struct {
	Family string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Family, e.Reason)
}

// Errorf builds a ValidationError
func Errorf(family, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Family: family, Reason: fmt.Sprintf(format, args...)}
}

// Result is one validator's output: staged mutations plus whether any
// submitted entity was skipped as stale, counted per family.
type Result struct {
	Mutations     []Mutation
	Stale         bool
	StaleFamilies map[string]int
}

func (r *Result) merge(other Result) {
	r.Mutations = append(r.Mutations, other.Mutations...)
	r.Stale = r.Stale || other.Stale
	for family, n := range other.StaleFamilies {
		if r.StaleFamilies == nil {
			r.StaleFamilies = make(map[string]int)
		}
		r.StaleFamilies[family] += n
	}
}

// staleResult marks one entity skipped as stale
func staleResult(family string) Result {
	return Result{Stale: true, StaleFamilies: map[string]int{family: 1}}
}

// stale marks a stale skip. Ties favor the stored row: the client loses.
func stale(prior, submitted int64) bool {
	return prior >= submitted
}

// clampToNow clamps a client-supplied timestamp to "not later than server
// now".
func clampToNow(ts, now int64) int64 {
	if ts > now {
		return now
	}
	return ts
}
