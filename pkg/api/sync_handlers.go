package api

import (
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/openshelf/openshelf/pkg/analytics"
	"github.com/openshelf/openshelf/pkg/async"
	"github.com/openshelf/openshelf/pkg/auth"
	"github.com/openshelf/openshelf/pkg/httputil"
	"github.com/openshelf/openshelf/pkg/sync"
)

// maxPatchBytes bounds a patch submission body
const maxPatchBytes = 4 << 20

// applyPatch handles PUT /api/v1/books/{bookID}/sync
func (s *Server) applyPatch(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	bookID, ok := httputil.ParsePathInt64OrError(w, r, "bookID")
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPatchBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	outcome, err := s.orchestrator.Apply(r.Context(), identity, bookID, body)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	switch outcome.Status {
	case sync.StatusApplied:
		httputil.WriteSuccess(w, map[string]interface{}{
			"status":  string(outcome.Status),
			"applied": outcome.Applied,
		})
	case sync.StatusPartial:
		httputil.WritePreconditionFailed(w)
	case sync.StatusRejected:
		httputil.WriteRejection(w, outcome.Family, outcome.Reason)
	default:
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "patch processing failed")
	}
}

// StateResponse is the current server-side state tree for a (user, book)
// pair, returned for client refetch after a partial sync.
type StateResponse struct {
	LatestLocation       *LocationState `json:"latest_location,omitempty"`
	Highlights           []*HighlightState `json:"highlights"`
	Classrooms           []*ClassroomState `json:"classrooms"`
}

// LocationState is the reading-position cursor
type LocationState struct {
	SpineIDRef string `json:"spine_id_ref"`
	CFI        string `json:"cfi"`
	UpdatedAt  int64  `json:"updated_at"`
}

// HighlightState is one live highlight
type HighlightState struct {
	SpineIDRef string `json:"spine_id_ref"`
	CFI        string `json:"cfi"`
	Color      string `json:"color,omitempty"`
	Note       string `json:"note,omitempty"`
	Sketch     string `json:"sketch,omitempty"`
	ShareCode  string `json:"share_code,omitempty"`
	UpdatedAt  int64  `json:"updated_at"`
}

// ClassroomState is one live classroom with its dependent families
type ClassroomState struct {
	UID                  string                      `json:"uid"`
	Name                 string                      `json:"name"`
	Syllabus             string                      `json:"syllabus,omitempty"`
	Introduction         string                      `json:"introduction,omitempty"`
	AccessCode           string                      `json:"access_code,omitempty"`
	InstructorAccessCode string                      `json:"instructor_access_code,omitempty"`
	IsDefault            bool                        `json:"is_default"`
	UpdatedAt            int64                       `json:"updated_at"`
	Members              []*MemberState              `json:"members"`
	Tools                []*ToolState                `json:"tools"`
	ScheduleDates        []*ScheduleDateState        `json:"schedule_dates"`
	InstructorHighlights []*InstructorHighlightState `json:"instructor_highlights"`
}

// MemberState is one live membership
type MemberState struct {
	UserID    int64  `json:"user_id"`
	Role      string `json:"role"`
	UpdatedAt int64  `json:"updated_at"`
}

// ToolState is one live tool with the caller's engagements
type ToolState struct {
	UID                       string             `json:"uid"`
	Kind                      string             `json:"kind"`
	Title                     string             `json:"title"`
	Content                   string             `json:"content,omitempty"`
	SpineIDRef                string             `json:"spine_id_ref,omitempty"`
	CFI                       string             `json:"cfi,omitempty"`
	Ordering                  int                `json:"ordering"`
	PublishedAt               int64              `json:"published_at,omitempty"`
	CurrentlyPublishedToolUID *string            `json:"currently_published_tool_uid,omitempty"`
	UpdatedAt                 int64              `json:"updated_at"`
	Engagements               []*EngagementState `json:"engagements"`
}

// EngagementState is one of the caller's live engagements
type EngagementState struct {
	UID       string `json:"uid"`
	Kind      string `json:"kind"`
	State     string `json:"state,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// ScheduleDateState is one live schedule date
type ScheduleDateState struct {
	UID       string   `json:"uid"`
	DueAt     int64    `json:"due_at"`
	Items     []string `json:"items"`
	UpdatedAt int64    `json:"updated_at"`
}

// InstructorHighlightState is one live curated highlight
type InstructorHighlightState struct {
	SpineIDRef string `json:"spine_id_ref"`
	CFI        string `json:"cfi"`
	UpdatedAt  int64  `json:"updated_at"`
}

// getState handles GET /api/v1/books/{bookID}/sync
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	bookID, ok := httputil.ParsePathInt64OrError(w, r, "bookID")
	if !ok {
		return
	}

	st, err := s.syncStore.ReadBatch(r.Context(), identity.TenantID, bookID, identity.UserID, &sync.Document{})
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if s.eventTracker != nil && st.AnalyticsEnabled {
		tenantID, userID := identity.TenantID, identity.UserID
		// Detached from the request context: the write must outlive the
		// handler, which returns before the insert lands.
		async.SafeGo(context.WithoutCancel(r.Context()), 5*time.Second, "track sync pull", func(ctx context.Context) error {
			return s.eventTracker.Track(ctx, analytics.NewSyncPullEvent(tenantID, userID, bookID))
		})
	}

	httputil.WriteSuccess(w, buildStateResponse(st))
}

// buildStateResponse projects the batch state into the client-facing tree,
// dropping soft-deleted rows.
func buildStateResponse(st *sync.BatchState) *StateResponse {
	resp := &StateResponse{
		Highlights: []*HighlightState{},
		Classrooms: []*ClassroomState{},
	}

	if st.Location != nil {
		resp.LatestLocation = &LocationState{
			SpineIDRef: st.Location.SpineIDRef,
			CFI:        st.Location.CFI,
			UpdatedAt:  st.Location.UpdatedAt,
		}
	}

	for _, h := range st.Highlights {
		if h.DeletedAt != sync.NotDeleted {
			continue
		}
		resp.Highlights = append(resp.Highlights, &HighlightState{
			SpineIDRef: h.SpineIDRef,
			CFI:        h.CFI,
			Color:      h.Color,
			Note:       h.Note,
			Sketch:     h.Sketch,
			ShareCode:  h.ShareCode,
			UpdatedAt:  h.UpdatedAt,
		})
	}
	sort.Slice(resp.Highlights, func(i, j int) bool {
		if resp.Highlights[i].SpineIDRef != resp.Highlights[j].SpineIDRef {
			return resp.Highlights[i].SpineIDRef < resp.Highlights[j].SpineIDRef
		}
		return resp.Highlights[i].CFI < resp.Highlights[j].CFI
	})

	for _, c := range st.Classrooms {
		if c.DeletedAt != sync.NotDeleted {
			continue
		}
		resp.Classrooms = append(resp.Classrooms, buildClassroomState(st, c))
	}
	sort.Slice(resp.Classrooms, func(i, j int) bool {
		return resp.Classrooms[i].UID < resp.Classrooms[j].UID
	})

	return resp
}

func buildClassroomState(st *sync.BatchState, c *sync.Classroom) *ClassroomState {
	out := &ClassroomState{
		UID:                  c.UID,
		Name:                 c.Name,
		Syllabus:             c.Syllabus,
		Introduction:         c.Introduction,
		AccessCode:           c.AccessCode,
		InstructorAccessCode: c.InstructorAccessCode,
		IsDefault:            c.IsDefault,
		UpdatedAt:            c.UpdatedAt,
		Members:              []*MemberState{},
		Tools:                []*ToolState{},
		ScheduleDates:        []*ScheduleDateState{},
		InstructorHighlights: []*InstructorHighlightState{},
	}

	for _, m := range st.Members {
		if m.ClassroomUID != c.UID || m.DeletedAt != sync.NotDeleted {
			continue
		}
		out.Members = append(out.Members, &MemberState{
			UserID:    m.UserID,
			Role:      string(m.Role),
			UpdatedAt: m.UpdatedAt,
		})
	}
	sort.Slice(out.Members, func(i, j int) bool {
		return out.Members[i].UserID < out.Members[j].UserID
	})

	for _, t := range st.Tools {
		if t.ClassroomUID != c.UID || t.DeletedAt != sync.NotDeleted {
			continue
		}
		ts := &ToolState{
			UID:                       t.UID,
			Kind:                      string(t.Kind),
			Title:                     t.Title,
			Content:                   t.Content,
			SpineIDRef:                t.SpineIDRef,
			CFI:                       t.CFI,
			Ordering:                  t.Ordering,
			PublishedAt:               t.PublishedAt,
			CurrentlyPublishedToolUID: t.CurrentlyPublishedToolUID,
			UpdatedAt:                 t.UpdatedAt,
			Engagements:               []*EngagementState{},
		}
		for _, e := range st.Engagements {
			if e.ToolUID != t.UID || e.DeletedAt != sync.NotDeleted {
				continue
			}
			ts.Engagements = append(ts.Engagements, &EngagementState{
				UID:       e.UID,
				Kind:      e.Kind,
				State:     e.State,
				UpdatedAt: e.UpdatedAt,
			})
		}
		sort.Slice(ts.Engagements, func(i, j int) bool {
			return ts.Engagements[i].UID < ts.Engagements[j].UID
		})
		out.Tools = append(out.Tools, ts)
	}
	sort.Slice(out.Tools, func(i, j int) bool {
		if out.Tools[i].Ordering != out.Tools[j].Ordering {
			return out.Tools[i].Ordering < out.Tools[j].Ordering
		}
		return out.Tools[i].UID < out.Tools[j].UID
	})

	for _, d := range st.ScheduleDates {
		if d.ClassroomUID != c.UID || d.DeletedAt != sync.NotDeleted {
			continue
		}
		ds := &ScheduleDateState{
			UID:       d.UID,
			DueAt:     d.DueAt,
			Items:     []string{},
			UpdatedAt: d.UpdatedAt,
		}
		for _, item := range d.Items {
			ds.Items = append(ds.Items, item.Label)
		}
		out.ScheduleDates = append(out.ScheduleDates, ds)
	}
	sort.Slice(out.ScheduleDates, func(i, j int) bool {
		return out.ScheduleDates[i].DueAt < out.ScheduleDates[j].DueAt
	})

	for _, ih := range st.InstructorHighlights {
		if ih.ClassroomUID != c.UID || ih.DeletedAt != sync.NotDeleted {
			continue
		}
		out.InstructorHighlights = append(out.InstructorHighlights, &InstructorHighlightState{
			SpineIDRef: ih.SpineIDRef,
			CFI:        ih.CFI,
			UpdatedAt:  ih.UpdatedAt,
		})
	}
	sort.Slice(out.InstructorHighlights, func(i, j int) bool {
		if out.InstructorHighlights[i].SpineIDRef != out.InstructorHighlights[j].SpineIDRef {
			return out.InstructorHighlights[i].SpineIDRef < out.InstructorHighlights[j].SpineIDRef
		}
		return out.InstructorHighlights[i].CFI < out.InstructorHighlights[j].CFI
	})

	return out
}
