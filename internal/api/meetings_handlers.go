package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Naveenravi07/Avara/internal/admission"
	"github.com/Naveenravi07/Avara/internal/models"
)

// CreateMeeting handles POST /api/meetings.
func (h *Handler) CreateMeeting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	meeting, err := h.Meetings.Create(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Logger.Info("meeting created", "meeting", meeting.ID, "creator", user.ID)
	writeJSON(w, http.StatusCreated, meeting)
}

// MeetingByID routes /api/meetings/{id} and the waiting-room subresources
// below it.
func (h *Handler) MeetingByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/meetings/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("meeting id is required"))
		return
	}
	meetingID := parts[0]

	switch {
	case len(parts) == 1:
		h.getMeeting(w, r, meetingID)
	case len(parts) == 2 && parts[1] == "waiting":
		h.listWaiting(w, r, meetingID)
	case len(parts) == 4 && parts[1] == "waiting":
		h.decideWaiting(w, r, meetingID, parts[2], parts[3])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown meeting resource"))
	}
}

func (h *Handler) getMeeting(w http.ResponseWriter, r *http.Request, meetingID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	meeting, ok, err := h.Meetings.Get(r.Context(), meetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("meeting %s not found", meetingID))
		return
	}
	writeJSON(w, http.StatusOK, meeting)
}

// requireCreator loads the meeting and checks the caller created it.
func (h *Handler) requireCreator(w http.ResponseWriter, r *http.Request, meetingID string) (models.User, bool) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return models.User{}, false
	}
	meeting, found, err := h.Meetings.Get(r.Context(), meetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return models.User{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("meeting %s not found", meetingID))
		return models.User{}, false
	}
	if meeting.CreatorID != user.ID {
		writeError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) listWaiting(w http.ResponseWriter, r *http.Request, meetingID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireCreator(w, r, meetingID); !ok {
		return
	}
	entries, err := h.Admission.ListWaiting(r.Context(), meetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) decideWaiting(w http.ResponseWriter, r *http.Request, meetingID, userID, decision string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	caller, ok := h.requireCreator(w, r, meetingID)
	if !ok {
		return
	}
	var err error
	switch decision {
	case "admit":
		err = h.Admission.Admit(r.Context(), meetingID, userID)
	case "reject":
		err = h.Admission.Reject(r.Context(), meetingID, userID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown decision %q", decision))
		return
	}
	if err != nil {
		if errors.Is(err, admission.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Logger.Info("admission decision", "meeting", meetingID, "user", userID, "decision", decision, "by", caller.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": decision})
}
