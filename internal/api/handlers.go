// Package api implements the JSON HTTP surface: account signup and login,
// meeting creation and lookup, and the waiting-room decision endpoints used
// by a meeting's creator.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Naveenravi07/Avara/internal/admission"
	"github.com/Naveenravi07/Avara/internal/auth"
	"github.com/Naveenravi07/Avara/internal/meet"
)

type Handler struct {
	Directory auth.Directory
	Sessions  *auth.SessionManager
	Meetings  meet.Repository
	Admission *admission.Coordinator
	Logger    *slog.Logger
}

func NewHandler(directory auth.Directory, sessions *auth.SessionManager, meetings meet.Repository, adm *admission.Coordinator, logger *slog.Logger) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Directory: directory,
		Sessions:  sessions,
		Meetings:  meetings,
		Admission: adm,
		Logger:    logger,
	}
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
