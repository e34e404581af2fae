package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soochol/ghachieve/internal/achieve"
)

// GET /api/schedules
func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.schedulerSvc.List())
}

// getSchedule reports one schedule with its previous and next firing.
// GET /api/schedules/{name}
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, st := range s.schedulerSvc.List() {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, achieve.NewError(achieve.ErrNotFound, "get schedule", "no schedule "+name))
}

// triggerSchedule fires a schedule out of band. The guard is still
// evaluated, so 202 does not mean a run started.
// POST /api/schedules/{name}/trigger
func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.schedulerSvc.Trigger(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"schedule": name, "status": "triggered"})
}
