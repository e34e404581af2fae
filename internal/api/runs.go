package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/repository"
	"github.com/soochol/ghachieve/internal/services"
)

type achievementView struct {
	achieve.Achievement
	Tiers    []achieve.Tier `json:"tiers"`
	Run      *achieve.Run   `json:"run,omitempty"`
	ActiveID string         `json:"active_run_id,omitempty"`
}

// listAchievements returns the catalog joined with stored progress.
// GET /api/achievements
func (s *Server) listAchievements(w http.ResponseWriter, r *http.Request) {
	byKind := map[achieve.Kind]*achieve.Run{}
	if s.store != nil {
		runs, err := s.store.ListRuns(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		for _, run := range runs {
			byKind[run.Kind] = run
		}
	}

	out := make([]achievementView, 0)
	for _, a := range achieve.Catalog() {
		v := achievementView{Achievement: a, Tiers: a.AvailableTiers(), Run: byKind[a.Kind]}
		if s.runManager != nil {
			v.ActiveID, _ = s.runManager.ActiveRun(a.Kind)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// listRuns returns stored runs and the runs tracked in memory.
// GET /api/runs
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	stored := []*achieve.Run{}
	if s.store != nil {
		runs, err := s.store.ListRuns(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		stored = append(stored, runs...)
	}
	tracked := []services.RunInfo{}
	if s.runManager != nil {
		tracked = append(tracked, s.runManager.Runs()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": stored, "executions": tracked})
}

type startRunRequest struct {
	Kind achieve.Kind `json:"kind"`
	Tier string       `json:"tier"`
}

// startRun launches a run in the background.
// POST /api/runs {"kind": "pull-shark", "tier": "bronze"}
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.runManager == nil {
		http.Error(w, "run execution not available", http.StatusServiceUnavailable)
		return
	}
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	tier, err := achieve.ParseTier(req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := achieve.Lookup(req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.Target(tier); err != nil {
		writeError(w, err)
		return
	}

	id, err := s.runManager.Start(s.runCtx, req.Kind, tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"events": fmt.Sprintf("/api/runs/%s/events", req.Kind),
	})
}

func parseKind(r *http.Request) (achieve.Kind, error) {
	kind := achieve.Kind(chi.URLParam(r, "kind"))
	if _, err := achieve.Lookup(kind); err != nil {
		return "", achieve.NewError(achieve.ErrNotFound, "lookup", err.Error())
	}
	return kind, nil
}

// getRun returns stored progress for one achievement.
// GET /api/runs/{kind}
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"kind": kind}
	found := false
	if s.store != nil {
		run, err := s.store.GetRun(r.Context(), kind)
		switch {
		case err == nil:
			resp["run"] = run
			found = true
		case !errors.Is(err, repository.ErrNotFound):
			writeError(w, err)
			return
		}
	}
	if s.runManager != nil {
		if id, ok := s.runManager.ActiveRun(kind); ok {
			resp["active_run_id"] = id
			found = true
		}
		if res, ok := s.runManager.LastResult(kind); ok {
			resp["last_result"] = res
			found = true
		}
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run for " + string(kind)})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// listOperations returns the operation attempts recorded for a run.
// GET /api/runs/{kind}/operations
func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	ops, err := s.store.OperationsForRun(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*achieve.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// resetRun deletes stored progress so the next run starts from operation 1.
// DELETE /api/runs/{kind}
func (s *Server) resetRun(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.runManager != nil {
		if id, ok := s.runManager.ActiveRun(kind); ok {
			writeError(w, achieve.NewError(achieve.ErrConflict, "reset", fmt.Sprintf("%s is running as %s", kind, id)))
			return
		}
	}
	if s.store == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.store.DeleteRun(r.Context(), kind); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
