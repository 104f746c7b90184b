package api

import (
	"net/http"
	"strconv"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Status(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	stashed, err := s.orch.Suspend(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": stashed.Version,
		"rules":   len(stashed.Actions),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Resume(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.AlreadyRunning {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// handleIdleCheck runs one idle check; ?dry_run=true only evaluates.
func (s *Server) handleIdleCheck(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		dryRun = b
	}
	respondJSON(w, http.StatusOK, s.orch.CheckIdle(r.Context(), dryRun))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Reconcile(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if res == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"restarted": false})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"restarted":    true,
		"execution_id": res.ExecutionID,
	})
}
