package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/branchline/branchline/pkg/credstore"
	"github.com/branchline/branchline/pkg/supervisor"
	"github.com/branchline/branchline/pkg/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrUnknownBranch):
		status = http.StatusNotFound
	case errors.Is(err, credstore.ErrNotFound), errors.Is(err, credstore.ErrBackupNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.FleetStatus())
}

// command adapts a supervisor branch command to a POST handler.
func (s *Server) command(fn func(branchID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		branchID := chi.URLParam(r, "branchID")
		if err := fn(branchID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"branch_id": branchID})
	}
}

type branchHealthResponse struct {
	Current types.HealthRecord   `json:"current"`
	History []types.HealthRecord `json:"history"`
}

func (s *Server) handleBranchHealth(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")

	current, err := s.fleet.HealthRecord(branchID)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.fleet.HealthHistory(branchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branchHealthResponse{Current: current, History: history})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")

	backups, err := s.store.ListBackups(branchID)
	if err != nil {
		writeError(w, err)
		return
	}
	if backups == nil {
		backups = []types.SessionBackup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

type restoreRequest struct {
	BackupID string `json:"backup_id"`
}

// handleRestore swaps a branch's live credentials for a backup's contents.
// The branch is disconnected first so the restored material is what the
// next connect uses.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	branchID := chi.URLParam(r, "branchID")

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BackupID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "backup_id required"})
		return
	}

	if err := s.fleet.DisconnectBranch(branchID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Restore(branchID, req.BackupID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.fleet.ReconnectBranch(branchID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"branch_id": branchID,
		"backup_id": req.BackupID,
	})
}
