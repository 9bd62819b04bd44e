package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/j-brandt/codecell/internal/kernel"
	"github.com/j-brandt/codecell/internal/session"
)

type mountRequest struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      *bool  `json:"read_only"` // omitted = read-only
}

type createSessionRequest struct {
	Dependencies []string          `json:"dependencies"`
	Env          map[string]string `json:"env"`
	Mounts       []mountRequest    `json:"mounts"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}

	if err := validateCreateSessionRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	// Dependency installs run as code inside the kernel, so they pass
	// through the same screening as submitted code.
	if len(req.Dependencies) > 0 {
		installLine := "!pip install " + strings.Join(req.Dependencies, " ")
		if ok, reason := s.validator.Validate(installLine, nil); !ok {
			writeValidationRejected(w, reason)
			return
		}
	}

	mounts := make([]kernel.MountPoint, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		mp := kernel.NewMountPoint(m.HostPath, m.ContainerPath)
		if m.ReadOnly != nil {
			mp.ReadOnly = *m.ReadOnly
		}
		mounts = append(mounts, mp)
	}

	s.logger.Debug("create session request",
		"dependencies", len(req.Dependencies), "mounts", len(mounts))
	info, err := s.manager.CreateSession(r.Context(), session.CreateOpts{
		Dependencies: req.Dependencies,
		Env:          req.Env,
		Mounts:       mounts,
	})
	if err != nil {
		s.logger.Error("create session", "error", err)
		writeAPIError(w, err)
		return
	}
	s.logger.Debug("session created", "session_id", info.ID)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateID(id, "session id"); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	info, err := s.manager.Get(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.List()
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateID(id, "session id"); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	s.logger.Debug("delete session", "session_id", id)
	if err := s.manager.Cleanup(r.Context(), id); err != nil {
		s.logger.Error("delete session", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
