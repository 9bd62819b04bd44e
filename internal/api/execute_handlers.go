package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type executeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`

	// Rule names to skip for this request only. Operator-level disables
	// are applied to the validator itself at startup.
	DisabledRules []string `json:"disabled_rules"`
}

type executeResponse struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}

	if req.SessionID == "" {
		writeValidationError(w, "session_id is required", nil)
		return
	}
	if req.Code == "" {
		writeValidationError(w, "code is required", nil)
		return
	}
	if len(req.Code) > s.cfg.MaxCodeBytes {
		writeValidationError(w, fmt.Sprintf("code exceeds %d bytes", s.cfg.MaxCodeBytes), nil)
		return
	}

	if ok, reason := s.validator.Validate(req.Code, req.DisabledRules); !ok {
		s.logger.Info("code rejected", "session_id", req.SessionID, "reason", reason)
		writeValidationRejected(w, reason)
		return
	}

	exec, err := s.manager.CreateRequest(r.Context(), req.SessionID, req.Code)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	// Fire and forget: the request id is the caller's handle for polling.
	// Detached from the HTTP context so a dropped connection cannot abort
	// the execution.
	go s.manager.Execute(context.Background(), exec.ID)

	s.logger.Debug("execution accepted", "request_id", exec.ID, "session_id", req.SessionID)
	writeJSON(w, http.StatusAccepted, executeResponse{
		RequestID: exec.ID,
		SessionID: exec.SessionID,
		Status:    exec.Status,
	})
}

func (s *Server) handleExecuteStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateID(id, "request id"); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	status, err := s.manager.Status(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleExecuteResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateID(id, "request id"); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	res, err := s.manager.GetResult(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
