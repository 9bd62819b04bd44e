package api

import (
	"net/http"
)

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if err := validateID(requestID, "request id"); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	files, err := s.files.List(requestID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"files":      files,
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	name := r.PathValue("file")
	if err := validateID(requestID, "request id"); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	path, err := s.files.Path(requestID, name)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
