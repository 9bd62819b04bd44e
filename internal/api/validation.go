package api

import (
	"fmt"
	"regexp"
)

// idPattern matches the uuid-derived ids this service hands out.
var idPattern = regexp.MustCompile(`^[a-f0-9-]+$`)

func validateID(id, what string) error {
	if id == "" {
		return fmt.Errorf("%s is required", what)
	}
	if len(id) > 64 {
		return fmt.Errorf("%s must not exceed 64 characters", what)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s has invalid format", what)
	}
	return nil
}

// validateCreateSessionRequest checks session creation parameters.
func validateCreateSessionRequest(req createSessionRequest) error {
	if len(req.Dependencies) > 50 {
		return fmt.Errorf("at most 50 dependencies per session")
	}
	for _, dep := range req.Dependencies {
		if dep == "" {
			return fmt.Errorf("dependencies must not be empty strings")
		}
	}
	for _, m := range req.Mounts {
		if m.HostPath == "" || m.ContainerPath == "" {
			return fmt.Errorf("mounts require host_path and container_path")
		}
	}
	return nil
}
