package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MountPoint declares a bind from a host path into the kernel container.
type MountPoint struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// NewMountPoint returns a read-only mount; callers opt in to writes.
func NewMountPoint(hostPath, containerPath string) MountPoint {
	return MountPoint{HostPath: hostPath, ContainerPath: containerPath, ReadOnly: true}
}

// deniedMountPrefixes are system directories that must never be bound into
// or over. The container side additionally denies /var/run, which some
// images symlink to /run.
var deniedMountPrefixes = []string{
	"/etc", "/var", "/bin", "/sbin", "/boot", "/dev", "/proc", "/sys",
}

var deniedContainerPrefixes = append(deniedMountPrefixes, "/var/run")

// Validate rejects mounts whose host path is missing or whose normalized
// paths fall under a denied system directory. Violations are hard errors.
func (m MountPoint) Validate() error {
	if m.HostPath == "" || m.ContainerPath == "" {
		return fmt.Errorf("mount requires host and container paths")
	}

	hostAbs, err := filepath.Abs(filepath.Clean(m.HostPath))
	if err != nil {
		return fmt.Errorf("normalize host path %q: %w", m.HostPath, err)
	}
	if _, err := os.Stat(hostAbs); err != nil {
		return fmt.Errorf("mount host path does not exist: %s", m.HostPath)
	}
	if p := underAny(hostAbs, deniedMountPrefixes); p != "" {
		return fmt.Errorf("mount host path %s is under protected directory %s", m.HostPath, p)
	}

	if !filepath.IsAbs(m.ContainerPath) {
		return fmt.Errorf("mount container path must be absolute: %s", m.ContainerPath)
	}
	containerClean := filepath.Clean(m.ContainerPath)
	if p := underAny(containerClean, deniedContainerPrefixes); p != "" {
		return fmt.Errorf("mount container path %s is under protected directory %s", m.ContainerPath, p)
	}

	return nil
}

// ValidateMounts checks every mount point, failing on the first violation.
func ValidateMounts(mounts []MountPoint) error {
	for _, m := range mounts {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// underAny returns the first prefix that contains path, or "".
func underAny(path string, prefixes []string) string {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return p
		}
	}
	return ""
}
