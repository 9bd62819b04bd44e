package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/j-brandt/codecell/internal/kernel"
	"github.com/j-brandt/codecell/internal/store"
)

type CreateOpts struct {
	Dependencies []string
	Env          map[string]string
	Mounts       []kernel.MountPoint
}

// CreateSession launches a kernel, installs the requested dependencies,
// and registers the session. Any failure after the kernel exists rolls
// everything back; a session either comes up fully or not at all.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOpts) (*Info, error) {
	sessionID := uuid.New().String()[:12]

	k, err := m.runtime.Launch(ctx, sessionID, m.kernelOptions(opts))
	if err != nil {
		return nil, err
	}

	if len(opts.Dependencies) > 0 {
		if err := m.installDependencies(k, opts.Dependencies); err != nil {
			k.Destroy(ctx)
			return nil, err
		}
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           sessionID,
		Image:        m.cfg.KernelImage,
		ContainerID:  k.Container(),
		Dependencies: opts.Dependencies,
		CreatedAt:    now,
		LastUsed:     now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		k.Destroy(ctx)
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.kernelsMu.Lock()
	m.kernels[sessionID] = k
	m.kernelsMu.Unlock()

	m.logger.Info("session created",
		"session_id", sessionID,
		"container_id", shortID(k.Container()),
		"dependencies", len(opts.Dependencies))
	return infoFrom(sess), nil
}

func (m *Manager) kernelOptions(opts CreateOpts) kernel.Options {
	// Operator-configured directories are mounted read-only into every
	// session, ahead of any per-session mounts.
	mounts := make([]kernel.MountPoint, 0, len(m.cfg.MountDirs)+len(opts.Mounts))
	for _, dir := range m.cfg.MountDirs {
		mounts = append(mounts, kernel.NewMountPoint(dir, "/mnt/data/"+filepath.Base(dir)))
	}
	mounts = append(mounts, opts.Mounts...)

	d := m.cfg.Defaults
	return kernel.Options{
		MemoryLimit:       d.MemoryLimit,
		CPULimit:          d.CPULimit,
		PidsLimit:         d.PidsLimit,
		Env:               opts.Env,
		Mounts:            mounts,
		ReadyTimeout:      time.Duration(d.ReadyTimeoutSec) * time.Second,
		StartupRetries:    d.StartupRetries,
		StartupRetryDelay: time.Duration(d.StartupRetryDelayMs) * time.Millisecond,
	}
}

// installDependencies runs a pip install inside the fresh kernel and waits
// for it to finish. The install code has already passed validation.
func (m *Manager) installDependencies(k Kernel, deps []string) error {
	code := "!pip install " + strings.Join(deps, " ")
	msgID, err := k.Submit(code)
	if err != nil {
		return fmt.Errorf("submit dependency install: %w", err)
	}

	res := m.collect(k, msgID, "", false)
	if res.Status != StatusCompleted {
		if res.Error != nil {
			return fmt.Errorf("dependency installation failed: %s: %s", res.Error.Name, res.Error.Value)
		}
		return fmt.Errorf("dependency installation failed")
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
