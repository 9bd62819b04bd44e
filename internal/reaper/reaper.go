// Package reaper reclaims sessions that sat idle past their TTL and ages
// out stored artifacts.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

// SessionManager is the slice of the orchestrator the reaper drives.
type SessionManager interface {
	IdleSessionIDs(ttl time.Duration) ([]string, error)
	Cleanup(ctx context.Context, id string) error
}

// FileStore ages out per-request artifact directories.
type FileStore interface {
	CleanupOlderThan(maxAge time.Duration) int
}

// fileMaxAge is how long generated artifacts outlive their request.
const fileMaxAge = 24 * time.Hour

type Reaper struct {
	sessions SessionManager
	files    FileStore
	idleTTL  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func New(sm SessionManager, fs FileStore, idleTTL, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		sessions: sm,
		files:    fs,
		idleTTL:  idleTTL,
		interval: interval,
		logger:   logger,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "idle_ttl", r.idleTTL)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reapIdle(ctx)
			r.reapFiles()
		}
	}
}

func (r *Reaper) reapIdle(ctx context.Context) {
	ids, err := r.sessions.IdleSessionIDs(r.idleTTL)
	if err != nil {
		r.logger.Error("reaper: list idle sessions", "error", err)
		return
	}

	for _, id := range ids {
		r.logger.Info("reaping idle session", "session_id", id)
		if err := r.sessions.Cleanup(ctx, id); err != nil {
			r.logger.Error("reaper: cleanup session", "session_id", id, "error", err)
		}
	}

	if len(ids) > 0 {
		r.logger.Info("reaper: reaped sessions", "count", len(ids))
	}
}

func (r *Reaper) reapFiles() {
	if r.files == nil {
		return
	}
	if removed := r.files.CleanupOlderThan(fileMaxAge); removed > 0 {
		r.logger.Info("reaper: removed stale artifact directories", "count", removed)
	}
}
