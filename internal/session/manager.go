// Package session orchestrates execution sessions: each session owns one
// kernel, executions against a session run strictly one at a time, and
// code only ever runs in a session the caller created first.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/j-brandt/codecell/internal/config"
	"github.com/j-brandt/codecell/internal/store"
)

// Sentinel errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRequestNotFound = errors.New("request not found")
)

// Request status values. A request moves initializing -> running and ends
// in exactly one of the terminal states.
const (
	StatusInitializing = "initializing"
	StatusRunning      = "running"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusError        = "error"
)

// Output is one piece of produced output, in arrival order. Type is
// "stream" for stdout/stderr text and "result" for expression values.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ExecError describes an exception raised during execution.
type ExecError struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// Result is the translated outcome of one execution request.
type Result struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	Outputs     []Output   `json:"outputs"`
	Error       *ExecError `json:"error,omitempty"`
	Files       []string   `json:"files,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Info is the externally visible view of a session.
type Info struct {
	ID           string    `json:"id"`
	Image        string    `json:"image"`
	Dependencies []string  `json:"dependencies,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
}

type Manager struct {
	cfg     *config.Config
	runtime Runtime
	store   SessionStore
	files   FileStore
	logger  *slog.Logger

	// Live kernels by session id. Only sessions present here accept work.
	kernels   map[string]Kernel
	kernelsMu sync.RWMutex

	// Per-session mutexes to serialize executions.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewManager(cfg *config.Config, rt Runtime, st SessionStore, fs FileStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		runtime: rt,
		store:   st,
		files:   fs,
		logger:  logger,
		kernels: make(map[string]Kernel),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) removeSessionLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

func (m *Manager) kernelFor(id string) (Kernel, bool) {
	m.kernelsMu.RLock()
	defer m.kernelsMu.RUnlock()
	k, ok := m.kernels[id]
	return k, ok
}

// Get returns the session's visible state.
func (m *Manager) Get(id string) (*Info, error) {
	if _, ok := m.kernelFor(id); !ok {
		return nil, ErrSessionNotFound
	}
	sess, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return infoFrom(sess), nil
}

// List returns all live sessions.
func (m *Manager) List() ([]Info, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return nil, err
	}
	var result []Info
	for _, s := range sessions {
		if _, ok := m.kernelFor(s.ID); !ok {
			continue
		}
		result = append(result, *infoFrom(s))
	}
	return result, nil
}

// IdleSessionIDs returns the ids of live sessions that have been inactive
// for longer than ttl.
func (m *Manager) IdleSessionIDs(ttl time.Duration) ([]string, error) {
	sessions, err := m.store.ListIdleSessions(time.Now().UTC().Add(-ttl))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range sessions {
		if _, ok := m.kernelFor(s.ID); !ok {
			continue
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// Cleanup destroys the session's kernel and removes its record. It is
// idempotent: cleaning an unknown or already-cleaned session succeeds.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	m.kernelsMu.Lock()
	k, ok := m.kernels[id]
	delete(m.kernels, id)
	m.kernelsMu.Unlock()

	if ok {
		// Teardown failures are logged inside the launcher; callers of
		// Cleanup never see them.
		k.Destroy(ctx)
	}

	if err := m.store.DeleteSession(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("deleting session record", "session_id", id, "error", err)
	}
	m.removeSessionLock(id)

	if ok {
		m.logger.Info("session cleaned up", "session_id", id)
	}
	return nil
}

// Close tears down every live session. Called on shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.kernelsMu.RLock()
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	m.kernelsMu.RUnlock()

	for _, id := range ids {
		m.Cleanup(ctx, id)
	}
}

func infoFrom(sess *store.Session) *Info {
	return &Info{
		ID:           sess.ID,
		Image:        sess.Image,
		Dependencies: sess.Dependencies,
		CreatedAt:    sess.CreatedAt,
		LastUsed:     sess.LastUsed,
	}
}
