package session

import (
	"context"
	"time"

	"github.com/j-brandt/codecell/internal/kernel"
	"github.com/j-brandt/codecell/internal/store"
	"github.com/j-brandt/codecell/protocol"
)

// Kernel is the handle to one running execution kernel. Submit returns the
// correlation id of the queued execution; Next delivers the broadcast
// stream one message at a time, bounded per call.
type Kernel interface {
	Submit(code string) (string, error)
	Next(timeout time.Duration) (*protocol.Message, error)
	Container() string
	Destroy(ctx context.Context) error
}

// Runtime creates kernels. The concrete implementation drives the
// container engine; tests substitute their own.
type Runtime interface {
	Launch(ctx context.Context, sessionID string, opts kernel.Options) (Kernel, error)
}

type SessionStore interface {
	CreateSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	ListSessions() ([]*store.Session, error)
	ListIdleSessions(cutoff time.Time) ([]*store.Session, error)
	TouchSession(id string) error
	DeleteSession(id string) error
	CreateRequest(req *store.Request) error
	GetRequest(id string) (*store.Request, error)
	UpdateRequestStatus(id string, status string) error
	SaveResult(res *store.Result) error
	GetResult(requestID string) (*store.Result, error)
}

// FileStore persists generated artifacts per request.
type FileStore interface {
	StorePNG(requestID string, b64 string) (string, error)
}

// launcherRuntime adapts the concrete launcher to the Runtime interface.
type launcherRuntime struct {
	l *kernel.Launcher
}

func NewRuntime(l *kernel.Launcher) Runtime {
	return launcherRuntime{l: l}
}

func (r launcherRuntime) Launch(ctx context.Context, sessionID string, opts kernel.Options) (Kernel, error) {
	k, err := r.l.Launch(ctx, sessionID, opts)
	if err != nil {
		return nil, err
	}
	return k, nil
}
