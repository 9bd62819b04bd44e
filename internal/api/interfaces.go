package api

import (
	"context"

	"github.com/j-brandt/codecell/internal/session"
	"github.com/j-brandt/codecell/internal/store"
)

type SessionService interface {
	CreateSession(ctx context.Context, opts session.CreateOpts) (*session.Info, error)
	Get(id string) (*session.Info, error)
	List() ([]session.Info, error)
	Cleanup(ctx context.Context, id string) error
	CreateRequest(ctx context.Context, sessionID, code string) (*store.Request, error)
	Execute(ctx context.Context, requestID string)
	Status(requestID string) (*session.RequestStatus, error)
	GetResult(requestID string) (*session.Result, error)
}

// CodeValidator screens code before it reaches a kernel.
type CodeValidator interface {
	Validate(code string, disabledRules []string) (bool, string)
}

// FileResolver exposes stored execution artifacts for download.
type FileResolver interface {
	List(requestID string) ([]string, error)
	Path(requestID, name string) (string, error)
}
