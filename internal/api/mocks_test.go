package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/j-brandt/codecell/internal/session"
	"github.com/j-brandt/codecell/internal/store"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) CreateSession(ctx context.Context, opts session.CreateOpts) (*session.Info, error) {
	args := m.Called(ctx, opts)
	if info := args.Get(0); info != nil {
		return info.(*session.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Get(id string) (*session.Info, error) {
	args := m.Called(id)
	if info := args.Get(0); info != nil {
		return info.(*session.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) List() ([]session.Info, error) {
	args := m.Called()
	if infos := args.Get(0); infos != nil {
		return infos.([]session.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Cleanup(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) CreateRequest(ctx context.Context, sessionID, code string) (*store.Request, error) {
	args := m.Called(ctx, sessionID, code)
	if req := args.Get(0); req != nil {
		return req.(*store.Request), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Execute(ctx context.Context, requestID string) {
	m.Called(ctx, requestID)
}

func (m *MockSessionService) Status(requestID string) (*session.RequestStatus, error) {
	args := m.Called(requestID)
	if st := args.Get(0); st != nil {
		return st.(*session.RequestStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) GetResult(requestID string) (*session.Result, error) {
	args := m.Called(requestID)
	if res := args.Get(0); res != nil {
		return res.(*session.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(code string, disabledRules []string) (bool, string) {
	args := m.Called(code, disabledRules)
	return args.Bool(0), args.String(1)
}

type MockFileResolver struct {
	mock.Mock
}

func (m *MockFileResolver) List(requestID string) ([]string, error) {
	args := m.Called(requestID)
	if files := args.Get(0); files != nil {
		return files.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockFileResolver) Path(requestID, name string) (string, error) {
	args := m.Called(requestID, name)
	return args.String(0), args.Error(1)
}
