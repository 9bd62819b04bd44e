package reaper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) IdleSessionIDs(ttl time.Duration) ([]string, error) {
	args := m.Called(ttl)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionManager) Cleanup(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockFileStore struct {
	mock.Mock
}

func (m *MockFileStore) CleanupOlderThan(maxAge time.Duration) int {
	args := m.Called(maxAge)
	return args.Int(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReapIdleCleansEachSession(t *testing.T) {
	sm := new(MockSessionManager)
	sm.On("IdleSessionIDs", time.Hour).Return([]string{"a", "b"}, nil)
	sm.On("Cleanup", mock.Anything, "a").Return(nil)
	sm.On("Cleanup", mock.Anything, "b").Return(nil)

	r := New(sm, nil, time.Hour, time.Minute, testLogger())
	r.reapIdle(context.Background())

	sm.AssertExpectations(t)
}

func TestReapIdleContinuesAfterCleanupFailure(t *testing.T) {
	sm := new(MockSessionManager)
	sm.On("IdleSessionIDs", time.Hour).Return([]string{"a", "b"}, nil)
	sm.On("Cleanup", mock.Anything, "a").Return(assert.AnError)
	sm.On("Cleanup", mock.Anything, "b").Return(nil)

	r := New(sm, nil, time.Hour, time.Minute, testLogger())
	r.reapIdle(context.Background())

	sm.AssertCalled(t, "Cleanup", mock.Anything, "b")
}

func TestReapIdleListFailure(t *testing.T) {
	sm := new(MockSessionManager)
	sm.On("IdleSessionIDs", time.Hour).Return(nil, assert.AnError)

	r := New(sm, nil, time.Hour, time.Minute, testLogger())
	r.reapIdle(context.Background())

	sm.AssertNotCalled(t, "Cleanup", mock.Anything, mock.Anything)
}

func TestReapFiles(t *testing.T) {
	fs := new(MockFileStore)
	fs.On("CleanupOlderThan", fileMaxAge).Return(3)

	r := New(new(MockSessionManager), fs, time.Hour, time.Minute, testLogger())
	r.reapFiles()

	fs.AssertExpectations(t)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sm := new(MockSessionManager)
	sm.On("IdleSessionIDs", mock.Anything).Return(nil, nil).Maybe()

	r := New(sm, nil, time.Hour, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
