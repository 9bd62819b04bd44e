package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	sess := &Session{
		ID:           "sess-1",
		Image:        "codecell-kernel:latest",
		ContainerID:  "abc123",
		Dependencies: []string{"numpy", "pandas"},
		CreatedAt:    now,
		LastUsed:     now,
	}
	require.NoError(t, s.CreateSession(sess))

	got, err := s.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.Image, got.Image)
	assert.Equal(t, sess.ContainerID, got.ContainerID)
	assert.Equal(t, sess.Dependencies, got.Dependencies)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionWithoutDependencies(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(&Session{ID: "s", Image: "img", CreatedAt: now, LastUsed: now}))

	got, err := s.GetSession("s")
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
}

func TestTouchSession(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.CreateSession(&Session{ID: "s", Image: "img", CreatedAt: old, LastUsed: old}))

	require.NoError(t, s.TouchSession("s"))

	got, err := s.GetSession("s")
	require.NoError(t, err)
	assert.True(t, got.LastUsed.After(old))

	assert.ErrorIs(t, s.TouchSession("missing"), ErrNotFound)
}

func TestListIdleSessions(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	stale := now.Add(-2 * time.Hour)
	require.NoError(t, s.CreateSession(&Session{ID: "stale", Image: "img", CreatedAt: stale, LastUsed: stale}))
	require.NoError(t, s.CreateSession(&Session{ID: "fresh", Image: "img", CreatedAt: now, LastUsed: now}))

	idle, err := s.ListIdleSessions(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "stale", idle[0].ID)
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(&Session{ID: "s", Image: "img", CreatedAt: now, LastUsed: now}))

	require.NoError(t, s.DeleteSession("s"))
	_, err := s.GetSession("s")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteSession("s"), ErrNotFound)
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	req := &Request{
		ID:        "req-1",
		SessionID: "sess-1",
		Code:      "print('hi')",
		Status:    "initializing",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRequest(req))

	require.NoError(t, s.UpdateRequestStatus("req-1", "running"))
	got, err := s.GetRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "print('hi')", got.Code)

	assert.ErrorIs(t, s.UpdateRequestStatus("missing", "running"), ErrNotFound)
	_, err = s.GetRequest("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResultUpsert(t *testing.T) {
	s := newTestStore(t)

	outputs, _ := json.Marshal([]map[string]string{{"type": "stream", "data": "hi\n"}})
	res := &Result{
		RequestID:   "req-1",
		Status:      "completed",
		Outputs:     outputs,
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveResult(res))

	got, err := s.GetResult("req-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.JSONEq(t, string(outputs), string(got.Outputs))
	assert.Nil(t, got.Error)
	assert.Nil(t, got.Files)

	// Second save for the same request overwrites.
	errJSON, _ := json.Marshal(map[string]string{"ename": "ValueError", "evalue": "boom"})
	res.Status = "error"
	res.Error = errJSON
	require.NoError(t, s.SaveResult(res))

	got, err = s.GetResult("req-1")
	require.NoError(t, err)
	assert.Equal(t, "error", got.Status)
	assert.JSONEq(t, string(errJSON), string(got.Error))
}

func TestGetResultNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetResult("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryOnBusyGivesUp(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestRetryOnBusyPassesThroughOtherErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint violation")
	err := retryOnBusy(func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}
