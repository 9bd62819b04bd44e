package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/j-brandt/codecell/internal/kernel"
	"github.com/j-brandt/codecell/internal/store"
	"github.com/j-brandt/codecell/protocol"
)

// CreateRequest registers an execution against an existing session. The
// session must already exist; nothing here creates one implicitly.
func (m *Manager) CreateRequest(ctx context.Context, sessionID, code string) (*store.Request, error) {
	if _, ok := m.kernelFor(sessionID); !ok {
		return nil, ErrSessionNotFound
	}

	req := &store.Request{
		ID:        uuid.New().String()[:12],
		SessionID: sessionID,
		Code:      code,
		Status:    StatusInitializing,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateRequest(req); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	return req, nil
}

// Execute runs a previously created request to completion and persists the
// outcome. Callers fire it in the background and poll status; it never
// returns an error, every failure ends up in the stored result.
func (m *Manager) Execute(ctx context.Context, requestID string) {
	req, err := m.store.GetRequest(requestID)
	if err != nil {
		m.logger.Error("loading request", "request_id", requestID, "error", err)
		return
	}

	k, ok := m.kernelFor(req.SessionID)
	if !ok {
		m.finish(requestID, &Result{
			RequestID: requestID,
			Status:    StatusFailed,
			Error:     &ExecError{Name: "SessionGone", Value: "session no longer exists"},
		})
		return
	}

	// One execution at a time per session.
	mu := m.sessionLock(req.SessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.store.UpdateRequestStatus(requestID, StatusRunning); err != nil {
		m.logger.Error("marking request running", "request_id", requestID, "error", err)
	}

	msgID, err := k.Submit(req.Code)
	if err != nil {
		m.finish(requestID, &Result{
			RequestID: requestID,
			Status:    StatusFailed,
			Error:     &ExecError{Name: "KernelError", Value: err.Error()},
		})
		return
	}

	res := m.collect(k, msgID, requestID, true)
	m.finish(requestID, res)

	if err := m.store.TouchSession(req.SessionID); err != nil {
		m.logger.Error("touching session", "session_id", req.SessionID, "error", err)
	}
}

// collect drains the kernel's broadcast stream for one execution until the
// kernel reports idle, an error arrives, or a message wait times out.
// Messages belonging to other executions are skipped.
func (m *Manager) collect(k Kernel, msgID, requestID string, storeFiles bool) *Result {
	timeout := time.Duration(m.cfg.Defaults.MessageTimeoutSec) * time.Second

	var outputs []Output
	var files []string

	done := func(status string, execErr *ExecError) *Result {
		return &Result{
			RequestID:   requestID,
			Status:      status,
			Outputs:     outputs,
			Error:       execErr,
			Files:       files,
			CompletedAt: time.Now().UTC(),
		}
	}

	for {
		msg, err := k.Next(timeout)
		if errors.Is(err, kernel.ErrReadTimeout) {
			return done(StatusError, &ExecError{
				Name:  "TimeoutError",
				Value: fmt.Sprintf("no kernel message within %s", timeout),
			})
		}
		if err != nil {
			return done(StatusFailed, &ExecError{Name: "KernelError", Value: err.Error()})
		}
		if msg.ParentHeader.MsgID != msgID {
			continue
		}

		switch msg.Header.MsgType {
		case protocol.MsgTypeStatus:
			if protocol.StringField(msg.Content, "execution_state") == protocol.ExecutionStateIdle {
				return done(StatusCompleted, nil)
			}

		case protocol.MsgTypeStream:
			outputs = append(outputs, Output{
				Type: "stream",
				Data: protocol.StringField(msg.Content, "text"),
			})

		case protocol.MsgTypeError:
			return done(StatusError, &ExecError{
				Name:      protocol.StringField(msg.Content, "ename"),
				Value:     protocol.StringField(msg.Content, "evalue"),
				Traceback: protocol.StringSliceField(msg.Content, "traceback"),
			})

		case protocol.MsgTypeExecuteResult, protocol.MsgTypeDisplayData:
			// One message may carry several representations of the same
			// value; the png and the plain text both contribute.
			bundle := protocol.DataBundle(msg.Content)
			if png, ok := bundle[protocol.MimePNG]; ok && storeFiles {
				name, err := m.files.StorePNG(requestID, png)
				if err != nil {
					m.logger.Error("storing image output", "request_id", requestID, "error", err)
				} else {
					files = append(files, name)
				}
			}
			if plain, ok := bundle[protocol.MimePlain]; ok {
				outputs = append(outputs, Output{Type: "result", Data: plain})
			}
			// Other representations (html, svg) are dropped.
		}
	}
}

// finish persists the result and moves the request to its terminal status.
func (m *Manager) finish(requestID string, res *Result) {
	row := &store.Result{
		RequestID:   requestID,
		Status:      res.Status,
		CompletedAt: res.CompletedAt,
	}
	if row.CompletedAt.IsZero() {
		row.CompletedAt = time.Now().UTC()
	}

	if outputs, err := json.Marshal(res.Outputs); err == nil {
		row.Outputs = outputs
	}
	if res.Error != nil {
		if e, err := json.Marshal(res.Error); err == nil {
			row.Error = e
		}
	}
	if len(res.Files) > 0 {
		if f, err := json.Marshal(res.Files); err == nil {
			row.Files = f
		}
	}

	if err := m.store.SaveResult(row); err != nil {
		m.logger.Error("saving result", "request_id", requestID, "error", err)
	}
	if err := m.store.UpdateRequestStatus(requestID, res.Status); err != nil {
		m.logger.Error("updating request status", "request_id", requestID, "error", err)
	}
}

// RequestStatus is the polling view of one execution request. CompletedAt
// is set once the request reaches a terminal state.
type RequestStatus struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Status returns a request's current status and timestamps.
func (m *Manager) Status(requestID string) (*RequestStatus, error) {
	req, err := m.store.GetRequest(requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}

	st := &RequestStatus{
		RequestID: req.ID,
		Status:    req.Status,
		CreatedAt: req.CreatedAt,
	}
	if row, err := m.store.GetResult(requestID); err == nil {
		completed := row.CompletedAt
		st.CompletedAt = &completed
	}
	return st, nil
}

// GetResult returns a request's stored result. ErrRequestNotFound covers
// both unknown requests and requests still executing.
func (m *Manager) GetResult(requestID string) (*Result, error) {
	row, err := m.store.GetResult(requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}

	res := &Result{
		RequestID:   row.RequestID,
		Status:      row.Status,
		CompletedAt: row.CompletedAt,
	}
	if len(row.Outputs) > 0 {
		if err := json.Unmarshal(row.Outputs, &res.Outputs); err != nil {
			return nil, fmt.Errorf("decoding outputs: %w", err)
		}
	}
	if len(row.Error) > 0 {
		res.Error = &ExecError{}
		if err := json.Unmarshal(row.Error, res.Error); err != nil {
			return nil, fmt.Errorf("decoding error: %w", err)
		}
	}
	if len(row.Files) > 0 {
		if err := json.Unmarshal(row.Files, &res.Files); err != nil {
			return nil, fmt.Errorf("decoding files: %w", err)
		}
	}
	return res, nil
}
