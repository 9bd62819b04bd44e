package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/j-brandt/codecell/internal/kernel"
	"github.com/j-brandt/codecell/protocol"
)

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) Launch(ctx context.Context, sessionID string, opts kernel.Options) (Kernel, error) {
	args := m.Called(ctx, sessionID, opts)
	if k := args.Get(0); k != nil {
		return k.(Kernel), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeKernel scripts the broadcast stream for each submitted execution.
// Submit appends the scripted messages for that code to the queue; Next
// drains it, simulating a timeout when the queue runs dry.
type fakeKernel struct {
	mu      sync.Mutex
	script  func(code, msgID string) []*protocol.Message
	queue   []*protocol.Message
	submits int

	destroyed  int
	destroyErr error

	// busy tracks an in-flight execution so tests can detect interleaving.
	busy        bool
	interleaved bool
}

func newFakeKernel(script func(code, msgID string) []*protocol.Message) *fakeKernel {
	return &fakeKernel{script: script}
}

func (f *fakeKernel) Submit(code string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		f.interleaved = true
	}
	f.busy = true
	f.submits++
	msgID := fmt.Sprintf("msg-%d", f.submits)
	if f.script != nil {
		f.queue = append(f.queue, f.script(code, msgID)...)
	}
	return msgID, nil
}

func (f *fakeKernel) Next(timeout time.Duration) (*protocol.Message, error) {
	// Widen the race window for serialization tests.
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, fmt.Errorf("%w after %s", kernel.ErrReadTimeout, timeout)
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	if msg.Header.MsgType == protocol.MsgTypeStatus &&
		protocol.StringField(msg.Content, "execution_state") == protocol.ExecutionStateIdle {
		f.busy = false
	}
	return msg, nil
}

func (f *fakeKernel) Container() string {
	return "container-1"
}

func (f *fakeKernel) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return f.destroyErr
}

func (f *fakeKernel) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Message builders for scripted streams.

func kernelMsg(msgType, parentID string, content map[string]any) *protocol.Message {
	msg := protocol.NewMessage("kernel", msgType)
	msg.ParentHeader.MsgID = parentID
	msg.Content = content
	return &msg
}

func idleMsg(parentID string) *protocol.Message {
	return kernelMsg(protocol.MsgTypeStatus, parentID, map[string]any{"execution_state": "idle"})
}

func streamMsg(parentID, text string) *protocol.Message {
	return kernelMsg(protocol.MsgTypeStream, parentID, map[string]any{"name": "stdout", "text": text})
}

func errorMsg(parentID, ename, evalue string) *protocol.Message {
	return kernelMsg(protocol.MsgTypeError, parentID, map[string]any{
		"ename":     ename,
		"evalue":    evalue,
		"traceback": []any{"Traceback (most recent call last):", evalue},
	})
}

func resultMsg(parentID string, data map[string]any) *protocol.Message {
	return kernelMsg(protocol.MsgTypeExecuteResult, parentID, map[string]any{"data": data})
}

func displayMsg(parentID string, data map[string]any) *protocol.Message {
	return kernelMsg(protocol.MsgTypeDisplayData, parentID, map[string]any{"data": data})
}

// completes scripts a normal execution: streamed text, then idle.
func completes(text string) func(code, msgID string) []*protocol.Message {
	return func(code, msgID string) []*protocol.Message {
		return []*protocol.Message{streamMsg(msgID, text), idleMsg(msgID)}
	}
}
