package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/j-brandt/codecell/protocol"
)

var (
	// ErrReadTimeout is returned when no message arrives within the
	// per-message wait bound.
	ErrReadTimeout = errors.New("timed out waiting for kernel message")

	// ErrChannelClosed is returned after the channel has shut down.
	ErrChannelClosed = errors.New("kernel channel closed")
)

// Channel is the duplex protocol connection to one kernel: a DEALER socket
// for the shell (command) channel and a SUB socket for the iopub
// (broadcast) stream. Exclusively owned by the session holding it.
type Channel struct {
	session string
	key     []byte

	shell zmq4.Socket
	iopub zmq4.Socket

	iopubCh chan iopubItem
	shellCh chan *protocol.Message

	cancel context.CancelFunc
	logger *slog.Logger
}

type iopubItem struct {
	msg *protocol.Message
	err error
}

// DialChannel connects both sockets and starts the receive pumps.
func DialChannel(info protocol.ConnectionInfo, logger *slog.Logger) (*Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		session: uuid.New().String(),
		key:     []byte(info.Key),
		shell:   zmq4.NewDealer(ctx),
		iopub:   zmq4.NewSub(ctx),
		iopubCh: make(chan iopubItem, 64),
		shellCh: make(chan *protocol.Message, 8),
		cancel:  cancel,
		logger:  logger,
	}

	if err := c.shell.Dial(info.Endpoint(info.ShellPort)); err != nil {
		cancel()
		return nil, fmt.Errorf("dial shell channel: %w", err)
	}
	if err := c.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe iopub: %w", err)
	}
	if err := c.iopub.Dial(info.Endpoint(info.IOPubPort)); err != nil {
		c.Close()
		return nil, fmt.Errorf("dial iopub channel: %w", err)
	}

	go c.pump(c.iopub, func(msg *protocol.Message, err error) {
		select {
		case c.iopubCh <- iopubItem{msg: msg, err: err}:
		case <-ctx.Done():
		}
	})
	go c.pump(c.shell, func(msg *protocol.Message, err error) {
		if err != nil {
			return // shell replies are only consumed during readiness checks
		}
		select {
		case c.shellCh <- msg:
		case <-ctx.Done():
		}
	})

	return c, nil
}

// pump reads socket frames until the channel context is cancelled,
// decoding each multipart message. Messages with bad signatures are
// dropped: they cannot come from our kernel.
func (c *Channel) pump(sock zmq4.Socket, deliver func(*protocol.Message, error)) {
	for {
		raw, err := sock.Recv()
		if err != nil {
			deliver(nil, fmt.Errorf("%w: %v", ErrChannelClosed, err))
			return
		}
		msg, err := protocol.Decode(raw.Frames, c.key)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("dropping undecodable kernel message", "error", err)
			}
			continue
		}
		deliver(msg, nil)
	}
}

// WaitReady blocks until the kernel answers a kernel_info round-trip,
// bounded by timeout. The kernel needs a moment after container start
// before its sockets answer, so requests are retried each second.
func (c *Channel) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		msg := protocol.NewMessage(c.session, protocol.MsgTypeKernelInfoReq)
		if err := c.send(msg); err != nil {
			return fmt.Errorf("kernel info request: %w", err)
		}

		wait := time.Second
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return fmt.Errorf("kernel not ready after %s", timeout)
		}

		select {
		case reply := <-c.shellCh:
			if reply.Header.MsgType == protocol.MsgTypeKernelInfoReply {
				return nil
			}
		case <-time.After(wait):
			if time.Now().After(deadline) {
				return fmt.Errorf("kernel not ready after %s", timeout)
			}
		}
	}
}

// Submit sends an execute_request and returns its message id immediately;
// outputs are collected from the iopub stream via Next.
func (c *Channel) Submit(code string) (string, error) {
	msg := protocol.NewMessage(c.session, protocol.MsgTypeExecuteRequest)
	msg.Content = map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    true,
	}
	if err := c.send(msg); err != nil {
		return "", fmt.Errorf("submit execute request: %w", err)
	}
	return msg.Header.MsgID, nil
}

// Next returns the next iopub message, waiting at most timeout.
func (c *Channel) Next(timeout time.Duration) (*protocol.Message, error) {
	select {
	case item, ok := <-c.iopubCh:
		if !ok {
			return nil, ErrChannelClosed
		}
		return item.msg, item.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %s", ErrReadTimeout, timeout)
	}
}

func (c *Channel) send(msg protocol.Message) error {
	frames, err := protocol.Encode(msg, c.key)
	if err != nil {
		return err
	}
	return c.shell.Send(zmq4.NewMsgFrom(frames...))
}

// Close stops the pumps and closes both sockets.
func (c *Channel) Close() error {
	c.cancel()
	var errs []error
	if err := c.shell.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close shell: %w", err))
	}
	if err := c.iopub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close iopub: %w", err))
	}
	return errors.Join(errs...)
}
