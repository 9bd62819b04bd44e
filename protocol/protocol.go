// Package protocol defines the wire format spoken with the kernel inside a
// sandbox container: the connection descriptor handed to the kernel at boot
// and the signed multipart messages exchanged over its channels.
package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PortCount is the number of ports a kernel listens on: shell, iopub,
// stdin, control, heartbeat.
const PortCount = 5

const (
	TransportTCP    = "tcp"
	SignatureScheme = "hmac-sha256"

	// ProtocolVersion is the kernel messaging protocol version we speak.
	ProtocolVersion = "5.3"
)

// ConnectionInfo is the connection descriptor written for the kernel.
// Field names match the JSON connection file the kernel launcher reads.
type ConnectionInfo struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
}

// Endpoint returns the dial address for one of the kernel's ports.
func (c ConnectionInfo) Endpoint(port int) string {
	return fmt.Sprintf("%s://%s:%d", c.Transport, c.IP, port)
}

// Message types seen on the iopub stream or sent on the shell channel.
const (
	MsgTypeExecuteRequest  = "execute_request"
	MsgTypeExecuteReply    = "execute_reply"
	MsgTypeKernelInfoReq   = "kernel_info_request"
	MsgTypeKernelInfoReply = "kernel_info_reply"
	MsgTypeStatus          = "status"
	MsgTypeStream          = "stream"
	MsgTypeExecuteResult   = "execute_result"
	MsgTypeDisplayData     = "display_data"
	MsgTypeError           = "error"
)

// Representation keys of execute_result / display_data bundles that the
// result translation consumes. Other representations pass through untyped
// in the content map.
const (
	MimePNG   = "image/png"
	MimePlain = "text/plain"
)

// ExecutionStateIdle is the status content value that terminates an
// execution's iopub stream.
const ExecutionStateIdle = "idle"

type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is one kernel protocol message. Content is left schemaless: the
// set of fields depends on MsgType and unknown types must pass through.
type Message struct {
	Header       Header         `json:"header"`
	ParentHeader Header         `json:"parent_header"`
	Metadata     map[string]any `json:"metadata"`
	Content      map[string]any `json:"content"`
}

// NewMessage builds a message with a fresh id for the given client session.
func NewMessage(session, msgType string) Message {
	return Message{
		Header: Header{
			MsgID:    uuid.New().String(),
			Username: "codecell",
			Session:  session,
			Date:     time.Now().UTC().Format(time.RFC3339),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  map[string]any{},
	}
}

// delimiter separates routing identities from the signed payload frames.
var delimiter = []byte("<IDS|MSG>")

var ErrBadSignature = errors.New("message signature mismatch")

// Sign computes the hex HMAC-SHA256 over the four JSON payload segments.
func Sign(key []byte, segments ...[]byte) string {
	mac := hmac.New(sha256.New, key)
	for _, seg := range segments {
		mac.Write(seg)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode serializes a message into wire frames: the delimiter, the
// signature, then header, parent header, metadata and content as JSON.
func Encode(msg Message, key []byte) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("marshal parent header: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	sig := Sign(key, header, parent, metadata, content)
	return [][]byte{delimiter, []byte(sig), header, parent, metadata, content}, nil
}

// Decode parses wire frames into a message, skipping any routing
// identities before the delimiter and verifying the signature.
func Decode(frames [][]byte, key []byte) (*Message, error) {
	delim := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			delim = i
			break
		}
	}
	if delim < 0 || len(frames) < delim+6 {
		return nil, fmt.Errorf("malformed message: %d frames, delimiter at %d", len(frames), delim)
	}

	sig := string(frames[delim+1])
	header := frames[delim+2]
	parent := frames[delim+3]
	metadata := frames[delim+4]
	content := frames[delim+5]

	expected := Sign(key, header, parent, metadata, content)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, ErrBadSignature
	}

	var msg Message
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("unmarshal parent header: %w", err)
	}
	if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(content, &msg.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return &msg, nil
}

// StringField reads a string from a message content map, returning ""
// when the key is absent or not a string.
func StringField(content map[string]any, key string) string {
	v, _ := content[key].(string)
	return v
}

// StringSliceField reads a list of strings from a content map. Kernel
// tracebacks arrive as JSON arrays of strings.
func StringSliceField(content map[string]any, key string) []string {
	raw, ok := content[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DataBundle extracts the representation bundle of an execute_result or
// display_data message: mime type → payload.
func DataBundle(content map[string]any) map[string]string {
	raw, ok := content["data"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
