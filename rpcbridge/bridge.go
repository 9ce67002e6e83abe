// Package rpcbridge implements the external-decision JSON-RPC 2.0 bridge
// of spec.md §4.10: a long-lived child process, spawned once, that
// exchanges newline-delimited JSON-RPC frames with this node over its
// stdin/stdout.
package rpcbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tapprotocol/tap/pkg/errs"
)

// JSON-RPC 2.0 error codes, per spec.md §6.4.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InitializeParams is the one-shot handshake sent to the child on startup.
type InitializeParams struct {
	Version       string   `json:"version"`
	AgentDIDs     []string `json:"agent_dids"`
	SubscribeMode string   `json:"subscribe_mode"`
	Capabilities  []string `json:"capabilities"`
}

// DecisionParams is the body of a `tap/decision` request to the child.
type DecisionParams struct {
	DecisionID    string         `json:"decision_id"`
	TransactionID string         `json:"transaction_id"`
	AgentDID      string         `json:"agent_did"`
	DecisionType  string         `json:"decision_type"`
	Context       map[string]any `json:"context,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

// DecisionResult is the child's response to a `tap/decision` request.
type DecisionResult struct {
	Action string         `json:"action"`
	Detail map[string]any `json:"detail,omitempty"`
}

// EventParams is the body of a `tap/event` notification to the child.
type EventParams struct {
	EventType string         `json:"event_type"`
	AgentDID  string         `json:"agent_did,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// ToolCallHandler answers a tool-call request the child issues back to the
// host. Returning an error yields a JSON-RPC error response.
type ToolCallHandler func(ctx context.Context, method string, params json.RawMessage) (result any, err error)

// Bridge manages one child process and the newline-delimited JSON-RPC
// conversation over its stdio, per spec.md §4.10.
type Bridge struct {
	log *logrus.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan response

	nextID int64

	onReady      func(version, name string)
	toolHandlers map[string]ToolCallHandler

	closed atomic.Bool
}

// New constructs a Bridge. log defaults to logrus.StandardLogger() if nil.
func New(log *logrus.Logger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bridge{
		log:          log,
		pending:      map[string]chan response{},
		toolHandlers: map[string]ToolCallHandler{},
	}
}

// OnReady registers a callback invoked when the child emits its
// `tap/ready` notification.
func (b *Bridge) OnReady(fn func(version, name string)) { b.onReady = fn }

// HandleToolCall registers a handler for a named tool-call request the
// child may issue back to the host.
func (b *Bridge) HandleToolCall(method string, fn ToolCallHandler) {
	b.mu.Lock()
	b.toolHandlers[method] = fn
	b.mu.Unlock()
}

// Start spawns the child process and begins reading its stdout in the
// background. The child is spawned once per Bridge; restart by discarding
// this Bridge and constructing a new one (spec.md §4.10: "the bridge may
// be restarted").
func (b *Bridge) Start(ctx context.Context, name string, args ...string) error {
	const op = "rpcbridge.Bridge.Start"
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.External, op, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.External, op, "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.External, op, "spawn child", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.mu.Unlock()

	go b.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		b.onChildExit()
	}()

	return nil
}

// onChildExit fails every outstanding decision request so callers don't
// hang forever; per spec.md §4.10, outstanding decisions remain Pending at
// the state-machine level — the bridge only unblocks its own callers.
func (b *Bridge) onChildExit() {
	b.closed.Store(true)
	b.mu.Lock()
	pending := b.pending
	b.pending = map[string]chan response{}
	b.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	b.log.Warn("rpcbridge: child process exited")
}

func (b *Bridge) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(line)
	}
}

func (b *Bridge) handleLine(line []byte) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		b.log.WithError(err).Warn("rpcbridge: malformed frame from child")
		return
	}

	if probe.Method != "" {
		b.handleInbound(line, probe.Method)
		return
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		b.log.WithError(err).Warn("rpcbridge: malformed response from child")
		return
	}
	key := fmt.Sprint(resp.ID)
	b.mu.Lock()
	ch, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if ok {
		ch <- resp
		close(ch)
	}
}

func (b *Bridge) handleInbound(line []byte, method string) {
	switch method {
	case "tap/ready":
		var req struct {
			Params struct {
				Version string `json:"version"`
				Name    string `json:"name"`
			} `json:"params"`
		}
		_ = json.Unmarshal(line, &req)
		if b.onReady != nil {
			b.onReady(req.Params.Version, req.Params.Name)
		}
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	b.mu.Lock()
	handler, ok := b.toolHandlers[req.Method]
	b.mu.Unlock()
	if !ok {
		if req.ID != nil {
			b.writeResponse(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}})
		}
		return
	}

	result, err := handler(context.Background(), req.Method, req.Params)
	if req.ID == nil {
		return
	}
	if err != nil {
		b.writeResponse(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: CodeInternal, Message: err.Error()}})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		b.writeResponse(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: CodeInternal, Message: err.Error()}})
		return
	}
	b.writeResponse(response{JSONRPC: "2.0", ID: req.ID, Result: raw})
}

func (b *Bridge) writeFrame(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	stdin := b.stdin
	b.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("rpcbridge: not started")
	}
	_, err = stdin.Write(append(raw, '\n'))
	return err
}

func (b *Bridge) writeResponse(resp response) {
	if err := b.writeFrame(resp); err != nil {
		b.log.WithError(err).Warn("rpcbridge: write response failed")
	}
}

// Initialize sends the one-shot `initialize` request, per spec.md §4.10.
func (b *Bridge) Initialize(ctx context.Context, params InitializeParams) error {
	const op = "rpcbridge.Bridge.Initialize"
	_, err := b.call(ctx, "initialize", params)
	if err != nil {
		return errs.Wrap(errs.External, op, "initialize child", err)
	}
	return nil
}

// RequestDecision sends a `tap/decision` request and blocks for the
// child's response, or until ctx is cancelled or the child exits.
func (b *Bridge) RequestDecision(ctx context.Context, params DecisionParams) (*DecisionResult, error) {
	const op = "rpcbridge.Bridge.RequestDecision"
	raw, err := b.call(ctx, "tap/decision", params)
	if err != nil {
		return nil, errs.Wrap(errs.External, op, "request decision", err)
	}
	var result DecisionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "decode decision result", err)
	}
	return &result, nil
}

// NotifyEvent sends a `tap/event` notification (no response expected), per
// spec.md §4.10.
func (b *Bridge) NotifyEvent(params EventParams) error {
	const op = "rpcbridge.Bridge.NotifyEvent"
	raw, err := json.Marshal(params)
	if err != nil {
		return errs.Wrap(errs.Serialization, op, "marshal event params", err)
	}
	if b.closed.Load() {
		return errs.New(errs.External, op, "bridge child has exited")
	}
	return b.writeFrame(request{JSONRPC: "2.0", Method: "tap/event", Params: raw})
}

// call issues a request and waits for the matching response, honoring ctx
// cancellation. A cancelled tap/decision call is treated at the caller
// level as an expired decision, per spec.md §5's cancellation policy.
func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("rpcbridge: child has exited")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%d", atomic.AddInt64(&b.nextID, 1))
	ch := make(chan response, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.writeFrame(request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rpcbridge: child exited before responding")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpcbridge: child error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// Close terminates the child process, if running.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cmd := b.cmd
	stdin := b.stdin
	b.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
