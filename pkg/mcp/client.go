package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pario-ai/helmsman/pkg/clock"
)

var (
	// ErrNotConnected is returned by calls made before Connect or after
	// the connection closed.
	ErrNotConnected = errors.New("mcp: not connected")

	// ErrTimeout is returned when a response does not arrive in time.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrClosed is returned to requests pending when the socket closes.
	ErrClosed = errors.New("mcp: connection closed")
)

// maxLineSize bounds one buffered inbound line.
const maxLineSize = 4 * 1024 * 1024

// ClientOptions configures a Client.
type ClientOptions struct {
	Addr string

	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	// Name and Version are announced in initialize.
	Name    string
	Version string

	Clock  clock.Clock
	Logger *slog.Logger

	// Dial overrides how the connection is made. Defaults to TCP.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

type response struct {
	msg *inbound
	err error
}

type pendingRequest struct {
	method string
	done   chan response
	timer  *clock.Timer
}

// Client talks to an external tool server over newline-delimited
// JSON-RPC on a TCP socket. Connect makes a single attempt; Maintain
// keeps reconnecting until its context ends.
type Client struct {
	opts ClientOptions

	wmu sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	ready      bool
	nextID     int64
	pending    map[int64]*pendingRequest
	tools      []ToolDefinition
	serverInfo ServerInfo
	readDone   chan struct{}
}

// NewClient creates a Client. Nothing is dialed until Connect.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "helmsman"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{opts: opts, pending: make(map[int64]*pendingRequest)}
}

// Connect dials the server and completes the initialize and tools/list
// exchange before returning. On any failure the socket is closed and
// the client stays disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.opts.Dial(ctx, c.opts.Addr)
	if err != nil {
		return fmt.Errorf("mcp: dial %s: %w", c.opts.Addr, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.readDone = done
	c.mu.Unlock()
	go c.readLoop(conn, done)

	var init InitializeResult
	err = c.call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ServerInfo{Name: c.opts.Name, Version: c.opts.Version},
		Capabilities:    map[string]any{},
	}, &init)
	if err == nil {
		err = c.notify("notifications/initialized", nil)
	}
	var list ToolsListResult
	if err == nil {
		err = c.call(ctx, "tools/list", nil, &list)
	}
	if err != nil {
		_ = c.Disconnect()
		return fmt.Errorf("mcp: handshake: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.tools = list.Tools
	c.ready = c.conn == conn
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		return ErrClosed
	}

	c.opts.Logger.Info("mcp connected",
		"addr", c.opts.Addr,
		"server", init.ServerInfo.Name,
		"tools", len(list.Tools),
	)
	return nil
}

// Maintain connects and reconnects after every drop or failed attempt,
// waiting a capped, doubling backoff between attempts. Each attempt is
// bounded by the request timeout. It disconnects and returns ctx.Err()
// when ctx is done.
func (c *Client) Maintain(ctx context.Context, initialBackoff, maxBackoff time.Duration) error {
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	maxBackoff = max(maxBackoff, initialBackoff)
	defer func() { _ = c.Disconnect() }()

	backoff := initialBackoff
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		err := c.Connect(attemptCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			backoff = initialBackoff
			c.mu.Lock()
			done := c.readDone
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}
			c.opts.Logger.Warn("mcp connection lost, reconnecting", "addr", c.opts.Addr)
		} else {
			c.opts.Logger.Warn("mcp connect failed, retrying",
				"addr", c.opts.Addr,
				"backoff", backoff,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.opts.Clock.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Connected reports whether the handshake completed and the socket is
// still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Tools returns the tools listed during Connect.
func (c *Client) Tools() []ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolDefinition(nil), c.tools...)
}

// ServerInfo returns the server's identity from initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Call sends a request and decodes its result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.call(ctx, method, params, out)
}

// CallTool invokes a tool by name. A tool-level failure comes back as a
// result with IsError set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolCallResult, error) {
	params := ToolCallParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("mcp: encode arguments: %w", err)
		}
		params.Arguments = raw
	}
	var res ToolCallResult
	if err := c.Call(ctx, "tools/call", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Disconnect closes the socket and waits for the reader to stop. It is
// safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	done := c.readDone
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	<-done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: encode %s params: %w", method, err)
		}
		rawParams = b
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	p := &pendingRequest{method: method, done: make(chan response, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	t := c.opts.Clock.AfterFunc(c.opts.Timeout, func() { c.resolve(id, response{err: ErrTimeout}) })
	c.mu.Lock()
	if _, live := c.pending[id]; live {
		p.timer = t
		c.mu.Unlock()
	} else {
		c.mu.Unlock()
		t.Stop()
	}

	req := Request{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method, Params: rawParams}
	if err := c.write(req); err != nil {
		c.resolve(id, response{err: err})
	}

	var res response
	select {
	case res = <-p.done:
	case <-ctx.Done():
		if c.resolve(id, response{err: ctx.Err()}) {
			<-p.done
			return ctx.Err()
		}
		res = <-p.done
	}

	if res.err != nil {
		return fmt.Errorf("%s: %w", method, res.err)
	}
	if res.msg.Error != nil {
		return res.msg.Error
	}
	if out != nil && len(res.msg.Result) > 0 {
		if err := json.Unmarshal(res.msg.Result, out); err != nil {
			return fmt.Errorf("mcp: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) notify(method string, params any) error {
	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: encode %s params: %w", method, err)
		}
		req.Params = b
	}
	return c.write(req)
}

func (c *Client) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcp: encode message: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// resolve completes a pending request exactly once and reports whether
// it was still pending.
func (c *Client) resolve(id int64, res response) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- res
	return true
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	var lines lineBuffer
	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range lines.Write(buf[:n]) {
				c.handleLine(line)
			}
			if lines.Len() > maxLineSize {
				readErr = fmt.Errorf("inbound line exceeds %d bytes", maxLineSize)
				break
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = false
	}
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- response{err: ErrClosed}
	}
	c.opts.Logger.Info("mcp connection closed", "addr", c.opts.Addr, "error", readErr)
}

// handleLine parses one complete line. Unparseable lines, notifications
// and responses for unknown ids are dropped.
func (c *Client) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		c.opts.Logger.Warn("mcp dropping malformed line", "error", err)
		return
	}
	if msg.Method != "" {
		if len(msg.ID) == 0 {
			c.opts.Logger.Debug("mcp ignoring notification", "method", msg.Method)
			return
		}
		c.answerServerRequest(&msg)
		return
	}

	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.opts.Logger.Warn("mcp dropping response with bad id", "id", string(msg.ID))
		return
	}
	if !c.resolve(id, response{msg: &msg}) {
		c.opts.Logger.Debug("mcp dropping response with no pending request", "id", id)
	}
}

// answerServerRequest replies to a request the server sent us. Its id
// belongs to the server's id space and never resolves one of ours. Only
// ping is supported.
func (c *Client) answerServerRequest(msg *inbound) {
	resp := Response{JSONRPC: "2.0", ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = map[string]any{}
	} else {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unsupported method: %s", msg.Method)}
	}
	if err := c.write(resp); err != nil {
		c.opts.Logger.Debug("mcp reply to server request failed", "method", msg.Method, "error", err)
	}
}

// lineBuffer accumulates stream bytes and yields complete
// newline-terminated lines. A trailing partial line is kept for the
// next Write.
type lineBuffer struct {
	buf []byte
}

// Write appends p and returns every complete line, without the newline.
func (b *lineBuffer) Write(p []byte) [][]byte {
	b.buf = append(b.buf, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, b.buf[:i])
		lines = append(lines, line)
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Len returns the size of the buffered partial line.
func (b *lineBuffer) Len() int { return len(b.buf) }
