package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pario-ai/helmsman/pkg/models"
)

// Archive is the read side of the budget archive.
type Archive interface {
	Days(ctx context.Context, limit int) ([]models.BudgetDay, error)
	Day(ctx context.Context, date string) (models.BudgetDay, error)
	Tickets(ctx context.Context, date string) ([]models.TicketRecord, error)
}

// StatusSource provides the live budget status.
type StatusSource interface {
	Status() models.BudgetStatus
}

// Server is a minimal MCP server exposing helmsman's spend archive as
// tools. It speaks newline-delimited JSON-RPC 2.0 over any stream.
type Server struct {
	archive Archive
	status  StatusSource
	version string
	logger  *slog.Logger
}

// NewServer creates a Server. status may be nil when no monitor runs in
// this process.
func NewServer(archive Archive, status StatusSource, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		archive: archive,
		status:  status,
		version: version,
		logger:  logger,
	}
}

// Run answers newline-delimited requests from r on w until r reaches EOF
// or ctx is done. Requests are handled one at a time, in order.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, readErr := br.ReadBytes('\n')
		if err := ctx.Err(); err != nil {
			return err
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if resp := s.handle(ctx, line); resp != nil {
				s.writeResponse(w, resp)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// handle decodes one request line and returns the reply, or nil when the
// line was a notification.
func (s *Server) handle(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return &Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "parse error"}}
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if len(req.ID) == 0 {
		return nil
	}
	resp := &Response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if rpcErr != nil {
		resp.Result = nil
	}
	return resp
}

// Serve accepts TCP connections on ln and runs the protocol on each
// until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("mcp accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stopConn := context.AfterFunc(connCtx, func() { conn.Close() })
			defer stopConn()

			if err := s.Run(connCtx, conn, conn); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("mcp connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "helmsman", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		}, nil
	case "notifications/initialized", "ping":
		return map[string]any{}, nil
	case "tools/list":
		return ToolsListResult{Tools: allTools}, nil
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid params"}
		}
		return s.callTool(ctx, params), nil
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
}

// callTool runs a named tool. Tool failures are reported inside the
// result, not as protocol errors.
func (s *Server) callTool(ctx context.Context, params ToolCallParams) ToolCallResult {
	handler, ok := toolHandlers[params.Name]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool: %s", params.Name))
	}
	s.logger.Debug("mcp tool call", "tool", params.Name)
	return handler(ctx, s, params.Arguments)
}

func (s *Server) writeResponse(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal failed", "error", err)
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("mcp write failed", "error", err)
	}
}
