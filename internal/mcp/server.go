package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultChunkSize    = 4096
)

// Handler defines the interface for MCP tool handlers.
type Handler interface {
	// ListTools returns the catalog page starting at cursor.
	ListTools(cursor string) ListToolsResult

	// CallTool executes a tool. Returning an *Error produces a JSON-RPC error
	// envelope; any other error becomes a tool result with isError set.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error)
}

// Recorder receives one event per answered request. code is 0 on success.
type Recorder interface {
	LogRequest(method string, code int, latencyMs int64)
}

// Server implements an MCP server with stdio transport.
type Server struct {
	info         ServerInfo
	instructions string
	handler      Handler
	logger       *slog.Logger
	recorder     Recorder

	pollInterval time.Duration
	chunkSize    int
}

// NewServer creates a new MCP server.
func NewServer(name, version string, handler Handler, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		info:         ServerInfo{Name: name, Version: version},
		handler:      handler,
		logger:       logger,
		pollInterval: defaultPollInterval,
		chunkSize:    defaultChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle dispatches one decoded request and returns the encoded response line
// without its newline. Notifications are not processed and yield nil.
func (s *Server) Handle(ctx context.Context, sess *Session, req *Request) []byte {
	if req.IsNotification() {
		s.logger.Debug("ignoring notification", "method", req.Method)
		return nil
	}

	s.logger.Debug("handling request", "method", req.Method, "id", *req.ID)
	start := time.Now()

	result, rpcErr := s.dispatch(ctx, sess, req)

	var resp []byte
	if rpcErr == nil {
		var err error
		resp, err = s.encodeResult(result, req.ID)
		if err != nil {
			s.logger.Error("failed to marshal result", "method", req.Method, "error", err)
			rpcErr = NewError(ErrCodeInternal, "Internal error")
		}
	}
	if rpcErr != nil {
		s.logger.Warn("request failed", "method", req.Method, "code", rpcErr.Code, "message", rpcErr.Message)
		resp = encodeErrorValue(rpcErr, req.ID)
	}

	if s.recorder != nil {
		code := 0
		if rpcErr != nil {
			code = rpcErr.Code
		}
		s.recorder.LogRequest(req.Method, code, time.Since(start).Milliseconds())
	}

	return resp
}

func (s *Server) encodeResult(result interface{}, id *string) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return EncodeSuccess(data, id)
}

func (s *Server) dispatch(ctx context.Context, sess *Session, req *Request) (interface{}, *Error) {
	if err := sess.CheckCapabilities(req.Method); err != nil {
		return nil, err
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(sess, req), nil

	case "ping":
		return struct{}{}, nil

	case "resources/templates/list":
		return nil, notImplemented("templates")

	case "resources/list", "resources/read", "resource/read":
		return nil, notImplemented("resources")

	case "resources/subscribe", "resource/subscribe":
		return nil, notImplemented("subscriptions")

	case "tools/list", "tool/list":
		return s.handleListTools(req), nil

	case "tools/call", "tool/call":
		return s.handleCallTool(ctx, req)

	default:
		return nil, NewError(ErrCodeMethodNotFound, "Unknown method")
	}
}

func notImplemented(surface string) *Error {
	return NewError(ErrCodeMethodNotFound, "Method not implemented: "+surface+" are not supported")
}

func (s *Server) handleInitialize(sess *Session, req *Request) *InitializeResult {
	params := Fields(req.Params)
	sess.setClient(params["capabilities"], params["clientInfo"])

	clientVersion, _ := StringField(params, "protocolVersion")
	s.logger.Info("initializing",
		"session", sess.ID,
		"clientInfo", string(sess.ClientInfo),
		"protocolVersion", clientVersion)

	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      sess.Info,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		Instructions: sess.Instructions,
	}
}

func (s *Server) handleListTools(req *Request) ListToolsResult {
	cursor, _ := StringField(Fields(req.Params), "cursor")
	return s.handler.ListTools(cursor)
}

func (s *Server) handleCallTool(ctx context.Context, req *Request) (*CallToolResult, *Error) {
	params := Fields(req.Params)
	name, ok := StringField(params, "name")
	if !ok {
		return nil, MissingParam("name")
	}

	s.logger.Info("calling tool", "name", name)

	result, err := s.handler.CallTool(ctx, name, params["arguments"])
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		s.logger.Error("tool call failed", "name", name, "error", err)
		return ToolError(err.Error()), nil
	}
	if result == nil {
		result = ToolText("")
	}

	return result, nil
}
