// Package mcp implements the Model Context Protocol engine used to expose
// radare2 over stdio: line framing, the JSON-RPC codec, capability
// negotiation, method dispatch and the event loop.
package mcp

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only protocol version emitted on the wire.
const JSONRPCVersion = "2.0"

// ProtocolVersion is the MCP revision reported by initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC types for MCP protocol

// Request is a decoded JSON-RPC request. A nil ID marks a notification.
type Request struct {
	Method string
	Params json.RawMessage
	ID     *string
}

// IsNotification reports whether the request carries no usable id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// successEnvelope is the wire shape of a successful response. Result is never
// omitted; a nil result encodes as JSON null.
type successEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *string         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

// errorEnvelope is the wire shape of an error response.
type errorEnvelope struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      *string `json:"id,omitempty"`
	Error   *Error  `json:"error"`
}

// Error represents a JSON-RPC error. It doubles as a Go error so tool code can
// return protocol failures through ordinary error returns.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData is the optional structured diagnostic attached to an error.
type ErrorData struct {
	URI string `json:"uri"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds a protocol error with the given code.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// InvalidParams builds a -32602 error.
func InvalidParams(format string, args ...interface{}) *Error {
	return NewError(ErrCodeInvalidParams, fmt.Sprintf(format, args...))
}

// MissingParam builds the -32602 error reported for an absent required parameter.
func MissingParam(name string) *Error {
	return InvalidParams("Missing required parameter: %s", name)
}

// MCP-specific types

// ServerInfo contains server identification.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult contains server initialization response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerCapabilities declares what the server advertises. Only tools is ever
// sent, even though logging is supported internally.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability declares tool support.
type ToolsCapability struct{}

// Tool definitions

// Tool describes an available tool.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema describes the JSON schema for tool input.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single property in an input schema.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ListToolsResult contains one page of the tool catalog.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolResult contains the result of a tool call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content represents content in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)
