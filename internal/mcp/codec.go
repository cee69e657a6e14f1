package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrInvalidJSON is returned when a message is not valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrMissingMethod is returned when a message has no string method.
	ErrMissingMethod = errors.New("invalid JSON-RPC message: missing method")
)

// DecodeRequest parses one framed message.
func DecodeRequest(line []byte) (*Request, error) {
	if !json.Valid(line) {
		return nil, ErrInvalidJSON
	}

	fields := Fields(line)
	method, ok := StringField(fields, "method")
	if !ok {
		return nil, ErrMissingMethod
	}

	req := &Request{Method: method}
	if params, ok := fields["params"]; ok {
		req.Params = params
	}
	if raw, ok := fields["id"]; ok {
		req.ID = decodeID(raw)
	}

	return req, nil
}

// decodeID accepts string and integer ids. Integers are normalized to their
// decimal string form; integers past int64 keep the digits as received.
// Every other JSON type yields nil.
func decodeID(raw json.RawMessage) *string {
	if id, ok := asString(raw); ok {
		return &id
	}
	if n, ok := asInteger(raw); ok {
		id := strconv.FormatInt(n, 10)
		return &id
	}
	if literal, ok := integerLiteral(raw); ok {
		id := string(literal)
		return &id
	}
	return nil
}

// EncodeSuccess wraps a pre-serialized result in a success envelope. A nil
// result is sent as JSON null.
func EncodeSuccess(result json.RawMessage, id *string) ([]byte, error) {
	data, err := json.Marshal(successEnvelope{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

// EncodeError builds an error envelope. uri is attached as data.uri when set.
func EncodeError(code int, message string, id *string, uri string) []byte {
	rpcErr := &Error{Code: code, Message: message}
	if uri != "" {
		rpcErr.Data = &ErrorData{URI: uri}
	}
	return encodeErrorValue(rpcErr, id)
}

func encodeErrorValue(rpcErr *Error, id *string) []byte {
	// Only strings and ints live in the envelope, so Marshal cannot fail.
	data, _ := json.Marshal(errorEnvelope{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	})
	return data
}

// NewToolResult builds the uniform text envelope used for every tool outcome.
func NewToolResult(text string, isError bool) *CallToolResult {
	return &CallToolResult{
		Content: []Content{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// ToolText is a successful tool result carrying text.
func ToolText(text string) *CallToolResult {
	return NewToolResult(text, false)
}

// ToolError is a tool-level failure. The JSON-RPC call itself still succeeds.
func ToolError(text string) *CallToolResult {
	return NewToolResult(text, true)
}

// Fields returns the members of a JSON object, or nil when raw is absent or
// not an object.
func Fields(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

// StringField returns fields[key] when it is a JSON string.
func StringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	return asString(raw)
}

// IntField returns fields[key] when it is a JSON integer. Floats such as 5.0
// are rejected.
func IntField(fields map[string]json.RawMessage, key string) (int64, bool) {
	raw, ok := fields[key]
	if !ok {
		return 0, false
	}
	return asInteger(raw)
}

func asString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// integerLiteral returns raw when it is a JSON number without fraction or
// exponent, whatever its magnitude.
func integerLiteral(raw json.RawMessage) (json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.ContainsAny(raw, ".eE") {
		return nil, false
	}
	// json.Number also accepts quoted numbers.
	if raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
		return nil, false
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return nil, false
	}
	return raw, true
}

func asInteger(raw json.RawMessage) (int64, bool) {
	literal, ok := integerLiteral(raw)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(string(literal), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
