package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	calls   []string
	cursors []string
}

func (h *stubHandler) ListTools(cursor string) ListToolsResult {
	h.cursors = append(h.cursors, cursor)
	return ListToolsResult{
		Tools: []Tool{{
			Name:        "echo",
			Description: "Echo text back",
			InputSchema: InputSchema{Type: "object", Properties: map[string]Property{}},
		}},
	}
}

func (h *stubHandler) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	h.calls = append(h.calls, name)
	switch name {
	case "echo":
		text, _ := StringField(Fields(args), "text")
		return ToolText(text), nil
	case "explode":
		return nil, errors.New("backend exploded")
	default:
		return nil, InvalidParams("Unknown tool: %s", name)
	}
}

type recordedRequest struct {
	method string
	code   int
}

type memoryRecorder struct {
	events []recordedRequest
}

func (r *memoryRecorder) LogRequest(method string, code int, latencyMs int64) {
	r.events = append(r.events, recordedRequest{method: method, code: code})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(h Handler, opts ...Option) *Server {
	opts = append([]Option{WithInstructions("Use this server to analyze binaries with radare2")}, opts...)
	return NewServer("Radare2 MCP Connector", "1.0.0", h, testLogger(), opts...)
}

func serveLines(t *testing.T, srv *Server, reader io.Reader) []map[string]interface{} {
	t.Helper()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, srv.Run(ctx, reader, &out))

	var responses []map[string]interface{}
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &resp), "line: %s", line)
		responses = append(responses, resp)
	}
	return responses
}

func serve(t *testing.T, srv *Server, lines ...string) []map[string]interface{} {
	t.Helper()
	return serveLines(t, srv, strings.NewReader(strings.Join(lines, "\n")+"\n"))
}

func errorOf(t *testing.T, resp map[string]interface{}) (float64, string) {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "expected error envelope, got %v", resp)
	assert.NotContains(t, resp, "result")
	return errObj["code"].(float64), errObj["message"].(string)
}

func TestInitialize(t *testing.T) {
	srv := newTestServer(&stubHandler{})

	responses := serve(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`)
	require.Len(t, responses, 1)

	resp := responses[0]
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.Equal(t, "1", resp["id"])
	assert.NotContains(t, resp, "error")

	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "result should be object")
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	assert.Equal(t, map[string]interface{}{"tools": map[string]interface{}{}}, result["capabilities"],
		"only tools is advertised")
	assert.Equal(t, "Use this server to analyze binaries with radare2", result["instructions"])

	serverInfo, ok := result["serverInfo"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Radare2 MCP Connector", serverInfo["name"])
	assert.Equal(t, "1.0.0", serverInfo["version"])
}

func TestPing(t *testing.T) {
	responses := serve(t, newTestServer(&stubHandler{}), `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	require.Len(t, responses, 1)
	assert.Equal(t, map[string]interface{}{}, responses[0]["result"])
}

func TestNotificationsProduceNoOutput(t *testing.T) {
	h := &stubHandler{}
	responses := serve(t, newTestServer(h),
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"text":"x"}}}`,
		`{"jsonrpc":"2.0","id":null,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1.5,"method":"ping"}`,
	)

	assert.Empty(t, responses)
	assert.Empty(t, h.calls, "notifications must not have side effects")
}

func TestIDEcho(t *testing.T) {
	responses := serve(t, newTestServer(&stubHandler{}),
		`{"jsonrpc":"2.0","id":42,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
		`{"jsonrpc":"2.0","id":-1,"method":"nope"}`,
	)

	require.Len(t, responses, 3)
	assert.Equal(t, "42", responses[0]["id"])
	assert.Equal(t, "abc", responses[1]["id"])
	assert.Equal(t, "-1", responses[2]["id"], "error envelopes echo the id too")
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	responses := serve(t, newTestServer(&stubHandler{}),
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{not json`,
		``,
		`{"jsonrpc":"2.0","id":2}`,
		`{"jsonrpc":"2.0","id":3,"method":7}`,
		`{"jsonrpc":"2.0","id":4,"method":"ping"}`,
	)

	require.Len(t, responses, 2)
	assert.Equal(t, "1", responses[0]["id"])
	assert.Equal(t, "4", responses[1]["id"])
}

func TestResponsesFollowRequestOrder(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, `{"jsonrpc":"2.0","id":`+strings.Repeat("1", i+1)+`,"method":"ping"}`)
	}

	responses := serve(t, newTestServer(&stubHandler{}), lines...)
	require.Len(t, responses, 20)
	for i, resp := range responses {
		assert.Equal(t, strings.Repeat("1", i+1), resp["id"])
	}
}

func TestOneByteReads(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"

	responses := serveLines(t, newTestServer(&stubHandler{}), iotest.OneByteReader(strings.NewReader(input)))
	require.Len(t, responses, 2)
	assert.Equal(t, "1", responses[0]["id"])
	assert.Equal(t, "2", responses[1]["id"])
}

func TestUnsupportedSurfaces(t *testing.T) {
	tests := []struct {
		method  string
		message string
	}{
		{"resources/list", "Method not implemented: resources are not supported"},
		{"resources/read", "Method not implemented: resources are not supported"},
		{"resource/read", "Method not implemented: resources are not supported"},
		{"resources/templates/list", "Method not implemented: templates are not supported"},
		{"resources/subscribe", "Method not implemented: subscriptions are not supported"},
		{"resource/subscribe", "Method not implemented: subscriptions are not supported"},
		{"logging/setLevel", "Unknown method"},
		{"tools/frobnicate", "Unknown method"},
		{"prompts/list", "Server does not support prompts"},
		{"roots/list", "Client does not support listing roots"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			responses := serve(t, newTestServer(&stubHandler{}),
				`{"jsonrpc":"2.0","id":9,"method":"`+tt.method+`"}`)
			require.Len(t, responses, 1)

			code, message := errorOf(t, responses[0])
			assert.Equal(t, float64(ErrCodeMethodNotFound), code)
			assert.Equal(t, tt.message, message)
			assert.Equal(t, "9", responses[0]["id"])
		})
	}
}

func TestFailedRequestLogsOnce(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	srv := NewServer("Radare2 MCP Connector", "1.0.0", &stubHandler{}, logger)

	responses := serve(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/frobnicate"}`)
	require.Len(t, responses, 1)

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.Len(t, lines, 1, "logs: %s", logs.String())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "request failed", entry["msg"])
	assert.Equal(t, "tools/frobnicate", entry["method"])
	assert.Equal(t, float64(ErrCodeMethodNotFound), entry["code"])
}

func TestSamplingGating(t *testing.T) {
	responses := serve(t, newTestServer(&stubHandler{}),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"capabilities":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"sampling/createMessage"}`,
		`{"jsonrpc":"2.0","id":3,"method":"initialize","params":{"capabilities":{"sampling":{}}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"sampling/createMessage"}`,
	)
	require.Len(t, responses, 4)

	code, message := errorOf(t, responses[1])
	assert.Equal(t, float64(-32601), code)
	assert.Contains(t, message, "sampling")
	assert.Contains(t, message, "Client")

	code, message = errorOf(t, responses[3])
	assert.Equal(t, float64(-32601), code)
	assert.Equal(t, "Server does not support sampling", message)
}

func TestToolsList(t *testing.T) {
	h := &stubHandler{}
	responses := serve(t, newTestServer(h),
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tool/list","params":{"cursor":"3"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/list","params":{"cursor":5}}`,
	)
	require.Len(t, responses, 3)

	result := responses[0]["result"].(map[string]interface{})
	tools := result["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].(map[string]interface{})["name"])
	assert.NotContains(t, result, "nextCursor")

	assert.Equal(t, []string{"", "3", ""}, h.cursors, "non-string cursors are ignored")
}

func TestToolsCall(t *testing.T) {
	h := &stubHandler{}
	responses := serve(t, newTestServer(h),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tool/call","params":{"name":"explode"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"arguments":{}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call"}`,
	)
	require.Len(t, responses, 5)

	result := responses[0]["result"].(map[string]interface{})
	content := result["content"].([]interface{})
	assert.Equal(t, "hi", content[0].(map[string]interface{})["text"])
	assert.NotContains(t, result, "isError")

	result = responses[1]["result"].(map[string]interface{})
	assert.Equal(t, true, result["isError"], "plain errors become tool errors")
	content = result["content"].([]interface{})
	assert.Equal(t, "backend exploded", content[0].(map[string]interface{})["text"])

	code, message := errorOf(t, responses[2])
	assert.Equal(t, float64(-32602), code)
	assert.Equal(t, "Unknown tool: nope", message)
	assert.Equal(t, "3", responses[2]["id"])

	for _, resp := range responses[3:] {
		code, message = errorOf(t, resp)
		assert.Equal(t, float64(-32602), code)
		assert.Equal(t, "Missing required parameter: name", message)
	}

	assert.Equal(t, []string{"echo", "explode", "nope"}, h.calls)
}

func TestRecorderSeesEveryAnsweredRequest(t *testing.T) {
	rec := &memoryRecorder{}
	serve(t, newTestServer(&stubHandler{}, WithRecorder(rec)),
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"ping"}`,
		`{"jsonrpc":"2.0","id":2,"method":"nope"}`,
	)

	assert.Equal(t, []recordedRequest{
		{method: "ping", code: 0},
		{method: "nope", code: ErrCodeMethodNotFound},
	}, rec.events)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestRunStopsOnWriteFailure(t *testing.T) {
	srv := newTestServer(&stubHandler{}, WithPollInterval(time.Hour))
	err := srv.Run(context.Background(), strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), failingWriter{})

	assert.ErrorIs(t, err, ErrOutputClosed)
}

func TestRunProbesIdleOutput(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	srv := newTestServer(&stubHandler{}, WithPollInterval(5*time.Millisecond))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(context.Background(), pr, failingWriter{}) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrOutputClosed)
	case <-time.After(5 * time.Second):
		require.Fail(t, "loop did not notice the closed output")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	srv := newTestServer(&stubHandler{}, WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, pr, &out) }()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		require.Fail(t, "loop did not stop after cancel")
	}
	assert.Empty(t, out.String())
}

func TestRunReturnsReadErrors(t *testing.T) {
	readErr := errors.New("device gone")
	srv := newTestServer(&stubHandler{})

	err := srv.Run(context.Background(), iotest.ErrReader(readErr), &bytes.Buffer{})
	assert.ErrorIs(t, err, readErr)
}

func TestRunAnswersDataDeliveredWithEOF(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	responses := serveLines(t, newTestServer(&stubHandler{}), iotest.DataErrReader(strings.NewReader(input)))

	require.Len(t, responses, 1, "an unterminated trailing line is never answered")
	assert.Equal(t, "1", responses[0]["id"])
}
