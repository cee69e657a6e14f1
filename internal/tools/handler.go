package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/BypasserThe/radare2-mcp/internal/mcp"
	"github.com/BypasserThe/radare2-mcp/internal/security"
)

// Tool result texts.
const (
	msgOpened       = "File opened successfully."
	msgOpenFailed   = "Failed to open file."
	msgNothingOpen  = "No file was open."
	msgClosed       = "File closed successfully."
	msgNeedOpenFile = "No file is currently open. Please open a file first."
)

const (
	defaultAnalysisLevel   = "aaa"
	defaultNumInstructions = 10
	previewBytes           = 512
)

// Backend performs the analysis behind the tools.
type Backend interface {
	OpenFile(ctx context.Context, path string) error
	CloseFile(ctx context.Context) error
	RunCommand(ctx context.Context, command string) (string, error)
	Analyze(ctx context.Context, level string) error
	Disassemble(ctx context.Context, address string, count int) (string, error)
	HasOpenFile() bool
	CurrentFile() string
}

// OutputCache stores disassembly listings per binary digest. Bumping the
// generation of a digest orphans everything cached for it.
type OutputCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	GetGeneration(ctx context.Context, digest string) (int64, error)
	IncrGeneration(ctx context.Context, digest string) (int64, error)
	DeleteFile(ctx context.Context, digest string) error
}

// KeyFunc builds the cache key of a disassembly listing. scope is unique to
// one Handler and so to one backend process.
type KeyFunc func(scope, digest, address string, count int, generation int64) string

// ChangeWatcher reports modifications of the opened file.
type ChangeWatcher interface {
	Watch(path string) error
	Unwatch()
	Changed() bool
}

// CallRecorder receives one event per tool invocation, plus the error text of
// calls the backend failed.
type CallRecorder interface {
	LogToolCall(tool string, isError bool, latencyMs int64)
	LogError(operation, message string)
}

// Handler implements mcp.Handler for the radare2 tools.
type Handler struct {
	backend  Backend
	tools    []mcp.Tool
	pageSize int
	allowed  []string

	cache    OutputCache
	cacheKey KeyFunc
	cacheTTL time.Duration
	scope    string
	digest   string

	watcher  ChangeWatcher
	metrics  CallRecorder
	redactor *security.Redactor
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPageSize sets the tools/list page size.
func WithPageSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.pageSize = n
		}
	}
}

// WithAllowedPaths restricts openFile to paths matching one of the globs.
func WithAllowedPaths(patterns []string) HandlerOption {
	return func(h *Handler) { h.allowed = patterns }
}

// WithCache serves disassembly from cache.
func WithCache(cache OutputCache, key KeyFunc, ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		h.cache = cache
		h.cacheKey = key
		h.cacheTTL = ttl
	}
}

// WithWatcher invalidates cached output when the opened file changes on disk.
func WithWatcher(w ChangeWatcher) HandlerOption {
	return func(h *Handler) { h.watcher = w }
}

// WithMetrics records every tool call.
func WithMetrics(m CallRecorder) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a tool handler over backend.
func NewHandler(backend Backend, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		backend:  backend,
		tools:    Catalog(),
		pageSize: DefaultPageSize,
		scope:    uuid.NewString(),
		redactor: security.NewRedactor(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ListTools returns the catalog page starting at cursor (implements mcp.Handler).
func (h *Handler) ListTools(cursor string) mcp.ListToolsResult {
	page := Paginate(h.tools, cursor, h.pageSize)
	return mcp.ListToolsResult{
		Tools:      page.Items,
		NextCursor: page.NextCursor,
	}
}

// CallTool executes a tool (implements mcp.Handler).
func (h *Handler) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	start := time.Now()

	result, err := h.callTool(ctx, name, mcp.Fields(args))

	if h.metrics != nil {
		failed := err != nil || (result != nil && result.IsError)
		h.metrics.LogToolCall(name, failed, time.Since(start).Milliseconds())

		var rpcErr *mcp.Error
		if err != nil && !errors.As(err, &rpcErr) {
			h.metrics.LogError(name, h.redactor.Redact(err.Error()))
		}
	}

	return result, err
}

func (h *Handler) callTool(ctx context.Context, name string, args map[string]json.RawMessage) (*mcp.CallToolResult, error) {
	h.checkForChanges(ctx)

	switch name {
	case ToolOpenFile:
		return h.openFile(ctx, args)
	case ToolCloseFile:
		return h.closeFile(ctx)
	case ToolRunCommand, ToolAnalyze, ToolDisassemble:
		if !h.backend.HasOpenFile() {
			return mcp.ToolError(msgNeedOpenFile), nil
		}
	default:
		return nil, mcp.InvalidParams("Unknown tool: %s", name)
	}

	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case ToolRunCommand:
		result, err = h.runCommand(ctx, args)
	case ToolAnalyze:
		result, err = h.analyze(ctx, args)
	default:
		result, err = h.disassemble(ctx, args)
	}

	if err != nil && !h.backend.HasOpenFile() {
		h.logger.Warn("backend lost the open file", "error", err)
		h.untrack()
	}
	return result, err
}

func (h *Handler) openFile(ctx context.Context, args map[string]json.RawMessage) (*mcp.CallToolResult, error) {
	path, ok := mcp.StringField(args, "filePath")
	if !ok {
		return nil, mcp.MissingParam("filePath")
	}

	if !h.pathAllowed(path) {
		h.logger.Warn("open rejected by allowed_paths", "path", path)
		return mcp.ToolText(msgOpenFailed), nil
	}

	h.untrack()

	if err := h.backend.OpenFile(ctx, path); err != nil {
		h.logger.Warn("failed to open file", "path", path, "error", err)
		if h.backend.HasOpenFile() {
			h.track(h.backend.CurrentFile())
		}
		return mcp.ToolText(msgOpenFailed), nil
	}

	h.track(path)

	return mcp.ToolText(msgOpened), nil
}

func (h *Handler) closeFile(ctx context.Context) (*mcp.CallToolResult, error) {
	if !h.backend.HasOpenFile() {
		return mcp.ToolText(msgNothingOpen), nil
	}

	if err := h.backend.CloseFile(ctx); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	h.untrack()

	return mcp.ToolText(msgClosed), nil
}

func (h *Handler) runCommand(ctx context.Context, args map[string]json.RawMessage) (*mcp.CallToolResult, error) {
	command, ok := mcp.StringField(args, "command")
	if !ok {
		return nil, mcp.MissingParam("command")
	}

	out, err := h.backend.RunCommand(ctx, command)

	// Any command may change settings, seek or analysis, all of which shape pd.
	h.invalidate(ctx)

	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}

	h.logger.Debug("command output",
		"command", h.redactor.Redact(command),
		"bytes", len(out),
		"preview", h.redactor.Preview(out, previewBytes))

	return mcp.ToolText(out), nil
}

func (h *Handler) analyze(ctx context.Context, args map[string]json.RawMessage) (*mcp.CallToolResult, error) {
	level, ok := mcp.StringField(args, "level")
	if !ok {
		level = defaultAnalysisLevel
	}

	if err := h.backend.Analyze(ctx, level); err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	// New analysis changes what pd prints.
	h.invalidate(ctx)

	functions, err := h.backend.RunCommand(ctx, "afl")
	if err != nil {
		return nil, fmt.Errorf("listing functions failed: %w", err)
	}

	return mcp.ToolText(fmt.Sprintf("Analysis completed with level %s.\n\n%s", level, functions)), nil
}

func (h *Handler) disassemble(ctx context.Context, args map[string]json.RawMessage) (*mcp.CallToolResult, error) {
	address, ok := mcp.StringField(args, "address")
	if !ok {
		return nil, mcp.MissingParam("address")
	}

	count := defaultNumInstructions
	if n, ok := mcp.IntField(args, "numInstructions"); ok {
		count = int(n)
	}

	key := h.disassemblyKey(ctx, address, count)
	if key != "" {
		cached, err := h.cache.Get(ctx, key)
		if err != nil {
			h.logger.Warn("cache read failed", "error", err)
		} else if cached != "" {
			h.logger.Debug("disassembly served from cache", "address", address, "count", count)
			return mcp.ToolText(cached), nil
		}
	}

	out, err := h.backend.Disassemble(ctx, address, count)
	if err != nil {
		return nil, fmt.Errorf("disassembly failed: %w", err)
	}

	if key != "" && out != "" {
		if err := h.cache.Set(ctx, key, out, h.cacheTTL); err != nil {
			h.logger.Warn("cache write failed", "error", err)
		}
	}

	return mcp.ToolText(out), nil
}

// disassemblyKey returns "" when caching is unavailable for the open file.
func (h *Handler) disassemblyKey(ctx context.Context, address string, count int) string {
	if h.cache == nil || h.digest == "" {
		return ""
	}
	gen, err := h.cache.GetGeneration(ctx, h.digest)
	if err != nil {
		h.logger.Warn("cache generation lookup failed", "error", err)
		return ""
	}
	return h.cacheKey(h.scope, h.digest, address, count, gen)
}

func (h *Handler) pathAllowed(path string) bool {
	if len(h.allowed) == 0 {
		return true
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	for _, pattern := range h.allowed {
		if ok, err := doublestar.PathMatch(pattern, abs); err == nil && ok {
			return true
		}
	}
	return false
}

// track starts following path after a successful open.
func (h *Handler) track(path string) {
	if h.cache != nil {
		digest, err := fileDigest(path)
		if err != nil {
			h.logger.Warn("cannot hash file, caching disabled for it", "path", path, "error", err)
		}
		h.digest = digest
	}

	if h.watcher != nil {
		if err := h.watcher.Watch(path); err != nil {
			h.logger.Warn("cannot watch file", "path", path, "error", err)
		}
	}
}

func (h *Handler) untrack() {
	h.digest = ""
	if h.watcher != nil {
		h.watcher.Unwatch()
	}
}

func (h *Handler) checkForChanges(ctx context.Context) {
	if h.watcher == nil || !h.watcher.Changed() {
		return
	}
	path := h.backend.CurrentFile()
	h.logger.Info("open file changed on disk, invalidating cached output", "path", path)
	h.invalidate(ctx)

	if h.cache == nil || h.digest == "" {
		return
	}

	// Listings of the old content can never be hit again.
	stale := h.digest
	digest, err := fileDigest(path)
	if err != nil || digest == stale {
		return
	}
	if err := h.cache.DeleteFile(ctx, stale); err != nil {
		h.logger.Warn("cache purge failed", "error", err)
	}
	h.digest = digest
}

func (h *Handler) invalidate(ctx context.Context) {
	if h.cache == nil || h.digest == "" {
		return
	}
	if _, err := h.cache.IncrGeneration(ctx, h.digest); err != nil {
		h.logger.Warn("cache invalidation failed", "error", err)
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
