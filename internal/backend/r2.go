// Package backend drives radare2 as the analysis engine behind the MCP tools.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNoFileOpen is returned by operations that need an opened binary.
	ErrNoFileOpen = errors.New("no file is open")
	// ErrOpenFailed is returned when radare2 could not open a file.
	ErrOpenFailed = errors.New("failed to open file")
	// ErrInvalidCommand is returned for input the pipe protocol cannot carry.
	ErrInvalidCommand = errors.New("invalid command")
)

var analysisLevel = regexp.MustCompile(`^a[a-zA-Z0-9]*$`)

// R2 talks to a radare2 child process over the r2pipe protocol: each command
// is written as one line on stdin and its output is terminated by a NUL byte
// on stdout. The process is spawned lazily on first use.
//
// R2 is not safe for concurrent use; the MCP loop owns it.
type R2 struct {
	path   string
	args   []string
	logger *slog.Logger

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	current string
}

// NewR2 creates a backend that runs the radare2 binary at path.
func NewR2(path string, args []string, logger *slog.Logger) *R2 {
	if path == "" {
		path = "r2"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &R2{path: path, args: args, logger: logger}
}

// Start spawns radare2 without opening any file and waits until it is ready.
// Calling Start on a running backend is a no-op.
func (r *R2) Start(ctx context.Context) error {
	if r.cmd != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	argv := append([]string{"-q0", "-e", "scr.color=0"}, r.args...)
	argv = append(argv, "--")

	cmd := exec.Command(r.path, argv...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open r2 stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open r2 stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.path, err)
	}

	reader := bufio.NewReader(stdout)

	// r2 -q0 announces readiness with a single NUL byte.
	if _, err := reader.ReadString(0); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("r2 did not become ready: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = reader
	r.logger.Info("radare2 core initialized", "path", r.path, "pid", cmd.Process.Pid)

	return nil
}

// Cmd runs one radare2 command and returns its raw output.
func (r *R2) Cmd(ctx context.Context, command string) (string, error) {
	if strings.ContainsAny(command, "\r\n\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
	if err := r.Start(ctx); err != nil {
		return "", err
	}

	r.logger.Debug("running r2 command", "command", command)

	if _, err := io.WriteString(r.stdin, command+"\n"); err != nil {
		r.reset()
		return "", fmt.Errorf("writing to r2: %w", err)
	}

	out, err := r.stdout.ReadString(0)
	if err != nil {
		r.reset()
		return "", fmt.Errorf("reading from r2: %w", err)
	}

	return strings.TrimSuffix(out, "\x00"), nil
}

// reset reaps a radare2 process whose pipe broke. The opened file went with
// it; the next command starts a fresh process.
func (r *R2) reset() {
	_ = r.stdin.Close()
	_ = r.cmd.Process.Kill()
	err := r.cmd.Wait()
	r.logger.Warn("radare2 exited", "error", err, "path", r.current)

	r.cmd = nil
	r.stdin = nil
	r.stdout = nil
	r.current = ""
}

// OpenFile opens path for analysis. Any previously opened file is closed
// first, so a failed open leaves no file open.
func (r *R2) OpenFile(ctx context.Context, path string) error {
	r.logger.Info("attempting to open file", "path", path)

	if r.current != "" {
		r.logger.Info("closing previously opened file", "path", r.current)
		if _, err := r.Cmd(ctx, "o-*"); err != nil {
			return err
		}
		r.current = ""
	}

	if strings.ContainsAny(path, "\"\r\n\x00") {
		return fmt.Errorf("%w: unsupported characters in path %q", ErrOpenFailed, path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	for _, setup := range []string{"e bin.relocs.apply=true", "e bin.cache=true"} {
		if _, err := r.Cmd(ctx, setup); err != nil {
			return err
		}
	}

	if _, err := r.Cmd(ctx, fmt.Sprintf(`o "%s"`, path)); err != nil {
		return err
	}

	opened, err := r.openDescriptors(ctx)
	if err != nil {
		return err
	}
	if opened == 0 {
		return fmt.Errorf("%w: %s", ErrOpenFailed, path)
	}

	r.current = path
	r.logger.Info("file opened successfully", "path", path)

	return nil
}

// openDescriptors counts the files radare2 currently has open.
func (r *R2) openDescriptors(ctx context.Context) (int, error) {
	out, err := r.Cmd(ctx, "oj")
	if err != nil {
		return 0, err
	}

	var descs []struct {
		FD  int    `json:"fd"`
		URI string `json:"uri"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &descs); err != nil {
		return 0, fmt.Errorf("unexpected oj output: %w", err)
	}
	return len(descs), nil
}

// CloseFile closes the opened file.
func (r *R2) CloseFile(ctx context.Context) error {
	if r.current == "" {
		return ErrNoFileOpen
	}
	if _, err := r.Cmd(ctx, "o-*"); err != nil {
		return err
	}
	r.logger.Info("file closed", "path", r.current)
	r.current = ""
	return nil
}

// RunCommand runs a raw radare2 command against the opened file.
func (r *R2) RunCommand(ctx context.Context, command string) (string, error) {
	if r.current == "" {
		return "", ErrNoFileOpen
	}
	return r.Cmd(ctx, command)
}

// Analyze runs an analysis command such as "aa" or "aaa".
func (r *R2) Analyze(ctx context.Context, level string) error {
	if r.current == "" {
		return ErrNoFileOpen
	}
	if !analysisLevel.MatchString(level) {
		return fmt.Errorf("%w: analysis level %q", ErrInvalidCommand, level)
	}
	_, err := r.Cmd(ctx, level)
	return err
}

// Disassemble returns count instructions starting at address.
func (r *R2) Disassemble(ctx context.Context, address string, count int) (string, error) {
	if r.current == "" {
		return "", ErrNoFileOpen
	}
	return r.Cmd(ctx, fmt.Sprintf("pd %d @ %s", count, address))
}

// HasOpenFile reports whether a file is open.
func (r *R2) HasOpenFile() bool {
	return r.current != ""
}

// CurrentFile returns the path of the opened file, or "".
func (r *R2) CurrentFile() string {
	return r.current
}

// Close releases the opened file and stops radare2.
func (r *R2) Close() error {
	if r.cmd == nil {
		return nil
	}

	if r.current != "" {
		if _, err := r.Cmd(context.Background(), "o-*"); err != nil {
			// The process is already gone and reaped.
			r.logger.Warn("failed to close file", "error", err)
			return nil
		}
		r.current = ""
	}

	_, _ = io.WriteString(r.stdin, "q!\n")
	_ = r.stdin.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- r.cmd.Wait() }()

	var err error
	select {
	case err = <-waitCh:
	case <-time.After(2 * time.Second):
		r.logger.Warn("r2 did not exit, killing it")
		_ = r.cmd.Process.Kill()
		err = <-waitCh
	}

	r.cmd = nil
	r.stdin = nil
	r.stdout = nil
	r.logger.Info("radare2 core stopped")

	return err
}
