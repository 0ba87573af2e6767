// Package process runs the external media tools (ffprobe, ffmpeg, yt-dlp).
// Output is either collected whole or streamed line by line, and every
// process is killed when its context ends.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
	"github.com/mantonx/mediarelay/internal/utils"
)

// CommandRunner executes external commands (enables mocking in tests).
type CommandRunner interface {
	// Run executes the command and returns its stdout.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Stream executes the command and hands every line of combined
	// stdout/stderr to onLine while the process runs. Lines are split on
	// both '\n' and '\r' so carriage-return progress updates arrive one by one.
	Stream(ctx context.Context, name string, args []string, onLine func(string)) error
}

// ExitError is returned when a tool exits with a non-zero status.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// waitDelay bounds how long Wait blocks on I/O after the process was killed.
const waitDelay = 5 * time.Second

// DefaultCommandRunner implements CommandRunner using os/exec.
type DefaultCommandRunner struct{}

// Run executes a command using os/exec.
func (r *DefaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), classify(ctx, name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Stream executes a command and scans its combined output.
func (r *DefaultCommandRunner) Stream(ctx context.Context, name string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay

	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return classify(ctx, name, err, "")
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(ScanLinesCR)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && onLine != nil {
			onLine(line)
		}
	}
	if scanner.Err() != nil {
		// keep the pipe drained so the process can exit
		_, _ = io.Copy(io.Discard, out)
	}

	if err := cmd.Wait(); err != nil {
		return classify(ctx, name, err, "")
	}
	return nil
}

func classify(ctx context.Context, name string, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", name, ctxErr)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: %w: %v", name, terrors.ErrToolUnavailable, err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Name: name, Code: exitErr.ExitCode(), Stderr: lastLines(stderr, 5), Err: err}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// ScanLinesCR is a bufio.SplitFunc that splits on '\n', '\r' or "\r\n".
func ScanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLines(s string, n int) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// PooledRunner dispatches every invocation of the wrapped runner onto a
// bounded worker pool. Callers block until their process finishes.
type PooledRunner struct {
	inner CommandRunner
	pool  *utils.WorkerPool
}

// NewPooledRunner wraps inner so it runs on pool.
func NewPooledRunner(inner CommandRunner, pool *utils.WorkerPool) *PooledRunner {
	return &PooledRunner{inner: inner, pool: pool}
}

// Run executes the command on a pool worker.
func (p *PooledRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out []byte
	err := p.pool.Do(ctx, func() error {
		var runErr error
		out, runErr = p.inner.Run(ctx, name, args...)
		return runErr
	})
	return out, err
}

// Stream executes the streaming command on a pool worker.
func (p *PooledRunner) Stream(ctx context.Context, name string, args []string, onLine func(string)) error {
	return p.pool.Do(ctx, func() error {
		return p.inner.Stream(ctx, name, args, onLine)
	})
}
