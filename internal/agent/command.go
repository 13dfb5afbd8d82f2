package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// maxOutputSize is the maximum number of bytes read from an agent's stdout/stderr (10MB)
const maxOutputSize = 10 * 1024 * 1024

// CommandAgent runs an agent as a subprocess.
//
// The subprocess receives the payload as JSON on stdin and must print a Result as
// JSON on stdout and exit 0. The adapter's per-invocation timeout kills the
// process through the context.
type CommandAgent struct {
	Command []string
	Dir     string   // Working directory, current directory when empty
	Env     []string // Extra KEY=value pairs appended to the parent environment
}

// Invoke implements InvokeFunc.
func (c *CommandAgent) Invoke(ctx context.Context, p Payload) (Result, error) {
	input, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	exitCode, stdout, stderr, err := c.run(ctx, input)
	if err != nil {
		return Result{}, fmt.Errorf("exit code %d: %w (stderr: %s)", exitCode, err, truncate(stderr, 200))
	}

	return parseResult(stdout)
}

// run executes the command with input on stdin.
// Returns (exitCode, stdout, stderr, error) where exitCode is -1 when the process
// could not run to completion.
func (c *CommandAgent) run(ctx context.Context, input []byte) (int, string, string, error) {
	if len(c.Command) == 0 {
		return -1, "", "", fmt.Errorf("command array is empty")
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = bytes.NewReader(input)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	err := cmd.Run()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if stdoutBuf.Len() >= maxOutputSize || stderrBuf.Len() >= maxOutputSize {
		return -1, stdout, stderr, fmt.Errorf("agent output exceeded 10MB limit")
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return exitErr.ExitCode(), stdout, stderr, fmt.Errorf("process exited with code %d", exitErr.ExitCode())
		}
		if ctx.Err() != nil {
			return -1, stdout, stderr, fmt.Errorf("process interrupted: %w", ctx.Err())
		}
		return -1, stdout, stderr, err
	}

	return 0, stdout, stderr, nil
}

// parseResult unmarshals the agent's stdout JSON.
func parseResult(stdout string) (Result, error) {
	if len(stdout) == 0 {
		return Result{}, fmt.Errorf("agent produced no output on stdout")
	}

	var result Result
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		return Result{}, fmt.Errorf("invalid JSON on stdout: %w", err)
	}
	return result, nil
}

type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		// Already hit limit, discard this write
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err // Return len(p) to satisfy the writer interface
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
