package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// CommandRunner is the interface for running commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error)
	Start(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error)
}

// ExecCommandRunner uses os/exec.
type ExecCommandRunner struct{}

// Run runs a command to completion and returns its captured output.
func (ExecCommandRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Start starts a command and hands back its output pipes.
func (ExecCommandRunner) Start(ctx context.Context, name string, args []string, stdin io.Reader) (io.ReadCloser, io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	return stdoutPipe, stderrPipe, cmd.Wait, nil
}

// Line is a single line of streamed output.
type Line struct {
	// Data is the line content, without the trailing newline.
	Data []byte

	// Done indicates if this is the final line.
	Done bool

	// Error if the command failed.
	Error error
}

// Executor runs one binary with a per-call timeout.
type Executor struct {
	runner     CommandRunner
	binaryPath string
	timeout    time.Duration
}

// New creates an executor for a binary given as a path or a name on PATH.
func New(binary string, timeout time.Duration) (*Executor, error) {
	binaryPath, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("binary not found: %w", err)
	}

	return &Executor{
		binaryPath: binaryPath,
		timeout:    timeout,
		runner:     ExecCommandRunner{},
	}, nil
}

// NewWithRunner creates an executor with a custom runner. The binary is not resolved.
func NewWithRunner(binaryPath string, timeout time.Duration, runner CommandRunner) *Executor {
	return &Executor{
		binaryPath: binaryPath,
		timeout:    timeout,
		runner:     runner,
	}
}

// BinaryPath returns the resolved binary.
func (e *Executor) BinaryPath() string {
	return e.binaryPath
}

// Execute runs the command and returns output.
func (e *Executor) Execute(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	return e.runner.Run(ctx, e.binaryPath, args, stdin)
}

// Stream runs the command and streams stdout line by line.
// The last value sent carries Done and, on failure, the error with stderr attached.
func (e *Executor) Stream(ctx context.Context, args []string, stdin io.Reader) (<-chan Line, error) {
	ctx, cancel := e.withTimeout(ctx)

	stdout, stderr, wait, err := e.runner.Start(ctx, e.binaryPath, args, stdin)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executor: failed to start command: %w", err)
	}

	ch := make(chan Line, 32)

	go func() {
		defer close(ch)
		defer cancel()

		stderrBuf := new(bytes.Buffer)
		stderrDone := make(chan struct{})
		go func() {
			if _, err := io.Copy(stderrBuf, stderr); err != nil {
				slog.Error("Failed to read stderr", "error", err)
			}
			close(stderrDone)
		}()

		var streamErr error
		scanner := bufio.NewScanner(stdout)
	scan:
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			select {
			case <-ctx.Done():
				streamErr = ctx.Err()
				break scan
			case ch <- Line{Data: line}:
			}
		}
		if streamErr == nil {
			streamErr = scanner.Err()
		}
		if streamErr != nil {
			// Kill the child and drain stdout so wait cannot block on a full pipe.
			cancel()
			_, _ = io.Copy(io.Discard, stdout)
		}

		<-stderrDone
		waitErr := wait()
		if streamErr != nil {
			ch <- Line{Error: streamErr, Done: true}
			return
		}
		if waitErr != nil {
			if s := stderrBuf.String(); s != "" {
				waitErr = fmt.Errorf("%w: %s", waitErr, s)
			}
			ch <- Line{Error: waitErr, Done: true}
			return
		}

		ch <- Line{Done: true}
	}()

	return ch, nil
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
