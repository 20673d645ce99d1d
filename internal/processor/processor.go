// Package processor invokes the external reasoning command that turns a
// prompt into a text summary.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"vaultline/internal/metrics"
	"vaultline/internal/retry"
)

const (
	DefaultTimeout    = 120 * time.Second
	DefaultMaxRetries = 2
)

var (
	ErrTimeout  = errors.New("processor timed out")
	ErrNotFound = errors.New("processor command not found")
)

// ExitError reports a non-zero exit of the processor command.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("processor exited with code %d: %s", e.Code, strings.TrimSpace(e.Stderr))
}

// Processor turns a prompt into text. workdir is the directory the command
// runs in so it can read and write the vault.
type Processor interface {
	Invoke(ctx context.Context, prompt, workdir string) (string, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, prompt, workdir string) (string, error)

func (f Func) Invoke(ctx context.Context, prompt, workdir string) (string, error) {
	return f(ctx, prompt, workdir)
}

// Failed reports whether a processor result must be treated as a failure.
// Any output containing the marker ERROR counts as failed.
func Failed(text string, err error) bool {
	return err != nil || strings.Contains(text, "ERROR")
}

// Text renders a result the way it is recorded in audit entries: the output on
// success, or "ERROR: <reason>" on failure.
func Text(text string, err error) string {
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return text
}

// CLI runs the reasoning command as a subprocess:
//
//	<Command> <Args...> -p <prompt> --output-format text
//
// A timed out attempt is retried up to MaxRetries times. Other failures are
// returned at once.
type CLI struct {
	Command    string
	Args       []string
	Timeout    time.Duration
	MaxRetries int
	Logger     *log.Logger

	// lookPath and run are replaced in tests.
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args []string, dir string) (stdout, stderr []byte, err error)
}

// NewCLI returns a CLI with default timeout and retry count.
func NewCLI(command string, logger *log.Logger) *CLI {
	if command == "" {
		command = DefaultCommand()
	}
	return &CLI{
		Command:    command,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		Logger:     logger,
	}
}

// DefaultCommand returns the platform name of the reasoning CLI.
func DefaultCommand() string {
	if runtime.GOOS == "windows" {
		return "reasoner.cmd"
	}
	return "reasoner"
}

func (c *CLI) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Invoke runs the command and returns its trimmed stdout.
func (c *CLI) Invoke(ctx context.Context, prompt, workdir string) (string, error) {
	path, err := c.find()
	if err != nil {
		metrics.ProcessorInvocations.WithLabelValues("not_found").Inc()
		c.logger().Printf("processor: %v", err)
		return "", err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	args := append(append([]string{}, c.Args...), "-p", prompt, "--output-format", "text")

	policy := retry.Policy{
		MaxRetries: c.MaxRetries,
		Retryable:  func(err error) bool { return errors.Is(err, ErrTimeout) },
		Logger:     c.Logger,
		Name:       "processor",
	}
	var out string
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		text, err := c.attempt(ctx, path, args, workdir, timeout)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		c.logger().Printf("processor: %v", err)
		return "", err
	}
	return out, nil
}

func (c *CLI) attempt(ctx context.Context, path string, args []string, workdir string, timeout time.Duration) (string, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	run := c.run
	if run == nil {
		run = runCommand
	}
	stdout, stderr, err := run(actx, path, args, workdir)
	metrics.ProcessorLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.ProcessorInvocations.WithLabelValues("ok").Inc()
		return strings.TrimSpace(string(stdout)), nil
	case errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		metrics.ProcessorInvocations.WithLabelValues("timeout").Inc()
		return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case ctx.Err() != nil:
		return "", ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		metrics.ProcessorInvocations.WithLabelValues("exit_error").Inc()
		return "", &ExitError{Code: exitErr.ExitCode(), Stderr: string(stderr)}
	}
	metrics.ProcessorInvocations.WithLabelValues("exit_error").Inc()
	return "", fmt.Errorf("run processor: %w", err)
}

func (c *CLI) find() (string, error) {
	lookPath := c.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(c.Command)
	if err == nil {
		return path, nil
	}
	return "", fmt.Errorf(`%w: %q

The orchestrator needs the reasoning CLI to process tasks.

Install it and make sure it is on PATH, or point the
processor.command setting (VAULTLINE_PROCESSOR_COMMAND) at the binary.
Tasks are still archived while it is missing; each one is logged
with result "error".`, ErrNotFound, c.Command)
}

func runCommand(ctx context.Context, name string, args []string, dir string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
