// Package runner executes external tools with captured output, exit status
// and bounded run time.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pgdrill/internal/failure"
)

// Command describes a single external invocation.
type Command struct {
	Name    string
	Args    []string
	Env     []string // appended to the inherited environment
	Dir     string
	Stdin   io.Reader
	Timeout time.Duration
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Name, c.Args)
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs commands. A nonzero exit status is reported through
// Result.ExitCode, never as an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	LookPath(name string) (string, error)
}

// Exec runs commands as child processes.
type Exec struct {
	// DefaultTimeout applies when a Command has no Timeout of its own.
	DefaultTimeout time.Duration
	// WaitDelay bounds how long Run waits for output pipes after the
	// process group was killed.
	WaitDelay time.Duration
}

func NewExec(defaultTimeout time.Duration) *Exec {
	return &Exec{DefaultTimeout: defaultTimeout, WaitDelay: 5 * time.Second}
}

func (e *Exec) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (e *Exec) Run(ctx context.Context, c Command) (*Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = c.Stdin
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	// Own process group so tools that fork (pg_ctl, shells) are killed as a whole.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = e.WaitDelay

	slog.Debug("Running command", "command", c.Name, "args", c.Args, "timeout", timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w: %w", c.Name, failure.ErrExecution, err)
	}
	// Wait always reaps the child, including after cancellation.
	waitErr := cmd.Wait()

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		slog.Warn("Command aborted", "command", c.Name, "duration", res.Duration, "error", ctxErr)
		return res, fmt.Errorf("%s aborted after %s: %w: %w", c.Name, res.Duration.Round(time.Millisecond), failure.ErrExecution, ctxErr)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("failed to wait for %s: %w: %w", c.Name, failure.ErrExecution, waitErr)
	}

	slog.Debug("Command finished", "command", c.Name, "exitCode", res.ExitCode, "duration", res.Duration)
	return res, nil
}
