// Package failure holds the error taxonomy shared by every stage of a
// snapshot, restore or drill job.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSourceUnreachable  = errors.New("source unreachable")
	ErrTargetUnreachable  = errors.New("target unreachable")
	ErrTargetBusy         = errors.New("target busy")
	ErrTargetMissing      = errors.New("target database missing")
	ErrPortInUse          = errors.New("port in use")
	ErrStartTimeout       = errors.New("start timeout")
	ErrNoSnapshotsFound   = errors.New("no snapshots found")
	ErrNameCollision      = errors.New("snapshot name collision")
	ErrRestoreFailed      = errors.New("restore failed")
	ErrExecution          = errors.New("execution error")
	ErrDumpFailed         = errors.New("dump failed")
	ErrArtifactInvalid    = errors.New("artifact invalid")
	ErrProductionGuard    = errors.New("destructive operation on named target requires --allow-production")
	ErrVerificationFailed = errors.New("verification failed")
)

// Exit codes returned by the CLI.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitNoSnapshots  = 2
	ExitVerification = 3
	ExitBusy         = 4
	ExitInterrupted  = 130
)

const stderrTailLines = 10

// StageError reports which stage of a job failed, together with the
// underlying tool's exit status and the outcome of cleanup.
type StageError struct {
	Stage    string
	ExitCode int
	Stderr   string
	Err      error

	// CleanupRan is set once the job's cleanup handler has executed;
	// Cleanup holds its error, if any.
	CleanupRan bool
	Cleanup    error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s failed: %v", e.Stage, e.Err)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if tail := Tail(e.Stderr, stderrTailLines); tail != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", tail)
	}
	if e.CleanupRan {
		if e.Cleanup != nil {
			fmt.Fprintf(&b, "\ncleanup: FAILED: %v", e.Cleanup)
		} else {
			b.WriteString("\ncleanup: ok")
		}
	}
	return b.String()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ToolError is a nonzero exit of an external tool.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if last := Tail(e.Stderr, 1); last != "" {
		msg += ": " + last
	}
	return msg
}

// Stage wraps err with a stage name. A nil err stays nil and an existing
// StageError is returned as is so the innermost stage name wins. The exit
// code and stderr of a wrapped ToolError are lifted onto the StageError.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	se = &StageError{Stage: stage, Err: err}
	var te *ToolError
	if errors.As(err, &te) {
		se.ExitCode = te.ExitCode
		se.Stderr = te.Stderr
	}
	return se
}

// Tool is like Stage but also records the failing tool's exit code and stderr.
func Tool(stage string, err error, exitCode int, stderr string) error {
	return &StageError{Stage: stage, Err: err, ExitCode: exitCode, Stderr: stderr}
}

// WithCleanup records the result of the cleanup handler on the job's error.
// Errors that are not StageErrors are wrapped under the "job" stage.
func WithCleanup(err, cleanupErr error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: "job", Err: err}
		err = se
	}
	se.CleanupRan = true
	se.Cleanup = cleanupErr
	return err
}

// Tail returns the last n non-empty lines of s.
func Tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}

// ExitCode maps an error to the CLI exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoSnapshotsFound):
		return ExitNoSnapshots
	case errors.Is(err, ErrVerificationFailed):
		return ExitVerification
	case errors.Is(err, ErrTargetBusy):
		return ExitBusy
	default:
		return ExitFailure
	}
}
