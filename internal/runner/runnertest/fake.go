// Package runnertest provides a scripted runner.Runner for unit tests.
package runnertest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"pgdrill/internal/runner"
)

// Handler produces the outcome of a single matched command.
type Handler func(cmd runner.Command) (*runner.Result, error)

type rule struct {
	name     string
	contains string
	times    int // 0 = unlimited
	handler  Handler
}

// Fake records every command and answers from registered rules. Rules are
// matched by tool base name and an optional substring of the joined args;
// the most recently registered matching rule wins.
type Fake struct {
	mu      sync.Mutex
	rules   []*rule
	calls   []runner.Command
	Missing map[string]bool
}

func New() *Fake {
	return &Fake{Missing: map[string]bool{}}
}

// On registers h for every invocation of the named tool.
func (f *Fake) On(name string, h Handler) *Fake {
	return f.OnArgs(name, "", h)
}

// OnArgs registers h for invocations whose joined args contain substr.
func (f *Fake) OnArgs(name, substr string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{name: name, contains: substr, handler: h})
	return f
}

// Once registers h for the next single matching invocation only.
func (f *Fake) Once(name, substr string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{name: name, contains: substr, times: 1, handler: h})
	return f
}

func (f *Fake) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	h := f.match(cmd)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("runnertest: unexpected command %s", cmd)
	}
	return h(cmd)
}

func (f *Fake) match(cmd runner.Command) Handler {
	base := filepath.Base(cmd.Name)
	joined := strings.Join(cmd.Args, " ")
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if r.name != base || !strings.Contains(joined, r.contains) {
			continue
		}
		if r.times > 0 {
			r.times--
			if r.times == 0 {
				f.rules = append(f.rules[:i], f.rules[i+1:]...)
			}
		}
		return r.handler
	}
	return nil
}

func (f *Fake) LookPath(name string) (string, error) {
	if f.Missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/bin/" + name, nil
}

// Calls returns all recorded commands.
func (f *Fake) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Command(nil), f.calls...)
}

// CallsTo returns the recorded invocations of the named tool.
func (f *Fake) CallsTo(name string) []runner.Command {
	var out []runner.Command
	for _, c := range f.Calls() {
		if filepath.Base(c.Name) == name {
			out = append(out, c)
		}
	}
	return out
}

// Ok answers with exit code 0 and the given stdout.
func Ok(stdout string) Handler {
	return func(runner.Command) (*runner.Result, error) {
		return &runner.Result{Stdout: stdout}, nil
	}
}

// Exit answers with a nonzero exit code and stderr.
func Exit(code int, stderr string) Handler {
	return func(runner.Command) (*runner.Result, error) {
		return &runner.Result{ExitCode: code, Stderr: stderr}, nil
	}
}

// Fail answers with a launch error.
func Fail(err error) Handler {
	return func(runner.Command) (*runner.Result, error) {
		return nil, err
	}
}

// Arg returns the value following flag in args, or "" when absent. Both
// "-f value" and "--flag=value" forms are recognised.
func Arg(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, flag+"=") {
			return strings.TrimPrefix(a, flag+"=")
		}
	}
	return ""
}
