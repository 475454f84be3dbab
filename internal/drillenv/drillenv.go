// Package drillenv runs a disposable local PostgreSQL cluster for restore
// drills.
package drillenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pgdrill/internal/failure"
	"pgdrill/internal/pg"
	"pgdrill/internal/runner"
)

type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	versionFile = "PG_VERSION"
	pidFile     = "postmaster.pid"
	LogFile     = "pgdrill-server.log"
)

var bindFailureMarkers = []string{"could not bind", "Address already in use"}

type Options struct {
	DataDir      string
	BindHost     string
	Port         int
	User         string
	StartTimeout time.Duration
	StopGrace    time.Duration
	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
}

// Controller owns the lifecycle of one cluster data directory. It only ever
// stops servers; data is never deleted.
type Controller struct {
	mu      sync.Mutex
	opts    Options
	pg      *pg.Client
	state   State
	started bool
}

func New(client *pg.Client, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}
	return &Controller{opts: opts, pg: client}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conn addresses the cluster's maintenance database.
func (c *Controller) Conn() pg.Conn {
	return pg.Conn{Host: c.opts.BindHost, Port: c.opts.Port, User: c.opts.User, Database: pg.MaintenanceDB}
}

func (c *Controller) run(ctx context.Context, tool string, timeout time.Duration, args ...string) (*runner.Result, error) {
	return c.pg.Runner.Run(ctx, runner.Command{Name: c.pg.Tool(tool), Args: args, Timeout: timeout})
}

// Initialize prepares the data directory. An existing cluster is adopted
// as is; a non-empty directory that is not a cluster is rejected.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Uninitialized {
		return nil
	}

	dir := c.opts.DataDir
	if _, err := os.Stat(filepath.Join(dir, versionFile)); err == nil {
		slog.Info("Reusing initialized drill cluster", "dataDir", dir)
		c.state = Initialized
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("data directory %s is not empty and holds no PostgreSQL cluster; refusing to initialize over it", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	slog.Info("Initializing drill cluster", "dataDir", dir)
	res, err := c.run(ctx, "initdb", 0, "-D", dir, "-U", c.opts.User, "-A", "trust", "-E", "UTF8")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to initialize cluster: %w", &failure.ToolError{Tool: "initdb", ExitCode: res.ExitCode, Stderr: res.Stderr})
	}

	c.state = Initialized
	return nil
}

// Start brings the server up and waits until it accepts connections.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Running:
		return nil
	case Uninitialized:
		return fmt.Errorf("cannot start drill cluster: not initialized")
	}

	// a server left behind by an earlier crashed run would hold the data dir
	if c.serverRunning(ctx) {
		slog.Warn("Found a running server on the drill data directory, stopping it", "dataDir", c.opts.DataDir)
		if err := c.stopServer(ctx); err != nil {
			return fmt.Errorf("failed to stop leftover server: %w", err)
		}
	}

	addr := net.JoinHostPort(c.opts.BindHost, strconv.Itoa(c.opts.Port))
	if err := checkPortFree(addr); err != nil {
		return err
	}

	logPath := filepath.Join(c.opts.DataDir, LogFile)
	logOffset := fileSize(logPath)
	waitSecs := int(math.Ceil(c.opts.StartTimeout.Seconds()))
	if waitSecs < 1 {
		waitSecs = 1
	}

	slog.Info("Starting drill cluster", "dataDir", c.opts.DataDir, "address", addr)
	res, err := c.run(ctx, "pg_ctl", c.opts.StartTimeout+30*time.Second,
		"start", "-D", c.opts.DataDir, "-l", logPath, "-w", "-t", strconv.Itoa(waitSecs),
		"-o", fmt.Sprintf("-p %d -h %s -k ''", c.opts.Port, c.opts.BindHost))
	// from here on a server may exist and is ours to stop on failure
	c.started = true
	if err != nil {
		c.abortStart(ctx)
		return err
	}
	if res.ExitCode != 0 {
		serverLog := readFrom(logPath, logOffset)
		c.abortStart(ctx)
		if containsAny(serverLog, bindFailureMarkers) || containsAny(res.Stderr, bindFailureMarkers) {
			return fmt.Errorf("%w: %s: %s", failure.ErrPortInUse, addr, failure.Tail(serverLog, 1))
		}
		te := &failure.ToolError{Tool: "pg_ctl", ExitCode: res.ExitCode, Stderr: res.Stderr + serverLog}
		if strings.Contains(res.Stdout+res.Stderr, "did not start in time") {
			return fmt.Errorf("%w after %s: %w", failure.ErrStartTimeout, c.opts.StartTimeout, te)
		}
		return fmt.Errorf("failed to start drill cluster: %w", te)
	}

	if err := c.waitReady(ctx); err != nil {
		c.abortStart(ctx)
		return err
	}

	c.state = Running
	slog.Info("Drill cluster ready", "address", addr)
	return nil
}

// waitReady polls pg_isready until the server accepts connections or the
// start timeout elapses.
func (c *Controller) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.StartTimeout)
	for {
		res, err := c.run(ctx, "pg_isready", 10*time.Second,
			"-h", c.opts.BindHost, "-p", strconv.Itoa(c.opts.Port), "-d", pg.MaintenanceDB)
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: server not accepting connections after %s", failure.ErrStartTimeout, c.opts.StartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// abortStart stops a half started server. The caller's context may already
// be cancelled, so a detached one is used.
func (c *Controller) abortStart(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StopGrace+30*time.Second)
	defer cancel()
	if err := c.stopServer(stopCtx); err != nil {
		slog.Error("Failed to stop half started drill cluster", "dataDir", c.opts.DataDir, "error", err)
		return
	}
	c.state = Stopped
}

// Stop shuts the server down, escalating from a fast to an immediate
// shutdown and finally to SIGKILL of the postmaster.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Running {
		return nil
	}
	if err := c.stopServer(ctx); err != nil {
		return err
	}
	c.state = Stopped
	slog.Info("Drill cluster stopped", "dataDir", c.opts.DataDir)
	return nil
}

// Close is the teardown hook: it stops whatever this controller started
// and may be called any number of times.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	if err := c.Stop(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// a server that was started but never reached Running is stopped by
	// abortStart; make sure nothing still holds the data directory
	if c.serverRunning(ctx) {
		if err := c.stopServer(ctx); err != nil {
			return err
		}
		c.state = Stopped
	}
	c.started = false
	return nil
}

func (c *Controller) stopServer(ctx context.Context) error {
	graceSecs := strconv.Itoa(int(math.Ceil(c.opts.StopGrace.Seconds())))

	for _, mode := range []string{"fast", "immediate"} {
		res, err := c.run(ctx, "pg_ctl", c.opts.StopGrace+10*time.Second,
			"stop", "-D", c.opts.DataDir, "-m", mode, "-w", "-t", graceSecs)
		if err != nil {
			slog.Warn("pg_ctl stop failed", "mode", mode, "error", err)
			continue
		}
		if res.ExitCode == 0 || notRunning(res.Stderr) {
			return nil
		}
		slog.Warn("Drill cluster did not stop, escalating", "mode", mode, "exitCode", res.ExitCode, "stderr", failure.Tail(res.Stderr, 2))
	}

	return c.killPostmaster()
}

// killPostmaster sends SIGKILL to the pid recorded in postmaster.pid and
// waits for it to exit.
func (c *Controller) killPostmaster() error {
	pid, err := readPostmasterPid(filepath.Join(c.opts.DataDir, pidFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	slog.Warn("Killing postmaster", "pid", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to kill postmaster %d: %w", pid, err)
	}
	for i := 0; i < 50; i++ {
		if errors.Is(unix.Kill(pid, 0), unix.ESRCH) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("postmaster %d still alive after SIGKILL", pid)
}

// serverRunning asks pg_ctl whether a server is running on the data dir.
func (c *Controller) serverRunning(ctx context.Context) bool {
	res, err := c.run(ctx, "pg_ctl", 30*time.Second, "status", "-D", c.opts.DataDir)
	return err == nil && res.ExitCode == 0
}

func readPostmasterPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid postmaster.pid: %q", first)
	}
	return pid, nil
}

func checkPortFree(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", failure.ErrPortInUse, addr, err)
	}
	return l.Close()
}

func notRunning(stderr string) bool {
	return strings.Contains(stderr, "Is server running?") || strings.Contains(stderr, "does not exist")
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// readFrom returns the content of path after offset, or "" on error.
func readFrom(path string, offset int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}
