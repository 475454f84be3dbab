package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"pgdrill/internal/failure"
	"pgdrill/internal/runner"
)

// MaintenanceDB is the database used for server level statements.
const MaintenanceDB = "postgres"

// Client runs the PostgreSQL client tools through a runner.Runner.
type Client struct {
	Runner runner.Runner
	// BinDir holds the client binaries; empty means PATH lookup.
	BinDir string
	// Timeout bounds long running tools (pg_dump, pg_restore).
	Timeout time.Duration

	ProbeAttempts int
	ProbeDelay    time.Duration
	Clock         clock.Clock
}

func NewClient(r runner.Runner, binDir string, timeout time.Duration) *Client {
	return &Client{
		Runner:        r,
		BinDir:        binDir,
		Timeout:       timeout,
		ProbeAttempts: 3,
		ProbeDelay:    time.Second,
		Clock:         clock.WallClock,
	}
}

// Tool resolves the path of a client binary.
func (c *Client) Tool(name string) string {
	if c.BinDir == "" {
		return name
	}
	return filepath.Join(c.BinDir, name)
}

func (c *Client) run(ctx context.Context, name string, args []string, env []string, timeout time.Duration) (*runner.Result, error) {
	return c.Runner.Run(ctx, runner.Command{
		Name:    c.Tool(name),
		Args:    args,
		Env:     env,
		Timeout: timeout,
	})
}

// Query runs a single statement through psql and returns its unaligned,
// tuples-only output with surrounding whitespace trimmed.
func (c *Client) Query(ctx context.Context, conn Conn, sql string) (string, error) {
	args := append(conn.Args(), "-d", conn.Database, "-X", "-A", "-t", "-v", "ON_ERROR_STOP=1", "-c", sql)
	res, err := c.run(ctx, "psql", args, conn.Env(), 0)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &failure.ToolError{Tool: "psql", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Probe checks that conn accepts queries, retrying with a doubling delay.
// Exhausted retries wrap unreachable, which should be
// failure.ErrSourceUnreachable or failure.ErrTargetUnreachable.
func (c *Client) Probe(ctx context.Context, conn Conn, unreachable error) error {
	attempts := c.ProbeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.ProbeDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := c.Query(ctx, conn, "SELECT 1")
			return err
		},
		IsFatalError: func(err error) bool {
			// a missing psql binary or a cancelled job will not heal by waiting
			var te *failure.ToolError
			return ctx.Err() != nil || !errors.As(err, &te)
		},
		NotifyFunc: func(err error, attempt int) {
			slog.Warn("Probe failed", "target", conn.Redacted(), "attempt", attempt, "error", err)
		},
		Attempts:    attempts,
		Delay:       delay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	last := retry.LastError(err)
	var te *failure.ToolError
	if !errors.As(last, &te) {
		return last
	}
	return fmt.Errorf("%s did not answer after %d attempts: %w: %w", conn.Redacted(), attempts, unreachable, last)
}

// DatabaseExists reports whether name exists on the server behind maint.
func (c *Client) DatabaseExists(ctx context.Context, maint Conn, name string) (bool, error) {
	out, err := c.Query(ctx, maint, "SELECT 1 FROM pg_database WHERE datname = "+QuoteLiteral(name))
	if err != nil {
		return false, fmt.Errorf("failed to look up database %s: %w", name, err)
	}
	return out == "1", nil
}

// DropDatabase terminates sessions on name and drops it if present.
func (c *Client) DropDatabase(ctx context.Context, maint Conn, name string) error {
	kill := "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = " +
		QuoteLiteral(name) + " AND pid <> pg_backend_pid()"
	if _, err := c.Query(ctx, maint, kill); err != nil {
		return fmt.Errorf("failed to terminate sessions on %s: %w", name, err)
	}
	if _, err := c.Query(ctx, maint, "DROP DATABASE IF EXISTS "+QuoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", name, err)
	}
	return nil
}

func (c *Client) CreateDatabase(ctx context.Context, maint Conn, name string) error {
	if _, err := c.Query(ctx, maint, "CREATE DATABASE "+QuoteIdent(name)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

// RowCount returns count(*) of table.
func (c *Client) RowCount(ctx context.Context, conn Conn, table string) (int64, error) {
	out, err := c.Query(ctx, conn, "SELECT count(*) FROM "+QuoteIdent(table))
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	n, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse row count of %s: %q", table, out)
	}
	return n, nil
}

// UserTableCount counts tables and views outside the system schemas.
func (c *Client) UserTableCount(ctx context.Context, conn Conn) (int64, error) {
	out, err := c.Query(ctx, conn, `SELECT count(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return 0, fmt.Errorf("failed to list tables: %w", err)
	}
	n, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse table count: %q", out)
	}
	return n, nil
}

// MissingRoles returns the subset of roles that do not exist on the server.
func (c *Client) MissingRoles(ctx context.Context, conn Conn, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(roles))
	for i, r := range roles {
		quoted[i] = QuoteLiteral(r)
	}
	out, err := c.Query(ctx, conn, "SELECT rolname FROM pg_roles WHERE rolname IN ("+strings.Join(quoted, ", ")+")")
	if err != nil {
		return nil, fmt.Errorf("failed to look up roles: %w", err)
	}
	found := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			found[line] = true
		}
	}
	var missing []string
	for _, r := range roles {
		if !found[r] {
			missing = append(missing, r)
		}
	}
	return missing, nil
}

// Dump writes a custom format archive of conn to path without ownership or
// privilege metadata.
func (c *Client) Dump(ctx context.Context, conn Conn, path string) (*runner.Result, error) {
	args := append(conn.Args(), "-Fc", "--no-owner", "--no-privileges", "-f", path, conn.Database)
	return c.run(ctx, "pg_dump", args, conn.Env(), c.Timeout)
}

// List runs pg_restore --list, which fails on truncated or corrupt archives.
func (c *Client) List(ctx context.Context, path string) (*runner.Result, error) {
	return c.run(ctx, "pg_restore", []string{"--list", path}, nil, c.Timeout)
}

type RestoreOptions struct {
	StripOwnership  bool
	StripPrivileges bool
}

// Restore applies an archive to conn, dropping existing objects first.
func (c *Client) Restore(ctx context.Context, conn Conn, path string, opts RestoreOptions) (*runner.Result, error) {
	args := append(conn.Args(), "--clean", "--if-exists")
	if opts.StripOwnership {
		args = append(args, "--no-owner")
	}
	if opts.StripPrivileges {
		args = append(args, "--no-privileges")
	}
	args = append(args, "-d", conn.Database, path)
	return c.run(ctx, "pg_restore", args, conn.Env(), c.Timeout)
}

// Version returns the first line of "<tool> --version".
func (c *Client) Version(ctx context.Context, tool string) (string, error) {
	res, err := c.run(ctx, tool, []string{"--version"}, nil, 30*time.Second)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &failure.ToolError{Tool: tool, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	return line, nil
}
