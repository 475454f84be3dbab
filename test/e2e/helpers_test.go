//go:build e2e_pg

package e2e

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// cluster is a throwaway PostgreSQL server used as the snapshot source.
type cluster struct {
	dataDir string
	port    int
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func requireTools(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"initdb", "pg_ctl", "pg_dump", "pg_restore", "psql", "pg_isready"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not found in PATH", tool)
		}
	}
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	c := &cluster{dataDir: filepath.Join(t.TempDir(), "source"), port: freePort(t)}

	out, err := exec.Command("initdb", "-D", c.dataDir, "-U", "postgres", "-A", "trust").CombinedOutput()
	require.NoError(t, err, "initdb failed: %s", out)

	out, err = exec.Command("pg_ctl", "start", "-D", c.dataDir, "-w", "-l", filepath.Join(c.dataDir, "server.log"),
		"-o", fmt.Sprintf("-p %d -h 127.0.0.1 -k ''", c.port)).CombinedOutput()
	require.NoError(t, err, "pg_ctl start failed: %s", out)

	t.Cleanup(func() {
		exec.Command("pg_ctl", "stop", "-D", c.dataDir, "-m", "immediate").Run()
	})
	return c
}

func (c *cluster) url(db string) string {
	return fmt.Sprintf("postgresql://postgres@127.0.0.1:%d/%s", c.port, db)
}

func (c *cluster) psql(t *testing.T, db, sql string) string {
	t.Helper()
	out, err := exec.Command("psql", "-h", "127.0.0.1", "-p", fmt.Sprint(c.port), "-U", "postgres",
		"-d", db, "-X", "-A", "-t", "-v", "ON_ERROR_STOP=1", "-c", sql).CombinedOutput()
	require.NoError(t, err, "psql failed: %s", out)
	return strings.TrimSpace(string(out))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binary := filepath.Join(t.TempDir(), "pgdrill")
	out, err := exec.Command("go", "build", "-o", binary, "../../cmd/pgdrill").CombinedOutput()
	require.NoError(t, err, "build failed: %s", out)
	return binary
}

type env struct {
	bin     string
	config  string
	baseDir string
}

func newEnv(t *testing.T, sourceURL string, drillPort int, extra string) *env {
	t.Helper()
	base := t.TempDir()
	cfg := fmt.Sprintf(`base_dir: %s
source:
  url: %s
drill:
  port: %d
  start_timeout: 60s
verify:
  critical_tables: [users]
  expect_from_manifest: true
metrics:
  textfile_dir: %s
%s`, base, sourceURL, drillPort, filepath.Join(base, "metrics"), extra)
	path := filepath.Join(base, "pgdrill.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &env{bin: buildBinary(t), config: path, baseDir: base}
}

// run executes pgdrill and returns stdout and the exit code.
func (e *env) run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.bin, append([]string{"--config", e.config}, args...)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else {
		require.NoError(t, err)
	}
	if code != 0 {
		t.Logf("pgdrill %v exited %d\nstderr: %s", args, code, stderr.String())
	}
	return strings.TrimSpace(string(out)), code
}
