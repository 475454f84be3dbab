package drillenv

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgdrill/internal/failure"
	"pgdrill/internal/pg"
	"pgdrill/internal/runner"
	"pgdrill/internal/runner/runnertest"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func initdbWritesVersion(cmd runner.Command) (*runner.Result, error) {
	dir := runnertest.Arg(cmd.Args, "-D")
	if err := os.WriteFile(filepath.Join(dir, versionFile), []byte("16\n"), 0o600); err != nil {
		return nil, err
	}
	return &runner.Result{}, nil
}

// clusterFake answers like a healthy PostgreSQL installation with no server
// running yet.
func clusterFake() *runnertest.Fake {
	f := runnertest.New()
	f.On("initdb", initdbWritesVersion)
	f.OnArgs("pg_ctl", "status", runnertest.Exit(3, "pg_ctl: no server running"))
	f.OnArgs("pg_ctl", "start", runnertest.Ok("server started\n"))
	f.OnArgs("pg_ctl", "stop", runnertest.Ok("server stopped\n"))
	f.On("pg_isready", runnertest.Ok("127.0.0.1:55432 - accepting connections\n"))
	return f
}

func newController(t *testing.T, f *runnertest.Fake, dataDir string) *Controller {
	t.Helper()
	return New(pg.NewClient(f, "", time.Minute), Options{
		DataDir:      dataDir,
		BindHost:     "127.0.0.1",
		Port:         freePort(t),
		User:         "postgres",
		StartTimeout: 2 * time.Second,
		StopGrace:    time.Second,
		PollInterval: 10 * time.Millisecond,
	})
}

func pgCtlActions(f *runnertest.Fake) []string {
	var actions []string
	for _, c := range f.CallsTo("pg_ctl") {
		action := c.Args[0]
		if m := runnertest.Arg(c.Args, "-m"); m != "" {
			action += ":" + m
		}
		actions = append(actions, action)
	}
	return actions
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := clusterFake()
	dir := filepath.Join(t.TempDir(), "drill")

	c := newController(t, f, dir)
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, Initialized, c.State())
	require.NoError(t, c.Initialize(context.Background()))
	assert.Len(t, f.CallsTo("initdb"), 1)

	init := f.CallsTo("initdb")[0]
	assert.Equal(t, dir, runnertest.Arg(init.Args, "-D"))
	assert.Equal(t, "trust", runnertest.Arg(init.Args, "-A"))

	// a second controller adopts the existing cluster
	again := newController(t, f, dir)
	require.NoError(t, again.Initialize(context.Background()))
	assert.Equal(t, Initialized, again.State())
	assert.Len(t, f.CallsTo("initdb"), 1)
}

func TestInitializeRejectsForeignDirectory(t *testing.T) {
	f := clusterFake()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "important.txt"), []byte("keep"), 0o600))

	c := newController(t, f, dir)
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not empty")
	assert.Empty(t, f.CallsTo("initdb"))
	assert.Equal(t, Uninitialized, c.State())

	data, err := os.ReadFile(filepath.Join(dir, "important.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestInitdbFailure(t *testing.T) {
	f := clusterFake()
	f.On("initdb", runnertest.Exit(1, "initdb: error: could not create directory"))

	c := newController(t, f, filepath.Join(t.TempDir(), "drill"))
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initdb exited with code 1")
	assert.Equal(t, Uninitialized, c.State())
}

func TestStartStopLifecycle(t *testing.T) {
	f := clusterFake()
	c := newController(t, f, filepath.Join(t.TempDir(), "drill"))

	require.Error(t, c.Start(context.Background()), "start before initialize")

	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, Running, c.State())

	start := f.CallsTo("pg_ctl")[1]
	assert.Contains(t, runnertest.Arg(start.Args, "-o"), "-p "+strconv.Itoa(c.opts.Port))
	assert.Contains(t, runnertest.Arg(start.Args, "-o"), "-h 127.0.0.1")
	assert.Equal(t, "2", runnertest.Arg(start.Args, "-t"))

	require.NoError(t, c.Start(context.Background()), "start while running is a no-op")
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, Stopped, c.State())

	require.NoError(t, c.Start(context.Background()), "restart from stopped")
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, Stopped, c.State())

	assert.Equal(t, []string{"status", "start", "stop:fast", "status", "start", "stop:fast", "status"}, pgCtlActions(f))
}

func TestStartPortInUse(t *testing.T) {
	t.Run("bind check", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()

		f := clusterFake()
		c := newController(t, f, filepath.Join(t.TempDir(), "drill"))
		c.opts.Port = l.Addr().(*net.TCPAddr).Port
		require.NoError(t, c.Initialize(context.Background()))

		err = c.Start(context.Background())
		assert.ErrorIs(t, err, failure.ErrPortInUse)
		assert.NotContains(t, pgCtlActions(f), "start")
		require.NoError(t, c.Close(context.Background()))
	})

	t.Run("server log", func(t *testing.T) {
		f := clusterFake()
		f.OnArgs("pg_ctl", "start", func(cmd runner.Command) (*runner.Result, error) {
			msg := "LOG:  could not bind IPv4 address \"127.0.0.1\": Address already in use\n"
			if err := os.WriteFile(runnertest.Arg(cmd.Args, "-l"), []byte(msg), 0o600); err != nil {
				return nil, err
			}
			return &runner.Result{ExitCode: 1, Stderr: "pg_ctl: could not start server\n"}, nil
		})
		f.OnArgs("pg_ctl", "stop", runnertest.Exit(1, "pg_ctl: PID file \"x/postmaster.pid\" does not exist\nIs server running?\n"))

		c := newController(t, f, filepath.Join(t.TempDir(), "drill"))
		require.NoError(t, c.Initialize(context.Background()))

		err := c.Start(context.Background())
		assert.ErrorIs(t, err, failure.ErrPortInUse)
		assert.Contains(t, pgCtlActions(f), "stop:fast", "half started server is stopped")
		assert.NotEqual(t, Running, c.State())
	})
}

func TestStartTimeout(t *testing.T) {
	t.Run("pg_ctl wait expired", func(t *testing.T) {
		f := clusterFake()
		f.OnArgs("pg_ctl", "start", func(runner.Command) (*runner.Result, error) {
			return &runner.Result{ExitCode: 1, Stdout: "waiting for server to start........ stopped waiting\npg_ctl: server did not start in time\n"}, nil
		})

		c := newController(t, f, filepath.Join(t.TempDir(), "drill"))
		require.NoError(t, c.Initialize(context.Background()))

		err := c.Start(context.Background())
		assert.ErrorIs(t, err, failure.ErrStartTimeout)
		assert.Equal(t, []string{"status", "start", "stop:fast"}, pgCtlActions(f))
	})

	t.Run("never ready", func(t *testing.T) {
		f := clusterFake()
		f.On("pg_isready", runnertest.Exit(2, ""))

		c := newController(t, f, filepath.Join(t.TempDir(), "drill"))
		c.opts.StartTimeout = 50 * time.Millisecond
		require.NoError(t, c.Initialize(context.Background()))

		err := c.Start(context.Background())
		assert.ErrorIs(t, err, failure.ErrStartTimeout)
		assert.Contains(t, pgCtlActions(f), "stop:fast")
		assert.GreaterOrEqual(t, len(f.CallsTo("pg_isready")), 2)
	})
}

func TestStartStopsLeftoverServer(t *testing.T) {
	f := clusterFake()
	f.Once("pg_ctl", "status", runnertest.Ok("pg_ctl: server is running (PID: 4242)\n"))

	c := newController(t, f, filepath.Join(t.TempDir(), "drill"))
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, []string{"status", "stop:fast", "start"}, pgCtlActions(f))
}

func TestStopEscalatesToKill(t *testing.T) {
	sleeper := exec.Command("sleep", "30")
	require.NoError(t, sleeper.Start())
	waited := make(chan struct{})
	go func() {
		_ = sleeper.Wait()
		close(waited)
	}()

	f := clusterFake()
	f.OnArgs("pg_ctl", "stop", runnertest.Exit(1, "pg_ctl: server does not shut down\n"))

	dir := filepath.Join(t.TempDir(), "drill")
	c := newController(t, f, dir)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	pidContent := strconv.Itoa(sleeper.Process.Pid) + "\n" + dir + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFile), []byte(pidContent), 0o600))

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, Stopped, c.State())

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("postmaster stand-in was not killed")
	}

	actions := strings.Join(pgCtlActions(f), ",")
	assert.Contains(t, actions, "stop:fast,stop:immediate")
}

func TestCloseWithoutStartDoesNothing(t *testing.T) {
	f := clusterFake()
	c := newController(t, f, filepath.Join(t.TempDir(), "drill"))
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.Close(context.Background()))
	assert.Empty(t, f.CallsTo("pg_ctl"))
}

func TestReadPostmasterPid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, pidFile)

	require.NoError(t, os.WriteFile(path, []byte("1234\n/data\n1700000000\n"), 0o600))
	pid, err := readPostmasterPid(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = readPostmasterPid(path)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "uninitialized", Uninitialized.String())
}
