//go:build e2e_pg

package e2e

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, c *cluster) {
	t.Helper()
	c.psql(t, "postgres", "CREATE DATABASE app")
	c.psql(t, "app", "CREATE TABLE users (id serial PRIMARY KEY, email text NOT NULL)")
	c.psql(t, "app", "INSERT INTO users (email) SELECT 'user' || g || '@example.com' FROM generate_series(1, 42) g")
}

func TestSnapshotDrillCycle(t *testing.T) {
	requireTools(t)
	source := startCluster(t)
	seed(t, source)
	e := newEnv(t, source.url("app"), freePort(t), "")

	t.Run("LatestWithoutSnapshots", func(t *testing.T) {
		_, code := e.run(t, "snapshot", "latest")
		assert.Equal(t, 2, code)
	})

	var artifact string
	t.Run("Create", func(t *testing.T) {
		out, code := e.run(t, "snapshot", "create")
		require.Equal(t, 0, code)
		artifact = out
		assert.FileExists(t, artifact)
		assert.FileExists(t, artifact+".yaml")
		assert.True(t, strings.HasSuffix(artifact, ".snapshot"))

		latest, code := e.run(t, "snapshot", "latest")
		require.Equal(t, 0, code)
		assert.Equal(t, artifact, latest)
	})

	t.Run("List", func(t *testing.T) {
		out, code := e.run(t, "snapshot", "list")
		require.Equal(t, 0, code)
		var listing struct {
			Summary struct {
				TotalSnapshots int `json:"total_snapshots"`
			} `json:"summary"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &listing))
		assert.Equal(t, 1, listing.Summary.TotalSnapshots)
	})

	t.Run("DrillPasses", func(t *testing.T) {
		out, code := e.run(t, "drill", "run")
		require.Equal(t, 0, code)
		assert.Contains(t, out, "rowcount(users)")
		assert.Contains(t, out, "PASS")

		metrics, err := os.ReadFile(filepath.Join(e.baseDir, "metrics", "pgdrill_drill.prom"))
		require.NoError(t, err)
		assert.Contains(t, string(metrics), `pgdrill_last_run_success{job="drill"} 1`)
	})

	t.Run("DrillTwice", func(t *testing.T) {
		_, code := e.run(t, "drill", "run")
		assert.Equal(t, 0, code)
	})

	t.Run("VerifySourceMismatch", func(t *testing.T) {
		_, code := e.run(t, "verify", "--target", source.url("app"), "--checks", "schema,rowcount:users=41")
		assert.Equal(t, 3, code)

		out, code := e.run(t, "verify", "--target", source.url("app"), "--checks", "schema,rowcount:users=42", "--output", "json")
		require.Equal(t, 0, code)
		var report struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, "PASS", report.Status)
	})

	t.Run("RestoreApplyGuarded", func(t *testing.T) {
		source.psql(t, "postgres", "CREATE DATABASE scratch")
		_, code := e.run(t, "restore", "apply", "--target", source.url("scratch"), "--artifact", artifact)
		require.Equal(t, 0, code, "plain restore into a local named database is allowed")
		assert.Equal(t, "42", source.psql(t, "scratch", "SELECT count(*) FROM users"))

		_, code = e.run(t, "restore", "apply", "--target", source.url("scratch"), "--artifact", artifact, "--drop-existing")
		assert.Equal(t, 1, code, "dropping a named database requires --allow-production")

		_, code = e.run(t, "restore", "apply", "--target", source.url("scratch"), "--artifact", artifact,
			"--drop-existing", "--allow-production")
		assert.Equal(t, 0, code)
	})
}

func TestCheck(t *testing.T) {
	requireTools(t)
	source := startCluster(t)
	seed(t, source)
	e := newEnv(t, source.url("app"), freePort(t), "")

	out, code := e.run(t, "check")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "all checks passed")
}

func TestDrillPortInUse(t *testing.T) {
	requireTools(t)
	source := startCluster(t)
	seed(t, source)
	// the drill cluster cannot bind the port the source already holds
	e := newEnv(t, source.url("app"), source.port, "")

	_, code := e.run(t, "snapshot", "create")
	require.Equal(t, 0, code)

	_, code = e.run(t, "drill", "run")
	assert.Equal(t, 1, code)
}
