package check

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgdrill/internal/config"
	"pgdrill/internal/failure"
	"pgdrill/internal/pg"
	"pgdrill/internal/remote"
	"pgdrill/internal/runner/runnertest"
)

type stubBackend struct {
	remote.Backend
	err error
}

func (s stubBackend) VerifyCredentials(context.Context) error { return s.err }

func setup(t *testing.T) (*config.Config, *runnertest.Fake, *pg.Client) {
	t.Helper()
	cfg := &config.Config{BaseDir: t.TempDir(), Source: config.SourceConfig{URL: "postgresql://app@db/app"}}
	cfg.ApplyDefaults()
	f := runnertest.New()
	f.On("psql", runnertest.Ok("1"))
	client := pg.NewClient(f, "", time.Minute)
	client.ProbeDelay = time.Millisecond
	return cfg, f, client
}

func TestRunAllPass(t *testing.T) {
	cfg, _, client := setup(t)
	cfg.Offsite.Enabled = true
	cfg.Offsite.S3.Bucket = "drills"

	var out bytes.Buffer
	err := Run(context.Background(), &out, cfg, client, Options{
		NewBackend: func(context.Context, *config.Config) (remote.Backend, error) { return stubBackend{}, nil },
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "tool pg_restore (/usr/bin/pg_restore): OK")
	assert.Contains(t, out.String(), "source postgresql://app@db:5432/app: OK")
	assert.Contains(t, out.String(), "S3 bucket drills: OK")
	assert.Contains(t, out.String(), "all checks passed")
}

func TestRunMissingTool(t *testing.T) {
	cfg, f, client := setup(t)
	f.Missing["pg_ctl"] = true

	err := Run(context.Background(), &bytes.Buffer{}, cfg, client, Options{})
	assert.ErrorContains(t, err, "tool pg_ctl")
}

func TestRunSourceDown(t *testing.T) {
	cfg, f, client := setup(t)
	f.On("psql", runnertest.Exit(2, "psql: error: connection refused"))

	err := Run(context.Background(), &bytes.Buffer{}, cfg, client, Options{})
	assert.ErrorIs(t, err, failure.ErrSourceUnreachable)

	require.NoError(t, Run(context.Background(), &bytes.Buffer{}, cfg, client, Options{SkipSource: true}))
}

func TestRunBadCredentials(t *testing.T) {
	cfg, _, client := setup(t)
	cfg.Offsite.Enabled = true

	err := Run(context.Background(), &bytes.Buffer{}, cfg, client, Options{
		NewBackend: func(context.Context, *config.Config) (remote.Backend, error) {
			return stubBackend{err: errors.New("403 Forbidden")}, nil
		},
	})
	assert.ErrorContains(t, err, "S3 credentials")
}
