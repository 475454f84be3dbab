// Package drill runs a full restore drill: provision the local cluster,
// restore the newest snapshot, verify it and tear the cluster down.
package drill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pgdrill/internal/config"
	"pgdrill/internal/drillenv"
	"pgdrill/internal/failure"
	"pgdrill/internal/lock"
	"pgdrill/internal/metrics"
	"pgdrill/internal/pg"
	"pgdrill/internal/restore"
	"pgdrill/internal/snapshot"
	"pgdrill/internal/target"
	"pgdrill/internal/verify"
)

// Environment is the lifecycle of the drill cluster.
type Environment interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
	Conn() pg.Conn
}

type Options struct {
	DataDir  string
	Port     int
	Database string
	// ArtifactPath overrides the newest artifact.
	ArtifactPath string
}

type Outcome struct {
	JobID    string
	Artifact *snapshot.Artifact
	Restore  *restore.Result
	Report   *verify.Report
	Duration time.Duration
}

type Workflow struct {
	cfg *config.Config
	pg  *pg.Client
	// NewEnvironment builds the cluster controller; tests replace it.
	NewEnvironment func(opts drillenv.Options) Environment
}

func New(cfg *config.Config, client *pg.Client) *Workflow {
	return &Workflow{
		cfg: cfg,
		pg:  client,
		NewEnvironment: func(opts drillenv.Options) Environment {
			return drillenv.New(client, opts)
		},
	}
}

func (w *Workflow) options(opts Options) Options {
	if opts.DataDir == "" {
		opts.DataDir = w.cfg.Drill.DataDir
	}
	if opts.Port == 0 {
		opts.Port = w.cfg.Drill.Port
	}
	if opts.Database == "" {
		opts.Database = w.cfg.Drill.Database
	}
	return opts
}

// Run executes one drill. The returned error wraps
// failure.ErrVerificationFailed when the report is FAIL; the outcome is
// returned alongside whenever a stage produced results.
func (w *Workflow) Run(ctx context.Context, opts Options) (outcome *Outcome, err error) {
	opts = w.options(opts)
	if abs, absErr := filepath.Abs(opts.DataDir); absErr == nil {
		opts.DataDir = abs
	}
	outcome = &Outcome{JobID: uuid.NewString()}
	log := slog.With("jobId", outcome.JobID)
	start := time.Now()
	log.Info("Drill started", "dataDir", opts.DataDir, "port", opts.Port, "database", opts.Database)

	defer func() {
		outcome.Duration = time.Since(start)
		w.recordMetrics(outcome, start, err)
		if err != nil {
			log.Error("Drill failed", "duration", outcome.Duration, "error", err)
			return
		}
		log.Info("Drill passed", "duration", outcome.Duration)
	}()

	release, err := lock.Acquire(w.cfg.LockDir, "drill:"+opts.DataDir, outcome.JobID)
	if err != nil {
		return outcome, failure.Stage("lock", err)
	}
	defer func() {
		if relErr := release(); relErr != nil {
			log.Error("Failed to release drill lock", "error", relErr)
		}
	}()

	artifact, err := w.selectArtifact(opts.ArtifactPath)
	if err != nil {
		return outcome, failure.Stage("select", err)
	}
	outcome.Artifact = artifact
	log.Info("Selected artifact", "artifact", artifact.Path)

	env := w.NewEnvironment(drillenv.Options{
		DataDir:      opts.DataDir,
		BindHost:     w.cfg.Drill.BindHost,
		Port:         opts.Port,
		User:         w.cfg.Drill.User,
		StartTimeout: w.cfg.Drill.StartTimeout,
		StopGrace:    w.cfg.Drill.StopGrace,
	})
	// teardown runs on every path, including cancellation, with its own
	// deadline since ctx may already be done
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Drill.StopGrace+time.Minute)
		defer cancel()
		closeErr := env.Close(cleanupCtx)
		if closeErr != nil {
			log.Error("Drill cleanup failed", "error", closeErr)
		}
		if err != nil {
			err = failure.WithCleanup(err, closeErr)
		} else if closeErr != nil {
			err = failure.Stage("cleanup", closeErr)
		}
	}()

	if err := env.Initialize(ctx); err != nil {
		return outcome, failure.Stage("initialize", err)
	}
	if err := env.Start(ctx); err != nil {
		return outcome, failure.Stage("start", err)
	}

	engine, err := restore.NewEngine(w.pg, w.cfg.LockDir, w.cfg.Restore.IgnorablePatterns)
	if err != nil {
		return outcome, failure.Stage("restore", err)
	}
	tgt := target.NewEphemeral(opts.DataDir, env.Conn().WithDatabase(opts.Database), env)
	res, err := engine.Restore(ctx, restore.Job{
		ID:              outcome.JobID,
		Artifact:        artifact,
		Target:          tgt,
		DropExisting:    true,
		StripOwnership:  w.cfg.StripOwnership(),
		StripPrivileges: w.cfg.StripPrivileges(),
	})
	outcome.Restore = res
	if err != nil {
		return outcome, failure.Stage("restore", err)
	}

	var rowCounts map[string]int64
	if w.cfg.Verify.ExpectFromManifest && artifact.Manifest != nil {
		rowCounts = artifact.Manifest.RowCounts
	}
	checks := verify.FromConfig(w.cfg.Verify, rowCounts)
	report, err := (&verify.Verifier{PG: w.pg}).Verify(ctx, tgt, checks)
	if err != nil {
		return outcome, failure.Stage("verify", err)
	}
	outcome.Report = report
	if !report.Passed() {
		return outcome, failure.Stage("verify", fmt.Errorf("%w: report is %s", failure.ErrVerificationFailed, report.Status))
	}
	return outcome, nil
}

// selectArtifact opens the given artifact, or the newest one, verifying its
// manifest digest.
func (w *Workflow) selectArtifact(path string) (*snapshot.Artifact, error) {
	if path == "" {
		latest, err := snapshot.Latest(w.cfg.ArtifactDir)
		if err != nil {
			return nil, err
		}
		path = latest.Path
	}
	return snapshot.Open(path)
}

func (w *Workflow) recordMetrics(outcome *Outcome, start time.Time, err error) {
	job := metrics.Job{
		Name:      "drill",
		Success:   err == nil,
		StartedAt: start,
		Duration:  outcome.Duration,
	}
	if outcome.Artifact != nil {
		job.Bytes = outcome.Artifact.Size
	}
	if outcome.Restore != nil {
		job.Warnings = len(outcome.Restore.Warnings)
	}
	if errors.Is(err, failure.ErrTargetBusy) {
		// another drill is running and will report its own outcome
		return
	}
	if mErr := metrics.Write(w.cfg.Metrics.TextfileDir, job); mErr != nil {
		slog.Warn("Failed to write metrics", "error", mErr)
	}
}
