package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"filippo.io/age"
	"github.com/urfave/cli/v3"

	"pgdrill/internal/config"
	"pgdrill/internal/logging"
	"pgdrill/internal/metrics"
	"pgdrill/internal/pg"
	"pgdrill/internal/remote"
	"pgdrill/internal/runner"
	"pgdrill/internal/snapshot"
	"pgdrill/internal/util"
)

// app is the per-invocation state shared by commands that touch databases.
type app struct {
	cfg     *config.Config
	client  *pg.Client
	logFile *os.File
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, nil
}

func setup(cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	if err := util.SetupDirectories(cfg.ArtifactDir, cfg.LockDir); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.reopenLog(time.Now()); err != nil {
		return nil, err
	}

	client := pg.NewClient(runner.NewExec(cfg.Tools.Timeout), cfg.Tools.BinDir, cfg.Tools.Timeout)
	client.ProbeAttempts = cfg.Restore.ProbeAttempts
	client.ProbeDelay = cfg.Restore.ProbeDelay

	a.client = client
	return a, nil
}

// reopenLog points the default logger at the daily log file for now. It is
// a no-op while the day has not changed, so long running schedulers call it
// before every job.
func (a *app) reopenLog(now time.Time) error {
	path := util.LogPath(a.cfg.BaseDir, now)
	if a.logFile != nil && a.logFile.Name() == path {
		return nil
	}

	logger, logFile, err := util.SetupLogging(path, logging.ParseLevel(a.cfg.Log.Level))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)
	if a.logFile != nil {
		a.logFile.Close()
	}
	a.logFile = logFile
	return nil
}

func (a *app) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *app) offsite(ctx context.Context) (*snapshot.Offsite, error) {
	if !a.cfg.Offsite.Enabled {
		return nil, fmt.Errorf("offsite is not enabled in config")
	}

	recipient, err := age.ParseX25519Recipient(a.cfg.Offsite.AgePublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse age public key: %w", err)
	}

	backend, err := remote.NewS3(ctx, a.cfg.Offsite.S3, a.cfg.S3RetryAttempts())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	if err := backend.VerifyCredentials(ctx); err != nil {
		return nil, fmt.Errorf("AWS credentials verification failed: %w", err)
	}

	return &snapshot.Offsite{Backend: backend, Recipient: recipient, AgePublicKey: a.cfg.Offsite.AgePublicKey}, nil
}

func (a *app) writeMetrics(job metrics.Job) {
	if err := metrics.Write(a.cfg.Metrics.TextfileDir, job); err != nil {
		slog.Warn("Failed to write metrics", "job", job.Name, "error", err)
	}
}
