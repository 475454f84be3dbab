// Package restore applies snapshot artifacts to target databases.
package restore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pgdrill/internal/failure"
	"pgdrill/internal/lock"
	"pgdrill/internal/pg"
	"pgdrill/internal/snapshot"
	"pgdrill/internal/target"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Job is a single restore request. It lives for one Restore call.
type Job struct {
	ID       string
	Artifact *snapshot.Artifact
	Target   target.Target

	// DropExisting drops and recreates the target database first.
	DropExisting    bool
	StripOwnership  bool
	StripPrivileges bool
	// AllowProduction confirms destructive steps against a named target.
	AllowProduction bool
}

type Result struct {
	JobID    string        `json:"jobId"`
	Status   Status        `json:"status"`
	Warnings []string      `json:"warnings,omitempty"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

type Engine struct {
	PG         *pg.Client
	LockDir    string
	Classifier *Classifier
}

func NewEngine(client *pg.Client, lockDir string, ignorablePatterns []string) (*Engine, error) {
	classifier, err := NewClassifier(ignorablePatterns)
	if err != nil {
		return nil, err
	}
	return &Engine{PG: client, LockDir: lockDir, Classifier: classifier}, nil
}

// guard enforces the production opt in: dropping a named database always
// needs it, and so does any restore into a named database on another host,
// since --clean drops every object the archive contains.
func guard(job Job) error {
	if job.Target.Kind() != target.KindNamed || job.AllowProduction {
		return nil
	}
	if job.DropExisting {
		return fmt.Errorf("%w: refusing to drop %s", failure.ErrProductionGuard, job.Target.Conn().Redacted())
	}
	if !job.Target.Local() {
		return fmt.Errorf("%w: refusing to overwrite objects in %s", failure.ErrProductionGuard, job.Target.Conn().Redacted())
	}
	return nil
}

// Restore runs the job while holding the target's lock. Each step completes
// before the next one starts.
func (e *Engine) Restore(ctx context.Context, job Job) (*Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	conn := job.Target.Conn()
	log := slog.With("jobId", job.ID, "target", conn.Redacted(), "kind", job.Target.Kind())
	log.Info("Restore started", "artifact", job.Artifact.Path, "dropExisting", job.DropExisting)
	start := time.Now()

	if err := guard(job); err != nil {
		return nil, failure.Stage("guard", err)
	}

	release, err := lock.Acquire(e.LockDir, job.Target.LockKey(), job.ID)
	if err != nil {
		return nil, failure.Stage("lock", err)
	}
	defer func() {
		if err := release(); err != nil {
			log.Error("Failed to release lock", "error", err)
		}
	}()

	maint := conn.WithDatabase(pg.MaintenanceDB)
	if job.DropExisting {
		if err := e.PG.Probe(ctx, maint, failure.ErrTargetUnreachable); err != nil {
			return nil, failure.Stage("probe", err)
		}
		log.Info("Dropping target database", "database", conn.Database)
		if err := e.PG.DropDatabase(ctx, maint, conn.Database); err != nil {
			return nil, failure.Stage("drop", err)
		}
		if err := e.PG.CreateDatabase(ctx, maint, conn.Database); err != nil {
			return nil, failure.Stage("create", err)
		}
	} else if err := e.PG.Probe(ctx, conn, failure.ErrTargetUnreachable); err != nil {
		// users limited to their own database cannot reach the maintenance
		// database, so it is only consulted to tell a missing database apart
		if exists, lookupErr := e.PG.DatabaseExists(ctx, maint, conn.Database); lookupErr == nil && !exists {
			return nil, failure.Stage("check", fmt.Errorf("%w: database %q does not exist on %s; create it or restore with --drop-existing",
				failure.ErrTargetMissing, conn.Database, conn.Address()))
		}
		return nil, failure.Stage("probe", err)
	}

	log.Info("Applying artifact", "artifact", job.Artifact.Path)
	res, err := e.PG.Restore(ctx, conn, job.Artifact.Path, pg.RestoreOptions{
		StripOwnership:  job.StripOwnership,
		StripPrivileges: job.StripPrivileges,
	})
	if err != nil {
		return nil, failure.Stage("restore", err)
	}

	status, warnings, fatal := e.Classifier.Classify(res.ExitCode, res.Stderr)
	result := &Result{
		JobID:    job.ID,
		Status:   status,
		Warnings: warnings,
		ExitCode: res.ExitCode,
		Duration: time.Since(start),
	}
	if status == StatusFailed {
		return result, failure.Tool("restore",
			fmt.Errorf("%w: %d unexpected diagnostics, first: %s", failure.ErrRestoreFailed, len(fatal), fatal[0]),
			res.ExitCode, res.Stderr)
	}

	if status == StatusDegraded {
		log.Warn("Restore finished with ignorable warnings", "exitCode", res.ExitCode, "warnings", len(warnings), "duration", result.Duration)
	} else {
		log.Info("Restore finished", "duration", result.Duration)
	}
	return result, nil
}
