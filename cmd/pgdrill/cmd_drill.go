package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"pgdrill/internal/drill"
	"pgdrill/internal/failure"
	"pgdrill/internal/metrics"
	"pgdrill/internal/restore"
	"pgdrill/internal/target"
	"pgdrill/internal/verify"
)

func runDrill(ctx context.Context, a *app, opts drill.Options) error {
	outcome, err := drill.New(a.cfg, a.client).Run(ctx, opts)
	if outcome != nil && outcome.Report != nil {
		if rErr := outcome.Report.Render(os.Stdout, "text"); rErr != nil {
			return rErr
		}
	}
	return err
}

func runRestoreApply(ctx context.Context, a *app, targetURL, artifactPath string, dropExisting, allowProduction bool) (err error) {
	start := time.Now()
	job := metrics.Job{Name: "restore", StartedAt: start}
	defer func() {
		if errors.Is(err, failure.ErrTargetBusy) {
			return
		}
		job.Success = err == nil
		job.Duration = time.Since(start)
		a.writeMetrics(job)
	}()

	tgt, err := target.ParseNamed(targetURL)
	if err != nil {
		return fmt.Errorf("invalid --target: %w", err)
	}

	artifact, err := resolveArtifact(a, artifactPath)
	if err != nil {
		return err
	}
	job.Bytes = artifact.Size

	engine, err := restore.NewEngine(a.client, a.cfg.LockDir, a.cfg.Restore.IgnorablePatterns)
	if err != nil {
		return err
	}
	res, err := engine.Restore(ctx, restore.Job{
		Artifact:        artifact,
		Target:          tgt,
		DropExisting:    dropExisting,
		StripOwnership:  a.cfg.StripOwnership(),
		StripPrivileges: a.cfg.StripPrivileges(),
		AllowProduction: allowProduction,
	})
	if res != nil {
		job.Warnings = len(res.Warnings)
		fmt.Printf("restore %s: %s (%d warnings, %s)\n", res.JobID, res.Status, len(res.Warnings), res.Duration.Round(time.Millisecond))
		for _, w := range res.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
	return err
}

func runVerify(ctx context.Context, a *app, targetURL, checkSpec, output string) error {
	tgt, err := target.ParseNamed(targetURL)
	if err != nil {
		return fmt.Errorf("invalid --target: %w", err)
	}

	var checks []verify.Check
	if checkSpec == "" {
		checks = verify.FromConfig(a.cfg.Verify, nil)
	} else if checks, err = verify.ParseChecks(checkSpec); err != nil {
		return fmt.Errorf("invalid --checks: %w", err)
	}

	report, err := (&verify.Verifier{PG: a.client}).Verify(ctx, tgt, checks)
	if err != nil {
		return err
	}
	if err := report.Render(os.Stdout, output); err != nil {
		return err
	}
	if !report.Passed() {
		return fmt.Errorf("%w: report is %s", failure.ErrVerificationFailed, report.Status)
	}
	return nil
}
