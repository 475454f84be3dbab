package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pgdrill/internal/drill"
	"pgdrill/internal/schedule"
)

func runSchedule(ctx context.Context, a *app, runNow bool) error {
	s := schedule.New()

	// each run logs to the file of the day it starts on
	daily := func(run func(ctx context.Context) error) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			if err := a.reopenLog(time.Now()); err != nil {
				slog.Warn("Failed to rotate log file", "error", err)
			}
			return run(ctx)
		}
	}

	var jobs []schedule.Job
	if spec := a.cfg.Schedule.Snapshot; spec != "" {
		job := schedule.Job{Name: "snapshot", Run: daily(func(ctx context.Context) error {
			_, err := createSnapshot(ctx, a, a.cfg.Offsite.Enabled)
			return err
		})}
		if err := s.Add(spec, job); err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if spec := a.cfg.Schedule.Drill; spec != "" {
		job := schedule.Job{Name: "drill", Run: daily(func(ctx context.Context) error {
			_, err := drill.New(a.cfg, a.client).Run(ctx, drill.Options{})
			return err
		})}
		if err := s.Add(spec, job); err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("schedule.snapshot or schedule.drill is required")
	}

	if runNow {
		for _, job := range jobs {
			s.Trigger(job)
		}
	}
	return s.Run(ctx)
}
