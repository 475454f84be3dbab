package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pgdrill/internal/keys"
	"pgdrill/internal/list"
	"pgdrill/internal/metrics"
	"pgdrill/internal/pg"
	"pgdrill/internal/snapshot"
)

func createSnapshot(ctx context.Context, a *app, push bool) (*snapshot.Artifact, error) {
	start := time.Now()
	job := metrics.Job{Name: "snapshot", StartedAt: start}
	defer func() {
		job.Duration = time.Since(start)
		a.writeMetrics(job)
	}()

	source, err := pg.ParseURL(a.cfg.Source.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source.url: %w", err)
	}

	manager := snapshot.NewManager(a.cfg.ArtifactDir, a.client, a.cfg.Verify.CriticalTables)
	artifact, err := manager.Create(ctx, source)
	if err != nil {
		return nil, err
	}
	job.Bytes = artifact.Size
	slog.Info("Snapshot created", "artifact", artifact.Path, "size", humanize.IBytes(uint64(artifact.Size)), "duration", time.Since(start))

	if push {
		offsite, err := a.offsite(ctx)
		if err != nil {
			return artifact, err
		}
		if err := offsite.Push(ctx, artifact); err != nil {
			return artifact, fmt.Errorf("failed to push %s: %w", artifact.Name, err)
		}
	}

	job.Success = true
	return artifact, nil
}

func runSnapshotCreate(ctx context.Context, a *app, push bool) error {
	artifact, err := createSnapshot(ctx, a, push)
	if err != nil {
		return err
	}
	fmt.Println(artifact.Path)
	return nil
}

func runSnapshotLatest(a *app) error {
	artifact, err := snapshot.Latest(a.cfg.ArtifactDir)
	if err != nil {
		return err
	}
	fmt.Println(artifact.Path)
	return nil
}

func runSnapshotList(a *app) error {
	return list.Run(os.Stdout, a.cfg.ArtifactDir)
}

// resolveArtifact opens the named artifact in the artifact directory, or the
// newest one when name is empty.
func resolveArtifact(a *app, name string) (*snapshot.Artifact, error) {
	if name == "" {
		latest, err := snapshot.Latest(a.cfg.ArtifactDir)
		if err != nil {
			return nil, err
		}
		return snapshot.Open(latest.Path)
	}
	path := name
	if filepath.Base(name) == name {
		path = filepath.Join(a.cfg.ArtifactDir, name)
		if filepath.Ext(name) != snapshot.Ext {
			path += snapshot.Ext
		}
	}
	return snapshot.Open(path)
}

func runSnapshotPush(ctx context.Context, a *app, name string) error {
	artifact, err := resolveArtifact(a, name)
	if err != nil {
		return err
	}

	offsite, err := a.offsite(ctx)
	if err != nil {
		return err
	}
	if err := offsite.Push(ctx, artifact); err != nil {
		return fmt.Errorf("failed to push %s: %w", artifact.Name, err)
	}
	fmt.Printf("pushed %s (%s)\n", artifact.Name, humanize.IBytes(uint64(artifact.Size)))
	return nil
}

func runSnapshotFetch(ctx context.Context, a *app, name, privateKeyPath string) error {
	identity, err := keys.LoadIdentity(privateKeyPath)
	if err != nil {
		return err
	}

	offsite, err := a.offsite(ctx)
	if err != nil {
		return err
	}
	name = strings.TrimSuffix(filepath.Base(name), snapshot.Ext)
	artifact, err := offsite.Fetch(ctx, identity, a.cfg.ArtifactDir, name)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", name, err)
	}
	fmt.Println(artifact.Path)
	return nil
}
