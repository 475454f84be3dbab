// Package check validates that a host is ready to run snapshots and drills.
package check

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pgdrill/internal/config"
	"pgdrill/internal/failure"
	"pgdrill/internal/pg"
	"pgdrill/internal/remote"
)

// Tools are the PostgreSQL binaries pgdrill invokes.
var Tools = []string{"pg_dump", "pg_restore", "psql", "initdb", "pg_ctl", "pg_isready"}

type Options struct {
	// SkipSource skips the source connectivity probe.
	SkipSource bool
	// NewBackend opens the offsite backend; nil uses S3.
	NewBackend func(ctx context.Context, cfg *config.Config) (remote.Backend, error)
}

// Run checks tools, directories, source connectivity and offsite storage,
// printing one line per passed check to w. The first failure is returned.
func Run(ctx context.Context, w io.Writer, cfg *config.Config, client *pg.Client, opts Options) error {
	fmt.Fprintln(w, "config: OK")

	for _, tool := range Tools {
		path, err := client.Runner.LookPath(client.Tool(tool))
		if err != nil {
			return fmt.Errorf("tool %s: %w", tool, err)
		}
		fmt.Fprintf(w, "tool %s (%s): OK\n", tool, path)
	}

	for name, dir := range map[string]string{"artifact_dir": cfg.ArtifactDir, "lock_dir": cfg.LockDir} {
		if err := checkWritable(dir); err != nil {
			return fmt.Errorf("%s %s: %w", name, dir, err)
		}
		fmt.Fprintf(w, "%s %s: OK\n", name, dir)
	}

	if !opts.SkipSource {
		source, err := pg.ParseURL(cfg.Source.URL)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		if err := client.Probe(ctx, source, failure.ErrSourceUnreachable); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		fmt.Fprintf(w, "source %s: OK\n", source.Redacted())
	}

	if cfg.Offsite.Enabled {
		newBackend := opts.NewBackend
		if newBackend == nil {
			newBackend = func(ctx context.Context, cfg *config.Config) (remote.Backend, error) {
				return remote.NewS3(ctx, cfg.Offsite.S3, cfg.S3RetryAttempts())
			}
		}
		backend, err := newBackend(ctx, cfg)
		if err != nil {
			return fmt.Errorf("S3 init: %w", err)
		}
		if err := backend.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(w, "S3 bucket %s: OK\n", cfg.Offsite.S3.Bucket)
	}

	fmt.Fprintln(w, "all checks passed")
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".pgdrill-check-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
