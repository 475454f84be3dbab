package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"pgdrill/internal/check"
	"pgdrill/internal/drill"
	"pgdrill/internal/failure"
	"pgdrill/internal/keys"
)

// withApp loads config and logging before running fn.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a)
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "pgdrill",
		Usage:   "PostgreSQL snapshot and restore drill",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration yaml file",
				Value: "pgdrill.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "snapshot",
				Usage: "Create and manage snapshot artifacts",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "Dump the source database into a new artifact",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "push",
								Usage: "Copy the artifact offsite after creating it",
							},
						},
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runSnapshotCreate(ctx, a, cmd.Bool("push"))
						}),
					},
					{
						Name:  "latest",
						Usage: "Print the path of the newest artifact",
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runSnapshotLatest(a)
						}),
					},
					{
						Name:  "list",
						Usage: "List local artifacts as JSON",
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runSnapshotList(a)
						}),
					},
					{
						Name:  "push",
						Usage: "Encrypt an artifact and upload it to S3",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "name",
								Usage: "Artifact name or path (default newest)",
							},
						},
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runSnapshotPush(ctx, a, cmd.String("name"))
						}),
					},
					{
						Name:  "fetch",
						Usage: "Download and decrypt an artifact from S3",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "name",
								Usage:    "Artifact name, e.g. 2024-01-15_1430",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "private-key",
								Usage:    "Path to age private key file",
								Required: true,
							},
						},
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runSnapshotFetch(ctx, a, cmd.String("name"), cmd.String("private-key"))
						}),
					},
				},
			},
			{
				Name:  "drill",
				Usage: "Restore drills into a disposable local cluster",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "Restore the newest artifact into the drill cluster and verify it",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "data-dir",
								Usage: "Drill cluster data directory (default drill.data_dir)",
							},
							&cli.IntFlag{
								Name:  "port",
								Usage: "Drill cluster port (default drill.port)",
							},
							&cli.StringFlag{
								Name:  "database",
								Usage: "Database to restore into (default drill.database)",
							},
							&cli.StringFlag{
								Name:  "artifact",
								Usage: "Artifact path to restore instead of the newest",
							},
						},
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runDrill(ctx, a, drill.Options{
								DataDir:      cmd.String("data-dir"),
								Port:         int(cmd.Int("port")),
								Database:     cmd.String("database"),
								ArtifactPath: cmd.String("artifact"),
							})
						}),
					},
				},
			},
			{
				Name:  "restore",
				Usage: "Restore artifacts into existing databases",
				Commands: []*cli.Command{
					{
						Name:  "apply",
						Usage: "Restore an artifact into the target database",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "target",
								Usage:    "Target connection URL",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "artifact",
								Usage: "Artifact name or path (default newest)",
							},
							&cli.BoolFlag{
								Name:  "drop-existing",
								Usage: "Drop and recreate the target database first",
							},
							&cli.BoolFlag{
								Name:  "allow-production",
								Usage: "Confirm a destructive restore into a named database",
							},
						},
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runRestoreApply(ctx, a, cmd.String("target"), cmd.String("artifact"),
								cmd.Bool("drop-existing"), cmd.Bool("allow-production"))
						}),
					},
				},
			},
			{
				Name:  "verify",
				Usage: "Run checks against a database",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "target",
						Usage:    "Target connection URL",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "checks",
						Usage: "Check list, e.g. schema,rowcount:users=42,roles:app, or a YAML file (default from config)",
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "Report format: text or json",
						Value: "text",
					},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					return runVerify(ctx, a, cmd.String("target"), cmd.String("checks"), cmd.String("output"))
				}),
			},
			{
				Name:  "check",
				Usage: "Check tools, directories, source and offsite storage",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "skip-source",
						Usage: "Do not probe the source database",
					},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					return check.Run(ctx, os.Stdout, a.cfg, a.client, check.Options{SkipSource: cmd.Bool("skip-source")})
				}),
			},
			{
				Name:  "keys",
				Usage: "Manage the age key pair for offsite copies",
				Commands: []*cli.Command{
					{
						Name:  "genkey",
						Usage: "Generate public and private key pair",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return keys.Generate(os.Stdout)
						},
					},
					{
						Name:  "test",
						Usage: "Test if the private key matches offsite.age_public_key",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "private-key",
								Usage:    "Path to age private key file",
								Required: true,
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							cfg, err := loadConfig(cmd)
							if err != nil {
								return err
							}
							return keys.Test(os.Stdout, cfg.Offsite.AgePublicKey, cmd.String("private-key"))
						},
					},
				},
			},
			{
				Name:  "schedule",
				Usage: "Run snapshots and drills on their cron schedules",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "Run in the foreground until interrupted",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "now",
								Usage: "Trigger every scheduled job once at startup",
							},
						},
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return runSchedule(ctx, a, cmd.Bool("now"))
						}),
					},
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.Run(ctx, os.Args)
	if err == nil {
		return
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		slog.Error("Interrupted", "error", err)
		fmt.Fprintln(os.Stderr, "interrupted")
		stop()
		os.Exit(failure.ExitInterrupted)
	}
	slog.Error("CLI error", "error", err)
	os.Exit(failure.ExitCode(err))
}
