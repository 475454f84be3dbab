// Package metrics exports job outcomes for the node_exporter textfile
// collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job is the outcome of one snapshot, restore or drill run.
type Job struct {
	Name      string
	Success   bool
	StartedAt time.Time
	Duration  time.Duration
	// Bytes is the artifact size, when the job produced or consumed one.
	Bytes int64
	// Warnings counts ignorable restore diagnostics.
	Warnings int
}

// FileName is the textfile written for a job name.
func FileName(dir, job string) string {
	return filepath.Join(dir, "pgdrill_"+job+".prom")
}

// Write renders j into dir. Each job name owns its file so runs of
// different jobs do not clobber each other's series.
func Write(dir string, j Job) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"job": j.Name}
	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pgdrill",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(value)
		reg.MustRegister(g)
	}

	success := 0.0
	if j.Success {
		success = 1
	}
	gauge("last_run_timestamp_seconds", "Start time of the last run.", float64(j.StartedAt.Unix()))
	gauge("last_run_success", "Whether the last run succeeded (1) or failed (0).", success)
	gauge("last_run_duration_seconds", "Duration of the last run.", j.Duration.Seconds())
	gauge("last_run_artifact_bytes", "Size of the artifact handled by the last run.", float64(j.Bytes))
	gauge("last_run_restore_warnings", "Ignorable restore diagnostics of the last run.", float64(j.Warnings))
	if j.Success {
		gauge("last_success_timestamp_seconds", "Start time of the last successful run.", float64(j.StartedAt.Unix()))
	}

	if err := prometheus.WriteToTextfile(FileName(dir, j.Name), reg); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
