// Package list renders the local snapshot inventory as JSON.
package list

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"pgdrill/internal/snapshot"
)

type Info struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Datetime    int64  `json:"datetime"`
	DatetimeStr string `json:"datetime_str"`
	Age         string `json:"age"`
	SizeBytes   int64  `json:"size_bytes"`
	Size        string `json:"size"`
	Blake3Hash  string `json:"blake3_hash,omitempty"`
	HasManifest bool   `json:"has_manifest"`
	Database    string `json:"database,omitempty"`
	S3Key       string `json:"s3_key,omitempty"`
}

type Output struct {
	ArtifactDir string `json:"artifact_dir"`
	Snapshots   []Info `json:"snapshots"`
	Summary     struct {
		TotalSnapshots int    `json:"total_snapshots"`
		Offsite        int    `json:"offsite"`
		TotalBytes     int64  `json:"total_bytes"`
		TotalSize      string `json:"total_size"`
	} `json:"summary"`
}

// Build collects every artifact in dir, newest first.
func Build(dir string, now time.Time) (*Output, error) {
	artifacts, err := snapshot.List(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots in %s: %w", dir, err)
	}

	output := &Output{ArtifactDir: dir, Snapshots: []Info{}}
	for _, a := range artifacts {
		info := Info{
			Name:        a.Name,
			Path:        a.Path,
			Datetime:    a.CreatedAt.Unix(),
			DatetimeStr: a.CreatedAt.UTC().Format(time.RFC3339),
			Age:         humanize.RelTime(a.CreatedAt, now, "ago", "from now"),
			SizeBytes:   a.Size,
			Size:        humanize.IBytes(uint64(a.Size)),
			HasManifest: a.Manifest != nil,
		}
		if a.Manifest != nil {
			info.Blake3Hash = a.Manifest.Blake3Hash
			info.Database = a.Manifest.Source.Database
			if a.Manifest.Offsite != nil {
				info.S3Key = a.Manifest.Offsite.S3Key
				output.Summary.Offsite++
			}
		}
		output.Snapshots = append(output.Snapshots, info)
		output.Summary.TotalBytes += a.Size
	}
	output.Summary.TotalSnapshots = len(output.Snapshots)
	output.Summary.TotalSize = humanize.IBytes(uint64(output.Summary.TotalBytes))
	return output, nil
}

func Run(w io.Writer, dir string) error {
	output, err := Build(dir, time.Now())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
