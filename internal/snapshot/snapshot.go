// Package snapshot creates, lists and selects database snapshot artifacts.
//
// Artifacts are named by their creation minute in UTC, for example
// 2024-01-15_1430.snapshot. A second artifact in the same minute takes the
// first free suffix (2024-01-15_1430-2.snapshot, -3, ...) and sorts after
// the unsuffixed one. Files are dumped to a .partial name and only linked to
// the final name after the archive listed cleanly, so every file with a
// final name was created successfully.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"pgdrill/internal/crypto"
	"pgdrill/internal/failure"
	"pgdrill/internal/manifest"
	"pgdrill/internal/pg"
)

const (
	Ext           = ".snapshot"
	partialSuffix = ".partial"
	timeLayout    = "2006-01-02_1504"
	maxSequence   = 99

	StatusSuccess = "success"
)

var namePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}_\d{4})(?:-(\d+))?\.snapshot$`)

type Artifact struct {
	Name      string
	Path      string
	Size      int64
	CreatedAt time.Time
	Sequence  int
	Blake3    string
	Manifest  *manifest.Artifact
}

// Manager creates artifacts from a source database into Dir.
type Manager struct {
	Dir            string
	PG             *pg.Client
	CriticalTables []string
	Now            func() time.Time
}

func NewManager(dir string, client *pg.Client, criticalTables []string) *Manager {
	return &Manager{Dir: dir, PG: client, CriticalTables: criticalTables, Now: time.Now}
}

// FileName returns the artifact file name for a timestamp and sequence.
func FileName(t time.Time, seq int) string {
	name := t.UTC().Format(timeLayout)
	if seq > 1 {
		name += "-" + strconv.Itoa(seq)
	}
	return name + Ext
}

// ParseName extracts the creation minute and sequence from an artifact file
// name. Sequence is 1 for unsuffixed names.
func ParseName(fileName string) (time.Time, int, bool) {
	m := namePattern.FindStringSubmatch(fileName)
	if m == nil {
		return time.Time{}, 0, false
	}
	t, err := time.ParseInLocation(timeLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, 0, false
	}
	seq := 1
	if m[2] != "" {
		seq, err = strconv.Atoi(m[2])
		if err != nil || seq < 2 {
			return time.Time{}, 0, false
		}
	}
	return t, seq, true
}

// Create dumps source into a new artifact.
func (m *Manager) Create(ctx context.Context, source pg.Conn) (*Artifact, error) {
	slog.Info("Creating snapshot", "source", source.Redacted(), "dir", m.Dir)

	if err := m.PG.Probe(ctx, source, failure.ErrSourceUnreachable); err != nil {
		return nil, failure.Stage("probe", err)
	}

	rowCounts := m.captureRowCounts(ctx, source)

	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return nil, failure.Stage("reserve", fmt.Errorf("failed to create artifact directory: %w", err))
	}
	createdAt := m.Now().UTC().Truncate(time.Minute)
	finalPath, seq, err := m.reserve(createdAt)
	if err != nil {
		return nil, failure.Stage("reserve", err)
	}
	partialPath := finalPath + partialSuffix
	// the partial file is ours from here on and never outlives Create
	defer os.Remove(partialPath)

	res, err := m.PG.Dump(ctx, source, partialPath)
	if err != nil {
		return nil, failure.Stage("dump", err)
	}
	if res.ExitCode != 0 {
		return nil, failure.Stage("dump", fmt.Errorf("%w: %w", failure.ErrDumpFailed,
			&failure.ToolError{Tool: "pg_dump", ExitCode: res.ExitCode, Stderr: res.Stderr}))
	}

	size, err := m.validate(ctx, partialPath)
	if err != nil {
		return nil, failure.Stage("validate", err)
	}

	digest, err := crypto.BLAKE3File(partialPath)
	if err != nil {
		return nil, failure.Stage("digest", fmt.Errorf("failed to hash artifact: %w", err))
	}

	if err := os.Link(partialPath, finalPath); err != nil {
		if os.IsExist(err) {
			return nil, failure.Stage("finalize", fmt.Errorf("%w: %s appeared during dump", failure.ErrNameCollision, finalPath))
		}
		return nil, failure.Stage("finalize", fmt.Errorf("failed to finalize artifact: %w", err))
	}

	a := &Artifact{
		Name:      nameOf(finalPath),
		Path:      finalPath,
		Size:      size,
		CreatedAt: createdAt,
		Sequence:  seq,
		Blake3:    digest,
	}
	a.Manifest = &manifest.Artifact{
		Name:       a.Name,
		CreatedAt:  m.Now().Unix(),
		Size:       size,
		Blake3Hash: digest,
		Status:     StatusSuccess,
		System:     manifest.GetSystemInfo(m.dumpVersion(ctx)),
		Source:     manifest.Source{Host: source.Host, Port: source.Port, Database: source.Database, User: source.User},
		RowCounts:  rowCounts,
	}
	if err := manifest.Write(manifest.PathFor(finalPath), a.Manifest); err != nil {
		// the artifact itself is complete; a missing sidecar only loses metadata
		slog.Warn("Failed to write manifest", "artifact", finalPath, "error", err)
	}

	slog.Info("Snapshot created", "artifact", finalPath, "size", humanize.IBytes(uint64(size)), "blake3", digest)
	return a, nil
}

// reserve claims the first free name for createdAt by creating its partial
// file exclusively. A name is free when neither the final nor the partial
// file exists.
func (m *Manager) reserve(createdAt time.Time) (string, int, error) {
	for seq := 1; seq <= maxSequence; seq++ {
		finalPath := filepath.Join(m.Dir, FileName(createdAt, seq))
		if _, err := os.Lstat(finalPath); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", 0, fmt.Errorf("failed to stat %s: %w", finalPath, err)
		}

		f, err := os.OpenFile(finalPath+partialSuffix, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("failed to reserve %s: %w", finalPath, err)
		}
		f.Close()
		if seq > 1 {
			slog.Info("Snapshot name taken, using suffix", "name", FileName(createdAt, 1), "sequence", seq)
		}
		return finalPath, seq, nil
	}
	return "", 0, fmt.Errorf("%w: more than %d snapshots in minute %s", failure.ErrNameCollision, maxSequence, createdAt.Format(timeLayout))
}

// validate rejects empty archives and archives pg_restore cannot list.
func (m *Manager) validate(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", failure.ErrArtifactInvalid, err)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%w: dump produced an empty file", failure.ErrArtifactInvalid)
	}

	res, err := m.PG.List(ctx, path)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("%w: archive listing failed: %w", failure.ErrArtifactInvalid,
			&failure.ToolError{Tool: "pg_restore", ExitCode: res.ExitCode, Stderr: res.Stderr})
	}
	return info.Size(), nil
}

// captureRowCounts records the size of critical tables so a drill can
// compare against them. Failures only cost the expectation.
func (m *Manager) captureRowCounts(ctx context.Context, source pg.Conn) map[string]int64 {
	if len(m.CriticalTables) == 0 {
		return nil
	}
	counts := make(map[string]int64, len(m.CriticalTables))
	for _, table := range m.CriticalTables {
		n, err := m.PG.RowCount(ctx, source, table)
		if err != nil {
			slog.Warn("Failed to capture row count", "table", table, "error", err)
			continue
		}
		counts[table] = n
	}
	return counts
}

func (m *Manager) dumpVersion(ctx context.Context) string {
	v, err := m.PG.Version(ctx, "pg_dump")
	if err != nil {
		slog.Debug("Failed to read pg_dump version", "error", err)
		return "unknown"
	}
	return v
}

// List returns all artifacts in dir, newest first.
func List(dir string) ([]*Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	var artifacts []*Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		createdAt, seq, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		a := &Artifact{
			Name:      nameOf(path),
			Path:      path,
			Size:      info.Size(),
			CreatedAt: createdAt,
			Sequence:  seq,
		}
		if mf, err := manifest.Read(manifest.PathFor(path)); err == nil {
			a.Manifest = mf
			a.Blake3 = mf.Blake3Hash
		}
		artifacts = append(artifacts, a)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		a, b := artifacts[i], artifacts[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Sequence > b.Sequence
	})
	return artifacts, nil
}

// Latest returns the newest artifact in dir.
func Latest(dir string) (*Artifact, error) {
	artifacts, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w in %s: run 'pgdrill snapshot create' first or check artifact_dir", failure.ErrNoSnapshotsFound, dir)
	}
	return artifacts[0], nil
}

// Open loads the artifact at path. When a manifest is present the file must
// match its recorded digest and success status.
func Open(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrArtifactInvalid, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not a non-empty file", failure.ErrArtifactInvalid, path)
	}

	a := &Artifact{Name: nameOf(path), Path: path, Size: info.Size(), CreatedAt: info.ModTime().UTC()}
	if createdAt, seq, ok := ParseName(filepath.Base(path)); ok {
		a.CreatedAt = createdAt
		a.Sequence = seq
	}

	mf, err := manifest.Read(manifest.PathFor(path))
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Artifact has no manifest, skipping digest check", "artifact", path)
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable manifest: %w", failure.ErrArtifactInvalid, err)
	}
	if mf.Status != StatusSuccess {
		return nil, fmt.Errorf("%w: %s has status %q", failure.ErrArtifactInvalid, path, mf.Status)
	}
	if err := crypto.VerifyFile(path, mf.Blake3Hash); err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrArtifactInvalid, err)
	}
	a.Manifest = mf
	a.Blake3 = mf.Blake3Hash
	return a, nil
}

func nameOf(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext == Ext {
		return base[:len(base)-len(ext)]
	}
	return base
}
