package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pgdrill/internal/logging"
)

func LogDir(baseDir string) string {
	return filepath.Join(baseDir, "logs")
}

// LogPath is the daily log file for a base directory.
func LogPath(baseDir string, now time.Time) string {
	return filepath.Join(LogDir(baseDir), now.Format("2006-01-02")+".log")
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func SetupLogging(logPath string, level slog.Level) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(logPath, level)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}
