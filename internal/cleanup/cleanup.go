// Package cleanup sweeps abandoned staging files and prunes old
// terminal job records.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pmoura/fetchq/internal/logctx"
	"github.com/pmoura/fetchq/internal/storage"
)

// SweepStaging removes partial files in the staging directory older than
// keepDuration. A fresh partial belongs to a live session and is left
// alone.
func SweepStaging(ctx context.Context, stagingDir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".partial") {
			continue
		}

		path := filepath.Join(stagingDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) > keepDuration {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete stale partial file", "file", path, "err", err)

				return err
			}

			logger.Info("deleted stale partial file", "file", path)
		}
	}

	return nil
}

// PruneRecords deletes terminal job records whose last update predates
// keepDuration.
func PruneRecords(ctx context.Context, repo storage.JobWriteRepository, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	cutoff := time.Now().Add(-keepDuration).Format(time.RFC3339)

	pruned, err := repo.PruneTerminal(cutoff)
	if err != nil {
		return err
	}

	if pruned > 0 {
		logger.Info("pruned terminal job records", "count", pruned)
	}

	return nil
}
