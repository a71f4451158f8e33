// Package cleanup removes transient copies left behind by transfers.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/phototransfer/internal/logctx"
)

// Matcher selects the files of a directory that may be deleted.
type Matcher func(name string) bool

// WithPrefix matches file names starting with prefix.
func WithPrefix(prefix string) Matcher {
	return func(name string) bool {
		return strings.HasPrefix(name, prefix)
	}
}

// Any matches every file.
func Any(string) bool { return true }

// DeleteExpiredFiles deletes the files of dir accepted by match whose modification time is older than keepDuration.
// Subdirectories are walked; a missing dir is not an error. It returns the number of deleted files.
func DeleteExpiredFiles(ctx context.Context, dir string, match Matcher, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var (
		deleted int
		freed   int64
	)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() || !match(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			logger.Error("Failed to stat file", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("Failed to delete expired file", "file", path, "err", err)

			return err
		}

		deleted++
		freed += info.Size()

		logger.Debug("Deleted expired file", "file", path)

		return nil
	})

	if deleted > 0 {
		logger.Info("Deleted expired files", "dir", dir, "count", deleted, "freed", humanize.Bytes(uint64(freed)))
	}

	return deleted, err
}

// Dir is a directory swept by Run.
type Dir struct {
	Path  string
	Match Matcher
}

// Run sweeps dirs every interval until ctx is done.
func Run(ctx context.Context, interval, keepDuration time.Duration, dirs ...Dir) error {
	logger := logctx.LoggerFromContext(ctx)

	sweep := func() {
		for _, d := range dirs {
			if _, err := DeleteExpiredFiles(ctx, d.Path, d.Match, keepDuration); err != nil && ctx.Err() == nil {
				logger.Error("cleanup failed", "dir", d.Path, "err", err)
			}
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}
