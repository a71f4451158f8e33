package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestDeleteExpiredFiles(t *testing.T) {
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "temp_old.jpg"), 48*time.Hour)
	touch(t, filepath.Join(dir, "temp_new.jpg"), time.Minute)
	touch(t, filepath.Join(dir, "keep_old.jpg"), 48*time.Hour)

	deleted, err := DeleteExpiredFiles(context.Background(), dir, WithPrefix("temp_"), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	assert.NoFileExists(t, filepath.Join(dir, "temp_old.jpg"))
	assert.FileExists(t, filepath.Join(dir, "temp_new.jpg"))
	assert.FileExists(t, filepath.Join(dir, "keep_old.jpg"))
}

func TestDeleteExpiredFilesWalksSubdirectories(t *testing.T) {
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "b", "123"), 48*time.Hour)
	touch(t, filepath.Join(dir, "b", "456"), time.Minute)

	deleted, err := DeleteExpiredFiles(context.Background(), dir, Any, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.FileExists(t, filepath.Join(dir, "b", "456"))
}

func TestDeleteExpiredFilesMissingDir(t *testing.T) {
	deleted, err := DeleteExpiredFiles(context.Background(), filepath.Join(t.TempDir(), "nope"), Any, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestRunSweepsImmediately(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "temp_old.jpg"), 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- Run(ctx, time.Hour, 24*time.Hour, Dir{Path: dir, Match: WithPrefix("temp_")})
	}()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "temp_old.jpg"))

		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
