package media_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/phototransfer/internal/media"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestFileMaterializerRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := media.NewFileMaterializer(t.TempDir())

	path := writeFile(t, dir, "photo.jpg", "jpeg")

	tests := []struct {
		name    string
		ref     string
		wantErr error
	}{
		{name: "plain path", ref: path},
		{name: "file uri", ref: "file://" + path},
		{name: "missing file", ref: filepath.Join(dir, "missing.jpg"), wantErr: media.ErrNotFound},
		{name: "directory", ref: dir, wantErr: media.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := m.Read(ctx, tt.ref)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			defer rc.Close()

			assert.Equal(t, int64(4), media.FileSize(rc))
		})
	}
}

func TestFileMaterializerWriteTemp(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "cache")
	m := media.NewFileMaterializer(cache)

	first, err := m.WriteTemp(context.Background(), strings.NewReader("hello"))
	require.NoError(t, err)

	second, err := m.WriteTemp(context.Background(), strings.NewReader("world"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, cache, filepath.Dir(first))
	assert.True(t, strings.HasPrefix(filepath.Base(first), media.TempPrefix))

	content, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestDirTargetSave(t *testing.T) {
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "incoming", "photo-bytes")
	dir := filepath.Join(t.TempDir(), "gallery")
	target := media.NewGalleryTarget(dir)

	first, err := target.Save(ctx, src, "beach.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "beach.jpg"), first)

	second, err := target.Save(ctx, src, "beach.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "beach (1).jpg"), second)

	content, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "photo-bytes", string(content))
}

func TestDirTargetAddsExtension(t *testing.T) {
	src := writeFile(t, t.TempDir(), "incoming", "x")
	dir := t.TempDir()

	got, err := media.NewPrivateTarget(dir).Save(context.Background(), src, "received_1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "received_1.jpg"), got)
}

func TestDirTargetFailures(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	empty := writeFile(t, srcDir, "empty", "")

	t.Run("missing source", func(t *testing.T) {
		_, err := media.NewPrivateTarget(t.TempDir()).Save(ctx, filepath.Join(srcDir, "nope"), "a.jpg")
		assert.ErrorIs(t, err, media.ErrNotFound)
	})

	t.Run("gallery rejects empty file", func(t *testing.T) {
		_, err := media.NewGalleryTarget(t.TempDir()).Save(ctx, empty, "a.jpg")
		assert.ErrorIs(t, err, media.ErrEmptyContent)
	})

	t.Run("private accepts empty file", func(t *testing.T) {
		_, err := media.NewPrivateTarget(t.TempDir()).Save(ctx, empty, "a.jpg")
		assert.NoError(t, err)
	})

	t.Run("unwritable directory", func(t *testing.T) {
		blocker := writeFile(t, t.TempDir(), "file", "x")

		_, err := media.NewPrivateTarget(filepath.Join(blocker, "sub")).Save(ctx, writeFile(t, srcDir, "ok", "x"), "a.jpg")
		assert.Error(t, err)
	})
}

func TestFileSizeWithoutStat(t *testing.T) {
	assert.Zero(t, media.FileSize(strings.NewReader("abc")))
}
