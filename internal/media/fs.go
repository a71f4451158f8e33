package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/italolelis/phototransfer/internal/logctx"
	"github.com/italolelis/phototransfer/internal/media/progress"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// TempPrefix marks materialized copies in the cache directory.
	TempPrefix = "temp_"
)

// FileMaterializer materializes references into CacheDir.
type FileMaterializer struct {
	cacheDir string
}

func NewFileMaterializer(cacheDir string) *FileMaterializer {
	return &FileMaterializer{cacheDir: cacheDir}
}

func (m *FileMaterializer) Read(_ context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(LocalPath(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", ref, ErrNotFound)
		}

		return nil, fmt.Errorf("read %s: %w", ref, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("read %s: %w", ref, err)
	}

	if info.IsDir() {
		f.Close()

		return nil, fmt.Errorf("read %s: is a directory: %w", ref, ErrNotFound)
	}

	return f, nil
}

func (m *FileMaterializer) WriteTemp(ctx context.Context, r io.Reader) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(m.cacheDir, dirPerm); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	path := filepath.Join(m.cacheDir, TempPrefix+uuid.NewString()+".jpg")

	written, err := copyToFile(r, path, 0)
	if err != nil {
		return "", err
	}

	logger.Debug("materialized temp file", "path", path, "size", humanize.Bytes(uint64(written)))

	return path, nil
}

// DirTarget saves files into a directory, never overwriting an existing file.
type DirTarget struct {
	dir   string
	label string
	// requireContent rejects empty sources, the way the gallery does.
	requireContent bool
}

// NewGalleryTarget is the primary target: it refuses empty files.
func NewGalleryTarget(dir string) *DirTarget {
	return &DirTarget{dir: dir, label: "gallery", requireContent: true}
}

// NewPrivateTarget is the fallback target.
func NewPrivateTarget(dir string) *DirTarget {
	return &DirTarget{dir: dir, label: "private"}
}

func (t *DirTarget) String() string {
	return t.label
}

func (t *DirTarget) Save(ctx context.Context, localRef, fileName string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("target", t.label)

	src := LocalPath(localRef)

	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("save to %s: %w", t.label, ErrNotFound)
		}

		return "", fmt.Errorf("save to %s: %w", t.label, err)
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("save to %s: %s is not a regular file", t.label, src)
	}

	if t.requireContent && info.Size() == 0 {
		return "", fmt.Errorf("save to %s: %w", t.label, ErrEmptyContent)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("save to %s: %w", t.label, err)
	}
	defer in.Close()

	if err := os.MkdirAll(t.dir, dirPerm); err != nil {
		return "", fmt.Errorf("save to %s: %w", t.label, err)
	}

	dest, err := availablePath(t.dir, ensureExtension(filepath.Base(fileName)))
	if err != nil {
		return "", fmt.Errorf("save to %s: %w", t.label, err)
	}

	reader := progress.NewReader(in, info.Size(), progress.DefaultInterval, func(written, total int64) {
		logger.Debug("copying received file", "written", humanize.Bytes(uint64(written)), "total", humanize.Bytes(uint64(total)))
	})

	written, err := copyToFile(reader, dest, info.Size())
	if err != nil {
		return "", fmt.Errorf("save to %s: %w", t.label, err)
	}

	logger.Info("saved received file", "path", dest, "size", humanize.Bytes(uint64(written)))

	return dest, nil
}

// availablePath returns dir/name, or dir/name (n).ext for the first n that does not exist.
func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(dir, name)

	for n := 1; ; n++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}

		if err != nil {
			return "", err
		}

		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}

// copyToFile writes r to path. A positive want is verified against the bytes written and a
// mismatch removes the partial file.
func copyToFile(r io.Reader, path string, want int64) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	written, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}

	if err == nil && want > 0 && written != want {
		err = fmt.Errorf("incomplete copy: %d of %d bytes", written, want)
	}

	if err != nil {
		os.Remove(path)

		return written, fmt.Errorf("write %s: %w", path, err)
	}

	return written, nil
}

// FileSize returns the size of the reader when it can report one, 0 otherwise.
func FileSize(r io.Reader) int64 {
	type stater interface {
		Stat() (fs.FileInfo, error)
	}

	if s, ok := r.(stater); ok {
		if info, err := s.Stat(); err == nil {
			return info.Size()
		}
	}

	return 0
}

var (
	_ Materializer = (*FileMaterializer)(nil)
	_ Target       = (*DirTarget)(nil)
)
