// Package media turns content references into local files and stores received files durably.
package media

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	ErrNotFound     = errors.New("content not found")
	ErrEmptyContent = errors.New("content is empty")
)

// Materializer reads content references and writes local temporary copies.
type Materializer interface {
	// Read opens ref. A missing reference wraps ErrNotFound.
	Read(ctx context.Context, ref string) (io.ReadCloser, error)
	// WriteTemp copies r into a new local file and returns its reference.
	WriteTemp(ctx context.Context, r io.Reader) (string, error)
}

// Target is a durable destination for received files.
type Target interface {
	// Save copies localRef under fileName and returns the resulting reference.
	Save(ctx context.Context, localRef, fileName string) (string, error)
}

// LocalPath strips a file:// scheme, leaving plain paths untouched.
func LocalPath(ref string) string {
	return strings.TrimPrefix(ref, "file://")
}

// ensureExtension gives extension-less names the .jpg suffix photos are stored with.
func ensureExtension(fileName string) string {
	if strings.Contains(fileName, ".") {
		return fileName
	}

	return fileName + ".jpg"
}
