package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FilesystemStore stores objects under Dir/yyyy/mm/<uuid><ext>.
type FilesystemStore struct {
	dir       string
	publicURL string
	now       func() time.Time
}

// NewFilesystemStore creates the base directory if needed.
func NewFilesystemStore(dir, publicURL string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &FilesystemStore{
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
	}, nil
}

// Dir returns the base directory, used to serve files over HTTP.
func (f *FilesystemStore) Dir() string {
	return f.dir
}

func (f *FilesystemStore) Save(ctx context.Context, nameHint, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := f.now().UTC()
	locator := path.Join(now.Format("2006"), now.Format("01"), uuid.NewString()+Extension(nameHint, contentType))
	target := filepath.Join(f.dir, filepath.FromSlash(locator))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return locator, nil
}

func (f *FilesystemStore) URL(locator string) string {
	return f.publicURL + "/" + strings.TrimLeft(locator, "/")
}

func (f *FilesystemStore) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	target, err := f.resolve(locator)
	if err != nil {
		return nil, err
	}
	return os.Open(target)
}

func (f *FilesystemStore) Delete(ctx context.Context, locator string) error {
	target, err := f.resolve(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FilesystemStore) resolve(locator string) (string, error) {
	clean := path.Clean("/" + locator)
	if clean == "/" || strings.Contains(locator, "..") {
		return "", ErrInvalidLocator
	}
	return filepath.Join(f.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Extension picks a file extension from the original filename, falling back
// to the content type and finally ".bin".
func Extension(nameHint, contentType string) string {
	if ext := strings.ToLower(path.Ext(filepath.Base(nameHint))); len(ext) > 1 && len(ext) <= 10 && !strings.ContainsAny(ext, " /\\") {
		return ext
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}
