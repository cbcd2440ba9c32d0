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
	"time"
)

type LocalStore struct {
	dir string
	now func() time.Time
}

func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &LocalStore{dir: abs, now: time.Now}, nil
}

func (s *LocalStore) Save(ctx context.Context, sessionKey, format string, r io.Reader) (path string, err error) {
	defer func() { countUpload("local", err) }()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	format, err = NormalizeFormat(format)
	if err != nil {
		return "", err
	}
	path = filepath.Join(s.dir, filepath.FromSlash(objectName(sessionKey, format, s.now())))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	if n == 0 {
		_ = os.Remove(path)
		return "", errors.New("empty media payload")
	}
	return path, nil
}

// Remove deletes a file previously returned by Save. Paths outside the media
// directory are refused.
func (s *LocalStore) Remove(_ context.Context, path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q is outside the media directory", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
