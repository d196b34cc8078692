package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalFS keeps artifacts under Root on the local filesystem.
type LocalFS struct {
	Root string
	// BaseURL prefixes references in URL. Defaults to a file:// URL of Root.
	BaseURL string
}

// NewLocalFS creates the root directory if needed.
func NewLocalFS(root, baseURL string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if baseURL == "" {
		baseURL = "file://" + filepath.ToSlash(abs)
	}
	return &LocalFS{Root: abs, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// resolve maps a reference to a path inside Root and rejects escapes.
func (l *LocalFS) resolve(ref string) (string, string, error) {
	clean := path.Clean("/" + filepath.ToSlash(ref))[1:]
	if clean == "" || clean == "." {
		return "", "", fmt.Errorf("invalid blob reference %q", ref)
	}
	return clean, filepath.Join(l.Root, filepath.FromSlash(clean)), nil
}

// Save writes to a temporary file first so readers never observe partial artifacts.
func (l *LocalFS) Save(ctx context.Context, ref string, r io.Reader) (string, error) {
	clean, abs, err := l.resolve(ref)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", err
	}
	return clean, nil
}

func (l *LocalFS) Open(ctx context.Context, ref string) (*Object, error) {
	clean, abs, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", clean, ErrNotExist)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Object{
		ReadSeekCloser: f,
		Name:           clean,
		Size:           info.Size(),
		ModTime:        info.ModTime(),
	}, nil
}

func (l *LocalFS) Delete(ctx context.Context, ref string) error {
	_, abs, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *LocalFS) URL(ref string) string {
	clean, _, err := l.resolve(ref)
	if err != nil {
		return ""
	}
	return l.BaseURL + "/" + clean
}
