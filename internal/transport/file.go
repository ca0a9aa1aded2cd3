package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher serves payloads from a directory tree. Sources are either
// file:// URLs or plain paths; both must resolve inside the root.
type FileFetcher struct {
	dir      string
	root     *os.Root
	maxBytes int64
}

func NewFileFetcher(dir string, maxBytes int64) (*FileFetcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("open file root: %w", err)
	}
	return &FileFetcher{dir: abs, root: root, maxBytes: maxBytes}, nil
}

// Close releases the root directory handle.
func (f *FileFetcher) Close() error {
	return f.root.Close()
}

func (f *FileFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := f.relative(source)
	if err != nil {
		return nil, err
	}

	file, err := f.root.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readLimited(file, f.maxBytes)
}

func (f *FileFetcher) relative(source string) (string, error) {
	p := source
	if strings.HasPrefix(source, "file:") {
		u, err := url.Parse(source)
		if err != nil {
			return "", fmt.Errorf("parse source url: %w", err)
		}
		p = u.Path
	}
	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	rel, err := filepath.Rel(f.dir, p)
	if err != nil {
		return "", err
	}
	return rel, nil
}
