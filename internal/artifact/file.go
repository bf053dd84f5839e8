package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher copies artifacts from the local filesystem (sideloading and
// tests). When Root is set, paths must resolve inside it.
type FileFetcher struct {
	Root string
}

func NewFileFetcher(root string) *FileFetcher {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &FileFetcher{Root: root}
}

func (f *FileFetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	path := filepath.FromSlash(u.Path)
	if f.Root != "" {
		path, err = containedPath(f.Root, u.Path)
		if err != nil {
			return 0, err
		}
	}

	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer src.Close()

	return io.Copy(dst, &ctxReader{ctx: ctx, r: src})
}

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	joined := filepath.Join(absBase, filepath.FromSlash(untrustedPath))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// ctxReader stops a long local copy when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
