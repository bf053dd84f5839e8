// Package artifact downloads patch artifacts. The fetcher is chosen by the
// scheme of the download URL the patch server hands out.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/internal/secmem"
)

var log = logging.L("artifact")

// ErrUnsupportedScheme is returned for a URL no fetcher is registered for.
var ErrUnsupportedScheme = errors.New("artifact: unsupported url scheme")

// Fetcher streams the object at rawURL into dst and returns the number of
// bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error)
}

// Credentials for the cloud fetchers. Secrets are held redacted.
type Credentials struct {
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey *secmem.SecureString
	S3Anonymous       bool
	GCSAnonymous      bool
	B2AccountID       string
	B2ApplicationKey  *secmem.SecureString
	// FileRoot enables file:// downloads. Paths must stay inside it.
	FileRoot string
}

// Registry dispatches downloads by URL scheme.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// NewDefaultRegistry registers every built-in fetcher. Cloud clients are
// created on first use. file:// is only served with a FileRoot, so a
// download URL can never name an arbitrary local file.
func NewDefaultRegistry(httpClient *http.Client, creds Credentials) *Registry {
	r := NewRegistry()
	hf := NewHTTPFetcher(httpClient)
	r.Register("http", hf)
	r.Register("https", hf)
	if creds.FileRoot != "" {
		r.Register("file", NewFileFetcher(creds.FileRoot))
	}
	r.Register("s3", NewS3Fetcher(creds.S3Region, creds.S3AccessKeyID, creds.S3SecretAccessKey, creds.S3Anonymous))
	r.Register("gs", NewGCSFetcher(creds.GCSAnonymous))
	r.Register("azblob", NewAzureBlobFetcher())
	if creds.B2AccountID != "" && !creds.B2ApplicationKey.Empty() {
		r.Register("b2", NewB2Fetcher(creds.B2AccountID, creds.B2ApplicationKey))
	}
	return r
}

// Register installs f for scheme, replacing any previous fetcher.
func (r *Registry) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[strings.ToLower(scheme)] = f
}

// Schemes lists the registered schemes.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		out = append(out, s)
	}
	return out
}

// Fetch downloads rawURL into dst with the fetcher for its scheme.
func (r *Registry) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("artifact: parse url: %w", err)
	}

	r.mu.RLock()
	f, ok := r.fetchers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}

	log.Debug("fetching artifact", "scheme", u.Scheme, "host", u.Host)
	return f.Fetch(ctx, rawURL, dst)
}

// bucketAndKey splits scheme://bucket/key/with/slashes.
func bucketAndKey(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("artifact: %q must look like %s://bucket/key", rawURL, u.Scheme)
	}
	return u.Host, key, nil
}
