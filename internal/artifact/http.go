package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/breeze-rmm/codepush/internal/httputil"
)

// HTTPFetcher streams artifacts over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	resp, err := httputil.Do(ctx, f.client, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &httputil.StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("artifact: read body: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("artifact: short body: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}
