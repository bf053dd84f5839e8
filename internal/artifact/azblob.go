package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureBlobFetcher downloads azblob://account/container/blob artifacts. A
// SAS token may ride along in the query string; without one the container
// must allow anonymous reads.
type AzureBlobFetcher struct {
	// endpoint formats the service URL for an account. Tests point it at a
	// local server.
	endpoint func(account string) string
}

func NewAzureBlobFetcher() *AzureBlobFetcher {
	return &AzureBlobFetcher{
		endpoint: func(account string) string {
			return fmt.Sprintf("https://%s.blob.core.windows.net/", account)
		},
	}
}

func (f *AzureBlobFetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	container, blob, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if u.Host == "" || !ok || container == "" || blob == "" {
		return 0, fmt.Errorf("artifact: %q must look like azblob://account/container/blob", rawURL)
	}

	serviceURL := f.endpoint(u.Host)
	if u.RawQuery != "" {
		serviceURL += "?" + u.RawQuery
	}

	client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return 0, fmt.Errorf("artifact: azblob client: %w", err)
	}

	resp, err := client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return 0, fmt.Errorf("artifact: azblob download %s/%s: %w", container, blob, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("artifact: azblob read %s/%s: %w", container, blob, err)
	}
	return n, nil
}
