package artifact

import (
	"context"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSFetcher downloads gs://bucket/object artifacts.
type GCSFetcher struct {
	anonymous bool

	mu     sync.Mutex
	client *storage.Client
}

func NewGCSFetcher(anonymous bool) *GCSFetcher {
	return &GCSFetcher{anonymous: anonymous}
}

func (f *GCSFetcher) storageClient(ctx context.Context) (*storage.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return f.client, nil
	}

	var opts []option.ClientOption
	if f.anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	// The client outlives the first request's context.
	client, err := storage.NewClient(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: gcs client: %w", err)
	}
	f.client = client
	return client, nil
}

func (f *GCSFetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	bucket, object, err := bucketAndKey(rawURL)
	if err != nil {
		return 0, err
	}

	client, err := f.storageClient(ctx)
	if err != nil {
		return 0, err
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return 0, fmt.Errorf("artifact: gcs open %s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	n, err := io.Copy(dst, r)
	if err != nil {
		return n, fmt.Errorf("artifact: gcs read %s/%s: %w", bucket, object, err)
	}
	return n, nil
}

// Close releases the underlying client if one was created.
func (f *GCSFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}
