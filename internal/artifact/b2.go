package artifact

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Backblaze/blazer/b2"

	"github.com/breeze-rmm/codepush/internal/secmem"
)

// B2Fetcher downloads b2://bucket/object artifacts from Backblaze B2.
type B2Fetcher struct {
	accountID string
	appKey    *secmem.SecureString

	mu     sync.Mutex
	client *b2.Client
}

func NewB2Fetcher(accountID string, appKey *secmem.SecureString) *B2Fetcher {
	return &B2Fetcher{accountID: accountID, appKey: appKey}
}

func (f *B2Fetcher) b2Client(ctx context.Context) (*b2.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return f.client, nil
	}
	client, err := b2.NewClient(context.WithoutCancel(ctx), f.accountID, f.appKey.Reveal())
	if err != nil {
		return nil, fmt.Errorf("artifact: b2 authorize: %w", err)
	}
	f.client = client
	return client, nil
}

func (f *B2Fetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	bucketName, object, err := bucketAndKey(rawURL)
	if err != nil {
		return 0, err
	}

	client, err := f.b2Client(ctx)
	if err != nil {
		return 0, err
	}

	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return 0, fmt.Errorf("artifact: b2 bucket %s: %w", bucketName, err)
	}

	r := bucket.Object(object).NewReader(ctx)
	defer r.Close()

	n, err := io.Copy(dst, r)
	if err != nil {
		return n, fmt.Errorf("artifact: b2 read %s/%s: %w", bucketName, object, err)
	}
	return n, nil
}
