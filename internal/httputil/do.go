package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/breeze-rmm/codepush/internal/logging"
)

var log = logging.L("httputil")

// Do executes a single HTTP request. Failures are not retried here: an
// update that fails is tried again on the next externally triggered cycle.
// The body is passed as a byte slice so callers never share a reader.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		log.Debug("request failed",
			"method", method,
			logging.KeyURL, url,
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
			logging.KeyError, err,
		)
		return nil, err
	}

	log.Debug("request completed",
		"method", method,
		logging.KeyURL, url,
		"status", resp.StatusCode,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}
