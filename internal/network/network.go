// Package network is the updater's only contact with the outside world:
// patch checks, event delivery, and artifact downloads. Every call is a
// single attempt bounded by a timeout.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/codepush/internal/artifact"
	"github.com/breeze-rmm/codepush/internal/httputil"
	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/pkg/api"
)

var log = logging.L("network")

// Operations reported in NetworkError.Op.
const (
	OpCheck    = "check"
	OpEvent    = "event"
	OpDownload = "download"
)

// ErrBadResponse marks a response that parsed but made no sense.
var ErrBadResponse = errors.New("bad server response")

// NetworkError is any failure talking to the server or a storage backend.
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("network %s %s", e.Op, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Timeout {
		msg += " (timeout)"
	}
	return msg + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Transport is what the update orchestrator needs from the network.
type Transport interface {
	CheckForPatch(ctx context.Context, req *api.PatchCheckRequest) (*api.PatchCheckResponse, error)
	ReportEvent(ctx context.Context, event api.PatchEvent) error
	Download(ctx context.Context, rawURL, destPath string) (int64, error)
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	DownloadTimeout time.Duration
	HTTPClient      *http.Client
	Fetcher         artifact.Fetcher
}

// Client implements Transport over HTTP and the artifact fetchers.
type Client struct {
	api             *api.Client
	fetcher         artifact.Fetcher
	timeout         time.Duration
	downloadTimeout time.Duration
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httputil.NewClient(httputil.ClientOptions{Timeout: opts.Timeout})
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = artifact.NewDefaultRegistry(httpClient, artifact.Credentials{})
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	downloadTimeout := opts.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 10 * timeout
	}
	return &Client{
		api:             api.NewClient(opts.BaseURL, httpClient),
		fetcher:         fetcher,
		timeout:         timeout,
		downloadTimeout: downloadTimeout,
	}
}

// CheckForPatch asks the server for a newer patch. A response claiming a
// patch without describing it is a NetworkError.
func (c *Client) CheckForPatch(ctx context.Context, req *api.PatchCheckRequest) (*api.PatchCheckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CheckForPatch(ctx, req)
	if err != nil {
		return nil, classify(OpCheck, c.api.CheckURL(), err)
	}
	if resp.PatchAvailable && resp.Patch == nil {
		return nil, &NetworkError{Op: OpCheck, URL: c.api.CheckURL(), Err: fmt.Errorf("%w: patch_available without patch", ErrBadResponse)}
	}
	if resp.Patch != nil && (resp.Patch.DownloadURL == "" || resp.Patch.Hash == "") {
		return nil, &NetworkError{Op: OpCheck, URL: c.api.CheckURL(), Err: fmt.Errorf("%w: patch %d missing download_url or hash", ErrBadResponse, resp.Patch.Number)}
	}
	return resp, nil
}

// ReportEvent delivers a single patch event.
func (c *Client) ReportEvent(ctx context.Context, event api.PatchEvent) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.api.ReportEvent(ctx, event); err != nil {
		return classify(OpEvent, c.api.EventsURL(), err)
	}
	return nil
}

// Download streams rawURL to destPath. The bytes land in destPath+".part"
// first and are renamed into place only once complete, so destPath never
// holds a partial download.
func (c *Client) Download(ctx context.Context, rawURL, destPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, &NetworkError{Op: OpDownload, URL: rawURL, Err: err}
	}

	part := destPath + ".part"
	f, err := os.OpenFile(part, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &NetworkError{Op: OpDownload, URL: rawURL, Err: err}
	}

	n, err := c.fetcher.Fetch(ctx, rawURL, f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return n, classify(OpDownload, rawURL, err)
	}

	if err := os.Rename(part, destPath); err != nil {
		_ = os.Remove(part)
		return n, &NetworkError{Op: OpDownload, URL: rawURL, Err: err}
	}

	log.Info("download complete",
		logging.KeyURL, rawURL,
		"bytes", n,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return n, nil
}

func classify(op, url string, err error) error {
	ne := &NetworkError{Op: op, URL: url, Err: err}

	var se *httputil.StatusError
	if errors.As(err, &se) {
		ne.StatusCode = se.StatusCode
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		ne.Timeout = true
	}
	return ne
}
