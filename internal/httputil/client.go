package httputil

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// ClientOptions configures the HTTP client shared by checks and downloads.
type ClientOptions struct {
	Timeout    time.Duration
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// NewClient returns a client honoring the configured proxies. Empty proxy
// settings fall back to the HTTP_PROXY family of environment variables.
func NewClient(opts ClientOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxyFunc(opts)
	transport.DialContext = (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = opts.Timeout

	// Timeout is applied per request through context deadlines so large
	// downloads are bounded by the caller, not cut off mid-stream here.
	return &http.Client{Transport: transport}
}

func proxyFunc(opts ClientOptions) func(*http.Request) (*url.URL, error) {
	cfg := httpproxy.FromEnvironment()
	if opts.HTTPProxy != "" {
		cfg.HTTPProxy = opts.HTTPProxy
	}
	if opts.HTTPSProxy != "" {
		cfg.HTTPSProxy = opts.HTTPSProxy
	}
	if opts.NoProxy != "" {
		cfg.NoProxy = opts.NoProxy
	}
	fn := cfg.ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return fn(req.URL)
	}
}
