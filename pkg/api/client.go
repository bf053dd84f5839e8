package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/breeze-rmm/codepush/internal/httputil"
)

const (
	checkPath  = "/api/v1/patches/check"
	eventsPath = "/api/v1/patches/events"

	maxErrorBody = 4 * 1024
)

// Client talks to the patch server. Every call is a single attempt; the
// caller decides when to try again.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// CheckURL returns the patch check endpoint.
func (c *Client) CheckURL() string {
	return c.baseURL + checkPath
}

// EventsURL returns the patch events endpoint.
func (c *Client) EventsURL() string {
	return c.baseURL + eventsPath
}

// CheckForPatch asks the server whether a newer patch exists.
func (c *Client) CheckForPatch(ctx context.Context, req *PatchCheckRequest) (*PatchCheckResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch check request: %w", err)
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, c.CheckURL(), body, jsonHeaders())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, c.CheckURL()); err != nil {
		return nil, err
	}

	var checkResp PatchCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&checkResp); err != nil {
		return nil, fmt.Errorf("failed to decode patch check response: %w", err)
	}

	return &checkResp, nil
}

// ReportEvent sends one patch event. Only a 2xx counts as delivered.
func (c *Client) ReportEvent(ctx context.Context, event PatchEvent) error {
	body, err := json.Marshal(CreatePatchEventRequest{Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal patch event: %w", err)
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, c.EventsURL(), body, jsonHeaders())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, c.EventsURL()); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h
}

func checkStatus(resp *http.Response, url string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &httputil.StatusError{StatusCode: resp.StatusCode, URL: url, Body: string(bodyBytes)}
}
