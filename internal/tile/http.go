package tile

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPFetcher loads tiles from a tile server laid out as
// {base}/d/{dataset}/tiles/{zoom}/{plane}/{slice}/{row}_{col}[_{colormap}].{format}.
type HTTPFetcher struct {
	baseURL string
	format  string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client gets a 30 second timeout.
func NewHTTPFetcher(baseURL, format string, client *http.Client) *HTTPFetcher {
	if format == "" {
		format = "png"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		format:  format,
		client:  client,
	}
}

// URL returns the resource address of key.
func (f *HTTPFetcher) URL(key Key) string {
	return f.baseURL + "/d/" + url.PathEscape(key.DatasetID) + "/tiles/" + key.Path(f.format)
}

// Fetch downloads and decodes a tile.
func (f *HTTPFetcher) Fetch(ctx context.Context, key Key) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		return nil, fmt.Errorf("failed to fetch tile %s: status %d", key, resp.StatusCode)
	}

	return Decode(resp.Body)
}

// Exists probes for a tile with a HEAD request.
func (f *HTTPFetcher) Exists(ctx context.Context, key Key) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.URL(key), nil)
	if err != nil {
		return false, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to probe tile %s: %w", key, err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("failed to probe tile %s: status %d", key, resp.StatusCode)
	}
}
