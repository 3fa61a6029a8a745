package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/pkg/vector"
)

// HTTPSource reads overlays from the viewer server.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for the server at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// MappingResponse is the body of the slice mapping endpoint.
type MappingResponse struct {
	DatasetID string            `json:"dataset_id"`
	Plane     extent.Plane      `json:"plane"`
	Slices    map[string]string `json:"slices"`
}

// SliceMappings implements Source.
func (s *HTTPSource) SliceMappings(ctx context.Context, datasetID string, plane extent.Plane) (map[int]string, error) {
	u := fmt.Sprintf("%s/api/overlays/%s/%s", s.baseURL, url.PathEscape(datasetID), plane)
	resp, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body MappingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode slice mapping: %w", err)
	}

	m := make(map[int]string, len(body.Slices))
	for k, id := range body.Slices {
		slice, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid slice %q in mapping: %w", k, err)
		}
		m[slice] = id
	}
	return m, nil
}

// Commands implements Source.
func (s *HTTPSource) Commands(ctx context.Context, id string) ([]vector.Command, error) {
	resp, err := s.get(ctx, fmt.Sprintf("%s/api/overlays/content/%s", s.baseURL, url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return vector.Decode(resp.Body)
}

func (s *HTTPSource) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %d", u, resp.StatusCode)
	}
	return resp, nil
}
