package api

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/tissuestack/viewer/internal/overlaystore"
	"github.com/tissuestack/viewer/internal/service"
	"github.com/tissuestack/viewer/internal/tile"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Planes []string `json:"planes"`
}

// DatasetRegistry holds the services of all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.DatasetService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.DatasetService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds the service of a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.DatasetService) {
	r.services[datasetID] = svc
}

// Get returns the service of a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.DatasetService {
	return r.services[datasetID]
}

// Default returns the default dataset's service.
func (r *DatasetRegistry) Default() *service.DatasetService {
	return r.services[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Tile Viewer"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		info := DatasetInfo{ID: id, Name: id}
		if name := svc.Metadata().DatasetName; name != "" {
			info.Name = name
		}
		for _, p := range svc.Planes() {
			info.Planes = append(info.Planes, string(p))
		}
		infos = append(infos, info)
	}
	return infos
}

func (r *DatasetRegistry) overlays(datasetID string) (*overlaystore.Store, error) {
	svc := r.services[datasetID]
	if svc == nil {
		return nil, service.ErrNoOverlays
	}
	return svc.Overlays()
}

// Close closes every registered service.
func (r *DatasetRegistry) Close() error {
	var errs []error
	for _, svc := range r.services {
		errs = append(errs, svc.Close())
	}
	return errors.Join(errs...)
}

// Fetch routes a tile fetch to the key's dataset. It lets the shared cache
// prefetch tiles of any dataset.
func (r *DatasetRegistry) Fetch(ctx context.Context, key tile.Key) (image.Image, error) {
	svc := r.services[key.DatasetID]
	if svc == nil {
		return nil, fmt.Errorf("%w: unknown dataset %q", tile.ErrNotFound, key.DatasetID)
	}
	return svc.Fetch(ctx, key)
}

// Exists routes an existence probe to the key's dataset.
func (r *DatasetRegistry) Exists(ctx context.Context, key tile.Key) (bool, error) {
	svc := r.services[key.DatasetID]
	if svc == nil {
		return false, nil
	}
	return svc.Exists(ctx, key)
}
