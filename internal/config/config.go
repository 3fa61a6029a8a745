// Package config handles configuration loading for the tile viewer server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultDatasetID names the dataset of a legacy single-dataset config.
const DefaultDatasetID = "default"

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
	// LogFile enables rotating file logs in addition to stderr.
	LogFile string `yaml:"log_file"`
}

// DatasetConfig locates one pre-tiled dataset.
type DatasetConfig struct {
	TilesPath    string `yaml:"tiles_path"`
	OverlaysPath string `yaml:"overlays_path"`
}

// DataConfig contains the configured datasets. Both the legacy form
//
//	data:
//	  tiles_path: ...
//
// and a map of dataset id to DatasetConfig are accepted. The first dataset in
// file order is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

// DatasetIDs returns the dataset ids in configuration order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML keeps the order of the dataset mapping.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got line %d", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		if key := node.Content[i].Value; key == "tiles_path" || key == "overlays_path" {
			var legacy DatasetConfig
			if err := node.Decode(&legacy); err != nil {
				return err
			}
			d.add(DefaultDatasetID, legacy)
			return nil
		}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", node.Content[i].Value, err)
		}
		d.add(node.Content[i].Value, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB      int `yaml:"tile_size_mb"`
	TileTTLMinutes  int `yaml:"tile_ttl_minutes"`
	DecodedTiles    int `yaml:"decoded_tiles"`
	PrefetchWorkers int `yaml:"prefetch_workers"`
}

// RenderConfig contains server-side viewport rendering settings.
type RenderConfig struct {
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	DefaultColormap string `yaml:"default_colormap"`
	MaxInflight     int    `yaml:"max_inflight"`
	ScaleBarPx      int    `yaml:"scale_bar_px"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	Prefetch        bool   `yaml:"prefetch"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Tile Viewer",
		},
		Cache: CacheConfig{
			TileSizeMB:      512,
			TileTTLMinutes:  10,
			DecodedTiles:    2048,
			PrefetchWorkers: 4,
		},
		Render: RenderConfig{
			Width:           512,
			Height:          512,
			DefaultColormap: "grey",
			MaxInflight:     8,
			ScaleBarPx:      100,
			TimeoutSeconds:  30,
		},
	}
	cfg.Data.add(DefaultDatasetID, DatasetConfig{
		TilesPath:    "./data/tiles",
		OverlaysPath: "./data/overlays.db",
	})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.DecodedTiles == 0 {
		cfg.Cache.DecodedTiles = defaults.Cache.DecodedTiles
	}
	if cfg.Cache.PrefetchWorkers == 0 {
		cfg.Cache.PrefetchWorkers = defaults.Cache.PrefetchWorkers
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.MaxInflight == 0 {
		cfg.Render.MaxInflight = defaults.Render.MaxInflight
	}
	if cfg.Render.TimeoutSeconds == 0 {
		cfg.Render.TimeoutSeconds = defaults.Render.TimeoutSeconds
	}
}
