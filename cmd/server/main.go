// Package main is the entry point for the tile viewer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natefinch/lumberjack"

	"github.com/tissuestack/viewer/internal/api"
	"github.com/tissuestack/viewer/internal/cache"
	"github.com/tissuestack/viewer/internal/config"
	"github.com/tissuestack/viewer/internal/data/tilestore"
	"github.com/tissuestack/viewer/internal/overlaystore"
	"github.com/tissuestack/viewer/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Server.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Server.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}))
	}

	log.Printf("Starting tile viewer server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		ImageCacheSize:  cfg.Cache.DecodedTiles,
		Fetcher:         registry,
		PrefetchWorkers: cfg.Cache.PrefetchWorkers,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	renderOpts := service.RenderOptions{
		Width:       cfg.Render.Width,
		Height:      cfg.Render.Height,
		Colormap:    cfg.Render.DefaultColormap,
		MaxInflight: cfg.Render.MaxInflight,
		ScaleBarPx:  cfg.Render.ScaleBarPx,
		Timeout:     time.Duration(cfg.Render.TimeoutSeconds) * time.Second,
		Prefetch:    cfg.Render.Prefetch,
	}

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		store, err := tilestore.Open(ds.TilesPath)
		if err != nil {
			log.Fatalf("Failed to open tiles for dataset %q: %v", datasetID, err)
		}

		md := store.Metadata()
		log.Printf("  [%s] Loaded from: %s", datasetID, ds.TilesPath)
		log.Printf("    Planes: %v, zoom levels: %v, tile size: %d", store.Planes(), md.ZoomLevels, md.TileSize)

		var overlays *overlaystore.Store
		if ds.OverlaysPath != "" {
			overlays, err = overlaystore.NewStore(ds.OverlaysPath)
			if err != nil {
				log.Printf("  [%s] Overlays not initialized: %v", datasetID, err)
				overlays = nil
			} else {
				log.Printf("  [%s] Overlays: %s", datasetID, ds.OverlaysPath)
			}
		}

		registry.Register(datasetID, service.NewDatasetService(service.DatasetServiceConfig{
			DatasetID: datasetID,
			Store:     store,
			Overlays:  overlays,
			Cache:     cacheManager,
			Render:    renderOpts,
		}))
	}
	defer registry.Close()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
