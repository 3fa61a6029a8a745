// Package api provides HTTP handlers for the tile viewer server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tissuestack/viewer/internal/cache"
	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/overlay"
	"github.com/tissuestack/viewer/internal/overlaystore"
	"github.com/tissuestack/viewer/internal/service"
	"github.com/tissuestack/viewer/internal/tile"
	"github.com/tissuestack/viewer/internal/viewport"
	"github.com/tissuestack/viewer/pkg/colormap"
	"github.com/tissuestack/viewer/pkg/vector"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	// Cache is reported by the stats endpoint when set.
	Cache *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)
	r.Get("/api/stats", statsHandler(cfg.Cache))

	// Overlays, laid out as read by overlay.HTTPSource
	r.Route("/api/overlays", func(r chi.Router) {
		r.Get("/content/{id}", overlayContentHandler(cfg.Registry))
		r.Delete("/content/{id}", overlayDeleteHandler(cfg.Registry))
		r.Group(func(r chi.Router) {
			r.Use(datasetMiddleware(cfg.Registry))
			r.Get("/{dataset}/{plane}", overlayMappingHandler)
			r.Post("/{dataset}/{plane}", overlayPutHandler)
		})
	})

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/tiles/{zoom}/{plane}/{slice}/{tile}", tileHandler)
		r.Head("/tiles/{zoom}/{plane}/{slice}/{tile}", tileHandler)

		r.Get("/render/orthogonal.png", orthogonalHandler)
		r.Get("/render/{plane}.png", renderHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/extent/{plane}", extentHandler)
			r.Get("/world/{plane}", worldHandler)
			r.Get("/pixel/{plane}", pixelHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.DatasetService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.DatasetService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tile.ErrNotFound), errors.Is(err, overlaystore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, extent.ErrInvalidPlane),
		errors.Is(err, extent.ErrInvalidZoomLevel),
		errors.Is(err, viewport.ErrInvalidContrast),
		errors.Is(err, viewport.ErrInvalidSize):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrNoOverlays):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"colormaps": colormap.Names()})
}

func statsHandler(m *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			writeJSON(w, map[string]interface{}{})
			return
		}
		writeJSON(w, m.Stats())
	}
}

// tileHandler serves one stored tile; HEAD answers existence probes.
func tileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	key, ext, err := parseTileKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if want := svc.Metadata().Format; ext != want {
		http.Error(w, "tile format is "+want, http.StatusNotFound)
		return
	}

	data, err := svc.GetTile(key)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType(ext))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if r.Method == http.MethodHead {
		return
	}
	w.Write(data)
}

func parseTileKey(r *http.Request) (tile.Key, string, error) {
	zoom, err := strconv.Atoi(chi.URLParam(r, "zoom"))
	if err != nil || zoom < 0 {
		return tile.Key{}, "", errors.New("invalid zoom")
	}
	plane, err := extent.ParsePlane(chi.URLParam(r, "plane"))
	if err != nil {
		return tile.Key{}, "", err
	}
	slice, err := strconv.Atoi(chi.URLParam(r, "slice"))
	if err != nil || slice < 0 {
		return tile.Key{}, "", errors.New("invalid slice")
	}

	name := chi.URLParam(r, "tile")
	ext := strings.TrimPrefix(path.Ext(name), ".")
	row, col, cmap, err := tile.ParseName(strings.TrimSuffix(name, path.Ext(name)))
	if err != nil {
		return tile.Key{}, "", err
	}

	return tile.Key{
		DatasetID: chi.URLParam(r, "dataset"),
		Zoom:      zoom,
		Plane:     plane,
		Slice:     slice,
		Row:       row,
		Col:       col,
		Colormap:  cmap,
	}, ext, nil
}

func contentType(ext string) string {
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "tif", "tiff":
		return "image/tiff"
	case "bmp":
		return "image/bmp"
	default:
		return "image/png"
	}
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, getDatasetService(r).Metadata())
}

func extentHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	plane, err := extent.ParsePlane(chi.URLParam(r, "plane"))
	if err != nil {
		writeError(w, err)
		return
	}
	zoom, err := queryInt(r, "zoom", -1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := svc.ExtentInfo(plane, zoom)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

// worldHandler converts ?x=&y=&z= pixel coordinates at ?zoom= to world
// coordinates; ?clamp=1 limits them to the extent bounds.
func worldHandler(w http.ResponseWriter, r *http.Request) {
	convertHandler(w, r, func(svc *service.DatasetService, plane extent.Plane, zoom int, p extent.Point3) (extent.Point3, error) {
		return svc.PixelToWorld(plane, zoom, p, r.URL.Query().Get("clamp") == "1")
	})
}

// pixelHandler converts ?x=&y=&z= world coordinates to pixel coordinates at ?zoom=.
func pixelHandler(w http.ResponseWriter, r *http.Request) {
	convertHandler(w, r, func(svc *service.DatasetService, plane extent.Plane, zoom int, p extent.Point3) (extent.Point3, error) {
		return svc.WorldToPixel(plane, zoom, p)
	})
}

func convertHandler(w http.ResponseWriter, r *http.Request, convert func(*service.DatasetService, extent.Plane, int, extent.Point3) (extent.Point3, error)) {
	svc := getDatasetService(r)
	plane, err := extent.ParsePlane(chi.URLParam(r, "plane"))
	if err != nil {
		writeError(w, err)
		return
	}
	zoom, err := queryInt(r, "zoom", -1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, ok, err := queryPoint(r, "x", "y", "z")
	if err != nil || !ok {
		http.Error(w, "x, y and z are required numbers", http.StatusBadRequest)
		return
	}

	out, err := convert(svc, plane, zoom, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, out)
}

// renderHandler renders a viewport snapshot of one plane.
func renderHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	plane, err := extent.ParsePlane(strings.TrimSuffix(chi.URLParam(r, "plane"), ".png"))
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := parseViewRequest(r, plane)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	view, err := svc.RenderView(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeView(w, svc, view)
}

// orthogonalHandler renders all planes of the dataset side by side.
func orthogonalHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)

	var reqs []service.ViewRequest
	for _, plane := range svc.Planes() {
		req, err := parseViewRequest(r, plane)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqs = append(reqs, req)
	}

	views, err := svc.RenderViews(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := svc.EncodePNG(service.Mosaic(views))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func writeView(w http.ResponseWriter, svc *service.DatasetService, view *service.View) {
	data, err := svc.EncodePNG(view.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Slice", strconv.Itoa(view.Frame.Slice))
	w.Header().Set("X-Zoom-Level", strconv.Itoa(view.Frame.ZoomLevel))
	if view.Frame.Partial {
		w.Header().Set("X-Partial", "1")
	}
	w.Write(data)
}

func parseViewRequest(r *http.Request, plane extent.Plane) (service.ViewRequest, error) {
	q := r.URL.Query()
	req := service.ViewRequest{
		Plane:     plane,
		Colormap:  q.Get("colormap"),
		Crosshair: q.Get("crosshair") == "1",
		Overlays:  q.Get("overlays") == "1",
	}

	var err error
	if req.ZoomLevel, err = queryInt(r, "zoom", -1); err != nil {
		return req, err
	}
	if req.Width, err = queryInt(r, "w", 0); err != nil {
		return req, err
	}
	if req.Height, err = queryInt(r, "h", 0); err != nil {
		return req, err
	}
	if q.Has("slice_" + string(plane)) {
		slice, err := queryInt(r, "slice_"+string(plane), 0)
		if err != nil {
			return req, err
		}
		req.Slice = &slice
	} else if q.Has("slice") {
		slice, err := queryInt(r, "slice", 0)
		if err != nil {
			return req, err
		}
		req.Slice = &slice
	}

	if p, ok, err := queryPoint(r, "cx", "cy", ""); err != nil {
		return req, err
	} else if ok {
		req.Center = &p
	}
	if p, ok, err := queryPoint(r, "wx", "wy", "wz"); err != nil {
		return req, err
	} else if ok {
		req.World = &p
	}

	if q.Has("min") || q.Has("max") {
		lo, err := queryInt(r, "min", 0)
		if err != nil {
			return req, err
		}
		hi, err := queryInt(r, "max", 255)
		if err != nil {
			return req, err
		}
		req.Contrast = &[2]int{lo, hi}
	}
	return req, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

// queryPoint parses a point from up to three query parameters. It reports
// false when none of them is present. An empty name reads as zero.
func queryPoint(r *http.Request, xn, yn, zn string) (extent.Point3, bool, error) {
	q := r.URL.Query()
	if !q.Has(xn) && !q.Has(yn) && (zn == "" || !q.Has(zn)) {
		return extent.Point3{}, false, nil
	}

	var out [3]float64
	for i, name := range []string{xn, yn, zn} {
		if name == "" {
			continue
		}
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			return extent.Point3{}, false, errors.New("invalid " + name)
		}
		out[i] = v
	}
	return extent.Point3{X: out[0], Y: out[1], Z: out[2]}, true, nil
}

func overlayMappingHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	plane, err := extent.ParsePlane(chi.URLParam(r, "plane"))
	if err != nil {
		writeError(w, err)
		return
	}
	store, err := svc.Overlays()
	if err != nil {
		writeError(w, err)
		return
	}

	mappings, err := store.SliceMappings(r.Context(), svc.ID(), plane)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := overlay.MappingResponse{DatasetID: svc.ID(), Plane: plane, Slices: make(map[string]string, len(mappings))}
	for slice, id := range mappings {
		resp.Slices[strconv.Itoa(slice)] = id
	}
	writeJSON(w, resp)
}

// overlayPutHandler stores the overlay of one slice, replacing any previous one.
func overlayPutHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	plane, err := extent.ParsePlane(chi.URLParam(r, "plane"))
	if err != nil {
		writeError(w, err)
		return
	}
	store, err := svc.Overlays()
	if err != nil {
		writeError(w, err)
		return
	}

	var o overlaystore.Overlay
	if err := json.NewDecoder(io.LimitReader(r.Body, 32<<20)).Decode(&o); err != nil {
		http.Error(w, "invalid overlay: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := vector.Validate(o.Commands); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o.ID = ""
	o.DatasetID = svc.ID()
	o.Plane = plane

	if err := store.Put(r.Context(), &o); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(o)
}

func overlayContentHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		for _, dsID := range registry.DatasetIDs() {
			store, err := registry.overlays(dsID)
			if err != nil {
				continue
			}
			cmds, err := store.Commands(r.Context(), id)
			if errors.Is(err, overlaystore.ErrNotFound) {
				continue
			}
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			vector.Encode(w, cmds)
			return
		}
		http.Error(w, "overlay not found: "+id, http.StatusNotFound)
	}
}

func overlayDeleteHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		for _, dsID := range registry.DatasetIDs() {
			store, err := registry.overlays(dsID)
			if err != nil {
				continue
			}
			err = store.Delete(r.Context(), id)
			if errors.Is(err, overlaystore.ErrNotFound) {
				continue
			}
			if err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "overlay not found: "+id, http.StatusNotFound)
	}
}
