// Package overlay draws per-slice vector content on a transparent layer above
// a viewport.
package overlay

import (
	"context"
	"fmt"
	"image"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/internal/render"
	"github.com/tissuestack/viewer/internal/viewport"
	"github.com/tissuestack/viewer/pkg/vector"
)

// Source resolves overlay content.
type Source interface {
	// SliceMappings maps slice indices to overlay resource ids.
	SliceMappings(ctx context.Context, datasetID string, plane extent.Plane) (map[int]string, error)
	// Commands returns the drawing commands of a resource.
	Commands(ctx context.Context, id string) ([]vector.Command, error)
}

// Overlay is one vector layer for a dataset plane.
type Overlay struct {
	id        string
	datasetID string
	plane     extent.Plane
	source    Source
	commands  *lru.Cache[string, []vector.Command]

	mu       sync.Mutex
	mapping  map[int]string
	selected bool
	canvas   *image.RGBA
	drawn    uint64
}

// New creates an overlay. It is selected by default.
func New(id, datasetID string, plane extent.Plane, source Source) *Overlay {
	commands, _ := lru.New[string, []vector.Command](64)
	return &Overlay{
		id:        id,
		datasetID: datasetID,
		plane:     plane,
		source:    source,
		commands:  commands,
		selected:  true,
		canvas:    image.NewRGBA(image.Rectangle{}),
	}
}

// ID returns the overlay id.
func (o *Overlay) ID() string { return o.id }

// Select shows or hides the overlay.
func (o *Overlay) Select(selected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.selected = selected
}

// Selected reports whether the overlay is shown.
func (o *Overlay) Selected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

// Resource returns the resource id for slice. The slice map is fetched on
// first use; after a failed fetch the next call tries again.
func (o *Overlay) Resource(ctx context.Context, slice int) (string, bool, error) {
	o.mu.Lock()
	mapping := o.mapping
	o.mu.Unlock()

	if mapping == nil {
		m, err := o.source.SliceMappings(ctx, o.datasetID, o.plane)
		if err != nil {
			return "", false, fmt.Errorf("failed to fetch slice mapping for %s/%s: %w", o.datasetID, o.plane, err)
		}
		if m == nil {
			m = map[int]string{}
		}
		o.mu.Lock()
		o.mapping = m
		o.mu.Unlock()
		mapping = m
	}

	id, ok := mapping[slice]
	return id, ok, nil
}

// Draw renders the content of the frame's slice onto the overlay canvas.
// Frames of other datasets or planes are ignored.
func (o *Overlay) Draw(ctx context.Context, f viewport.Frame) error {
	if f.Plane != o.plane {
		return nil
	}

	var cmds []vector.Command
	if o.Selected() && f.Visible {
		id, ok, err := o.Resource(ctx, f.Slice)
		if err != nil {
			return err
		}
		if ok {
			cmds, err = o.content(ctx, id)
			if err != nil {
				return err
			}
		}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, f.Size.X, f.Size.Y))
	if len(cmds) > 0 {
		render.DrawCommands(canvas, cmds, f.Projection())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if f.Epoch < o.drawn {
		return nil
	}
	o.drawn = f.Epoch
	o.canvas = canvas
	return nil
}

func (o *Overlay) content(ctx context.Context, id string) ([]vector.Command, error) {
	if cmds, ok := o.commands.Get(id); ok {
		return cmds, nil
	}
	cmds, err := o.source.Commands(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch overlay %s: %w", id, err)
	}
	if err := vector.Validate(cmds); err != nil {
		return nil, err
	}
	o.commands.Add(id, cmds)
	return cmds, nil
}

// Image returns a copy of the overlay canvas.
func (o *Overlay) Image() *image.RGBA {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := image.NewRGBA(o.canvas.Rect)
	copy(out.Pix, o.canvas.Pix)
	return out
}

// Attach redraws the overlay after every frame of v on its own goroutine
// until ctx is done. Only the latest pending frame is drawn. The returned
// channel receives the epoch of each drawn frame; sends are dropped while it
// is full.
func (o *Overlay) Attach(ctx context.Context, v *viewport.Viewport) <-chan uint64 {
	pending := make(chan viewport.Frame, 1)
	drawn := make(chan uint64, 16)

	v.OnRendered(func(f viewport.Frame) {
		if f.DatasetID != o.datasetID {
			return
		}
		for {
			select {
			case pending <- f:
				return
			default:
			}
			select {
			case <-pending:
			default:
			}
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-pending:
				if err := o.Draw(ctx, f); err != nil {
					log.Printf("[Overlay] %s: %v", o.id, err)
					continue
				}
				select {
				case drawn <- f.Epoch:
				default:
				}
			}
		}
	}()
	return drawn
}
