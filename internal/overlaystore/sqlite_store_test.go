package overlaystore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tissuestack/viewer/internal/extent"
	"github.com/tissuestack/viewer/pkg/vector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "overlays.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func line() []vector.Command {
	return []vector.Command{{Op: vector.OpLine, Points: []vector.Point{{X: 0, Y: 0}, {X: 4, Y: 4}}}}
}

func TestPutAndMappings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &Overlay{DatasetID: "ds", Plane: extent.PlaneZ, Slice: 3, Name: "a", Commands: line()}
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected generated id")
	}
	if err := s.Put(ctx, &Overlay{DatasetID: "ds", Plane: extent.PlaneY, Slice: 3, Commands: line()}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	m, err := s.SliceMappings(ctx, "ds", extent.PlaneZ)
	if err != nil {
		t.Fatalf("mappings failed: %v", err)
	}
	if len(m) != 1 || m[3] != a.ID {
		t.Fatalf("unexpected mappings %v", m)
	}

	cmds, err := s.Commands(ctx, a.ID)
	if err != nil || len(cmds) != 1 || cmds[0].Op != vector.OpLine {
		t.Fatalf("unexpected commands %+v err=%v", cmds, err)
	}

	t.Run("replaceSameSlice", func(t *testing.T) {
		b := &Overlay{DatasetID: "ds", Plane: extent.PlaneZ, Slice: 3, Name: "b", Commands: line()}
		if err := s.Put(ctx, b); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		m, _ := s.SliceMappings(ctx, "ds", extent.PlaneZ)
		if m[3] != b.ID {
			t.Fatalf("expected slice 3 to map to %s, got %v", b.ID, m)
		}
		if _, err := s.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected replaced overlay to be gone, got %v", err)
		}
	})
}

func TestPutRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, &Overlay{DatasetID: "ds", Plane: "w", Commands: line()}); !errors.Is(err, extent.ErrInvalidPlane) {
		t.Fatalf("expected invalid plane, got %v", err)
	}
	bad := []vector.Command{{Op: "script"}}
	if err := s.Put(ctx, &Overlay{DatasetID: "ds", Plane: extent.PlaneZ, Commands: bad}); !errors.Is(err, vector.ErrUnknownOp) {
		t.Fatalf("expected unknown op, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &Overlay{DatasetID: "ds", Plane: extent.PlaneX, Slice: 1, Commands: line()}
	if err := s.Put(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, o.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Delete(ctx, o.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
