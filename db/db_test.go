package db

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Connect(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// bulkImages builds a short fake relaxation path of a cubic CuO cell,
// with the given energy on the final image.
func bulkImages(t *testing.T, frames int, finalEnergy float64) []*chem.Structure {
	t.Helper()
	images := make([]*chem.Structure, 0, frames)
	for i := 0; i < frames; i++ {
		atoms := []*chem.Atom{{Symbol: "Cu"}, {Symbol: "O"}}
		coords, err := vec.NewMatrix([]float64{
			0, 0, 0,
			1.8 + 0.01*float64(i), 1.8, 1.8,
		})
		if err != nil {
			t.Fatal(err)
		}
		S, err := chem.MakeStructure(atoms, coords)
		if err != nil {
			t.Fatal(err)
		}
		S.Cell = chem.Cell{{3.6, 0, 0}, {0, 3.6, 0}, {0, 0, 3.6}}
		S.PBC = [3]bool{true, true, true}
		S.SetFixed([]int{0})
		S.SetEnergy(finalEnergy + 0.1*float64(frames-1-i))
		images = append(images, S)
	}
	images[len(images)-1].Info = map[string]interface{}{"calculator": "espresso"}
	return images
}

func TestConnectSchemes(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{
		filepath.Join(dir, "plain.db"),
		"sqlite:" + filepath.Join(dir, "scheme.db"),
		"sqlite::memory:",
	} {
		d, err := Connect(dsn)
		if err != nil {
			t.Fatalf("Connect(%q): %v", dsn, err)
		}
		if err := d.Ping(context.Background()); err != nil {
			t.Errorf("Ping(%q): %v", dsn, err)
		}
		if err := d.Close(); err != nil {
			t.Errorf("Close(%q): %v", dsn, err)
		}
	}
}

func TestUpdateBulkEntry(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	images := bulkImages(t, 2, -100.5)
	tag := images[1].PrototypeTag(1e-2)

	id, err := d.UpdateBulkEntry(ctx, images)
	if err != nil {
		t.Fatal(err)
	}
	s, err := d.GetSystem(ctx, tag)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != id {
		t.Errorf("id %d, want %d", s.ID, id)
	}
	if s.Formula != "CuO" {
		t.Errorf("formula %q, want CuO", s.Formula)
	}
	if s.NAtoms != 2 {
		t.Errorf("natoms %d, want 2", s.NAtoms)
	}
	if math.Abs(s.Energy-(-100.5)) > 1e-9 {
		t.Errorf("energy %v, want -100.5", s.Energy)
	}
	if s.Structure == nil || s.Structure.Len() != 2 {
		t.Fatalf("stored structure did not decode: %+v", s.Structure)
	}
	if !s.Structure.Bulk() {
		t.Error("stored structure lost its periodicity")
	}
	if len(s.Structure.Fixed) != 1 || s.Structure.Fixed[0] != 0 {
		t.Errorf("stored structure fixed %v, want [0]", s.Structure.Fixed)
	}
	if s.Metadata["calculator"] != "espresso" {
		t.Errorf("metadata %v, want calculator=espresso", s.Metadata)
	}
	if s.Created.IsZero() || s.Updated.IsZero() {
		t.Error("timestamps not recorded")
	}
	path, err := d.GetTrajectory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 2 {
		t.Fatalf("stored path has %d steps, want 2", len(path))
	}
	e0, err := path[0].Energy()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(e0-(-100.4)) > 1e-9 {
		t.Errorf("first step energy %v, want -100.4", e0)
	}
}

func TestUpdateBulkEntryReplaces(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	first := bulkImages(t, 2, -100.5)
	tag := first[1].PrototypeTag(1e-2)
	id1, err := d.UpdateBulkEntry(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	// same prototype, deeper minimum: the entry must be replaced in place
	second := bulkImages(t, 3, -101.0)
	id2, err := d.UpdateBulkEntry(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("re-relaxation created a new entry: %d then %d", id1, id2)
	}
	s, err := d.GetSystem(ctx, tag)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(s.Energy-(-101.0)) > 1e-9 {
		t.Errorf("energy %v, want -101.0", s.Energy)
	}
	path, err := d.GetTrajectory(ctx, id2)
	if err != nil {
		t.Fatal(err)
	}
	if len(path) != 3 {
		t.Errorf("stored path has %d steps, want 3", len(path))
	}
	all, err := d.ListSystems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("%d systems stored, want 1", len(all))
	}
}

func TestGetSystemNotFound(t *testing.T) {
	d := openTestDB(t)
	_, err := d.GetSystem(context.Background(), "no-such-tag")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	_, err = d.GetTrajectory(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestClosed(t *testing.T) {
	d := openTestDB(t)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := d.UpdateBulkEntry(context.Background(), bulkImages(t, 1, 0)); err == nil {
		t.Error("write on a closed connection did not error")
	}
	if _, err := d.ListSystems(context.Background()); err == nil {
		t.Error("read on a closed connection did not error")
	}
}

func TestEmptyTrajectoryRejected(t *testing.T) {
	d := openTestDB(t)
	if _, err := d.UpdateBulkEntry(context.Background(), nil); err == nil {
		t.Error("empty trajectory did not error")
	}
}
