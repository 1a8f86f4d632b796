package traj

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

func sample() *chem.Structure {
	ats := []*chem.Atom{
		{Symbol: "Pt", Tag: 1},
		{Symbol: "O"},
		{Symbol: "H"},
		{Symbol: "H"},
	}
	coords, _ := vec.NewMatrix([]float64{
		0.0, 0.0, 0.0,
		0.1, 0.2, 2.1,
		0.9, 0.2, 2.7,
		-0.7, 0.3, 2.6,
	})
	s, err := chem.MakeStructure(ats, coords)
	if err != nil {
		panic(err.Error())
	}
	s.Cell = chem.Cell{{8, 0, 0}, {0, 8, 0}, {0, 0, 20}}
	s.PBC = [3]bool{true, true, false}
	s.SetFixed([]int{0})
	s.SetEnergy(-31.25)
	s.Info = map[string]interface{}{
		"calculator_parameters": map[string]interface{}{
			"calculator_name": "espresso",
			"calculation":     "relax",
			"ecutwfc":         450.0,
		},
		"note": "water on platinum",
	}
	return s
}

func roundtrip(Te *testing.T, name string) {
	s := sample()
	forces, _ := vec.NewMatrix([]float64{
		0, 0, 0.01,
		0.02, 0, -0.01,
		0, 0.03, 0,
		-0.02, -0.03, 0,
	})
	s.Forces = forces
	s.Magmoms = []float64{0.4, 0, 0, 0}
	if err := WriteFile(name, []*chem.Structure{s, s}); err != nil {
		Te.Fatal(err)
	}
	images, err := ReadFile(name)
	if err != nil {
		Te.Fatal(err)
	}
	if len(images) != 2 {
		Te.Fatalf("expected 2 frames, got %d", len(images))
	}
	r := images[1]
	if r.Len() != 4 || r.Atoms[0].Symbol != "Pt" || r.Atoms[0].Tag != 1 {
		Te.Error("atoms did not round-trip", r.Atoms[0])
	}
	for i := 0; i < r.Len(); i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(r.Coords.At(i, j)-s.Coords.At(i, j)) > 1e-8 {
				Te.Errorf("coordinate %d,%d did not round-trip: %v vs %v", i, j, r.Coords.At(i, j), s.Coords.At(i, j))
			}
		}
	}
	if r.Cell != s.Cell || r.PBC != s.PBC {
		Te.Error("cell or pbc did not round-trip", r.Cell, r.PBC)
	}
	if len(r.Fixed) != 1 || r.Fixed[0] != 0 {
		Te.Error("constraints did not round-trip", r.Fixed)
	}
	e, err := r.Energy()
	if err != nil || math.Abs(e+31.25) > 1e-8 {
		Te.Error("energy did not round-trip", e, err)
	}
	if r.Forces == nil || math.Abs(r.Forces.At(1, 0)-0.02) > 1e-8 {
		Te.Error("forces did not round-trip")
	}
	if r.Magmoms == nil || math.Abs(r.Magmoms[0]-0.4) > 1e-8 {
		Te.Error("moments did not round-trip", r.Magmoms)
	}
	params, ok := r.Info["calculator_parameters"].(map[string]interface{})
	if !ok {
		Te.Fatal("calculator parameters did not round-trip", r.Info)
	}
	if params["calculator_name"] != "espresso" || params["ecutwfc"] != 450.0 {
		Te.Error("wrong calculator parameters", params)
	}
	if r.Atoms[0].Mass == 0 {
		Te.Error("the reader should fill known masses")
	}
}

func TestRoundTrip(Te *testing.T) {
	dir := Te.TempDir()
	roundtrip(Te, filepath.Join(dir, "sample.traj"))
}

func TestRoundTripGzip(Te *testing.T) {
	dir := Te.TempDir()
	roundtrip(Te, filepath.Join(dir, "sample.traj.gz"))
}

func TestRoundTripZstd(Te *testing.T) {
	dir := Te.TempDir()
	roundtrip(Te, filepath.Join(dir, "sample.traj.zst"))
}

func TestReaderStream(Te *testing.T) {
	dir := Te.TempDir()
	name := filepath.Join(dir, "stream.traj")
	s := sample()
	w, err := NewWriter(name)
	if err != nil {
		Te.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		s.Coords.Set(0, 2, float64(i))
		if err := w.WNext(s); err != nil {
			Te.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		Te.Fatal(err)
	}
	r, err := NewReader(name)
	if err != nil {
		Te.Fatal(err)
	}
	frames := 0
	for {
		f, err := r.Next()
		if err != nil {
			if _, ok := err.(chem.LastFrameError); ok {
				break
			}
			Te.Fatal(err)
		}
		if math.Abs(f.Coords.At(0, 2)-float64(frames)) > 1e-8 {
			Te.Errorf("frame %d has wrong coordinate %v", frames, f.Coords.At(0, 2))
		}
		frames++
	}
	if frames != 5 {
		Te.Errorf("expected 5 frames, got %d", frames)
	}
	if r.Readable() {
		Te.Error("the Reader should not be readable after the last frame")
	}
	if r.Len() != 4 {
		Te.Errorf("expected 4 atoms per frame, got %d", r.Len())
	}
	fmt.Println("frames read:", frames)
}

func TestReadFirst(Te *testing.T) {
	dir := Te.TempDir()
	name := filepath.Join(dir, "first.traj")
	s := sample()
	s2 := s.Copy()
	s2.Coords.Set(0, 0, 42)
	if err := WriteFile(name, []*chem.Structure{s, s2}); err != nil {
		Te.Fatal(err)
	}
	got, err := Read(name)
	if err != nil {
		Te.Fatal(err)
	}
	if got.Coords.At(0, 0) == 42 {
		Te.Error("Read should return the first frame")
	}
	if _, err := Read(filepath.Join(dir, "missing.traj")); err == nil {
		Te.Error("reading a missing file should fail")
	}
}
