package vec

import (
	"fmt"
	"math"
	"testing"
)

func TestNewMatrix(Te *testing.T) {
	a := []float64{1.0, 2.0, 3, 4, 5, 6, 7, 8, 9}
	A, err := NewMatrix(a)
	if err != nil {
		Te.Fatal(err)
	}
	if A.NVecs() != 3 {
		Te.Errorf("expected 3 vectors, got %d", A.NVecs())
	}
	_, err = NewMatrix([]float64{1, 2, 3, 4})
	if err == nil {
		Te.Error("a slice of length 4 should not produce a Matrix")
	}
	View := A.VecView(1)
	View.Set(0, 0, 100)
	if A.At(1, 0) != 100 {
		Te.Error("views should share memory with the viewed Matrix")
	}
	fmt.Println("view", A, View)
}

func TestVecOps(Te *testing.T) {
	A, _ := NewMatrix([]float64{1, 2, 3, 4, 5, 6})
	row, _ := NewMatrix([]float64{10, 20, 30})
	B := Zeros(2)
	B.AddVec(A, row)
	if B.At(1, 2) != 36 {
		Te.Errorf("AddVec: expected 36, got %v", B.At(1, 2))
	}
	B.SubVec(B, row)
	if B.At(0, 0) != 1 || B.At(1, 2) != 6 {
		Te.Error("SubVec should undo AddVec", B)
	}
	B.AddScaled(A, A, -1)
	if B.Norm() != 0 {
		Te.Error("AddScaled(A,A,-1) should give zeros", B)
	}
}

func TestCrossAndUnit(Te *testing.T) {
	x, _ := NewMatrix([]float64{1, 0, 0})
	y, _ := NewMatrix([]float64{0, 1, 0})
	z := Zeros(1)
	z.Cross(x, y)
	if z.At(0, 2) != 1 {
		Te.Errorf("x cross y should be z, got %v", z)
	}
	v, _ := NewMatrix([]float64{3, 0, 4})
	v.Unit(v)
	if math.Abs(v.Norm()-1) > 1e-12 {
		Te.Errorf("unit vector norm should be 1, got %v", v.Norm())
	}
	if math.Abs(v.At(0, 0)-0.6) > 1e-12 {
		Te.Errorf("expected 0.6, got %v", v.At(0, 0))
	}
}

func TestSomeAndSetVecs(Te *testing.T) {
	a := []float64{1.0, 2.0, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}
	A, err := NewMatrix(a)
	if err != nil {
		Te.Fatal(err)
	}
	B := Zeros(3)
	cind := []int{1, 3, 5}
	B.SomeVecs(A, cind)
	if B.At(0, 0) != 4 || B.At(2, 2) != 18 {
		Te.Error("SomeVecs picked the wrong rows", B)
	}
	B.Set(1, 1, 55)
	A.SetVecs(B, cind)
	if A.At(3, 1) != 55 {
		Te.Error("SetVecs did not write back row 3", A)
	}
	fmt.Println(A, "\n", B)
}

func TestDotNorm(Te *testing.T) {
	A, _ := NewMatrix([]float64{1, 2, 2})
	if A.Dot(A) != 9 {
		Te.Errorf("expected 9, got %v", A.Dot(A))
	}
	if A.Norm() != 3 {
		Te.Errorf("expected 3, got %v", A.Norm())
	}
	F := A.Flat()
	if len(F) != 3 || F[2] != 2 {
		Te.Error("Flat returned wrong contents", F)
	}
	F[0] = 42
	if A.At(0, 0) == 42 {
		Te.Error("Flat should return a copy")
	}
}
