/*
 * vec.go, part of catflow.
 *
 * Copyright 2019 The catflow authors
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU Lesser General Public License as
 * published by the Free Software Foundation; either version 2.1 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU Lesser General
 * Public License along with this program.  If not, see
 * <http://www.gnu.org/licenses/>.
 *
 */

package vec

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

//Matrix is a set of vectors in 3D space, one per row. Within the package
//it is understood that a "vector" is a row vector, i.e. the cartesian
//coordinates of a point in 3D space. The names of several functions in
//the library reflect this.
type Matrix struct {
	*mat.Dense
}

//Matrix2Dense returns the underlying gonum Dense of A.
func Matrix2Dense(A *Matrix) *mat.Dense {
	return A.Dense
}

//Dense2Matrix wraps a gonum Dense into a Matrix. It panics if A
//does not have exactly 3 columns.
func Dense2Matrix(A *mat.Dense) *Matrix {
	_, c := A.Dims()
	if c != 3 {
		panic(ErrNotXx3Matrix)
	}
	return &Matrix{A}
}

//NewMatrix generates and returns a Matrix with 3 columns from data.
func NewMatrix(data []float64) (*Matrix, error) {
	const cols int = 3
	l := len(data)
	rows := l / cols
	if l%cols != 0 {
		return nil, Error{fmt.Sprintf("vec.NewMatrix: input slice length %d not divisible by %d", l, cols), []string{"NewMatrix"}, true}
	}
	r := mat.NewDense(rows, cols, data)
	return &Matrix{r}, nil
}

//Zeros returns a zero-filled Matrix with vecs vectors.
func Zeros(vecs int) *Matrix {
	return &Matrix{mat.NewDense(vecs, 3, nil)}
}

//NVecs returns the number of vectors in F.
func (F *Matrix) NVecs() int {
	r, c := F.Dims()
	if c != 3 {
		panic(ErrNotXx3Matrix)
	}
	return r
}

//VecView returns a view of the ith vector of F. Changes in the view
//are reflected in F and vice-versa.
func (F *Matrix) VecView(i int) *Matrix {
	r := F.Dense.Slice(i, i+1, 0, 3).(*mat.Dense)
	return &Matrix{r}
}

//View returns a view of F starting from i,0 and spanning r rows.
//Only whole vectors can be viewed, so the column span is fixed.
func (F *Matrix) View(i, r int) *Matrix {
	ret := F.Dense.Slice(i, i+r, 0, 3).(*mat.Dense)
	return &Matrix{ret}
}

//SetMatrix puts the matrix A in the receiver, starting from the ith
//vector of the receiver.
func (F *Matrix) SetMatrix(i int, A *Matrix) {
	b := F.RawMatrix()
	ar, _ := A.Dims()
	if ar+i > F.NVecs() {
		panic(ErrShape)
	}
	r := make([]float64, 3)
	for k := 0; k < ar; k++ {
		mat.Row(r, k, A)
		startpoint := 3 * (k + i)
		copy(b.Data[startpoint:startpoint+3], r)
	}
}

//SwapVecs swaps the ith and jth vectors of F.
func (F *Matrix) SwapVecs(i, j int) {
	if i >= F.NVecs() || j >= F.NVecs() {
		panic(ErrIndexOutOfRange)
	}
	for k := 0; k < 3; k++ {
		tmp := F.At(i, k)
		F.Set(i, k, F.At(j, k))
		F.Set(j, k, tmp)
	}
}

//SomeVecs puts in F a matrix with the vectors of A whose indexes
//are given in clist, in that order. F must have len(clist) vectors.
func (F *Matrix) SomeVecs(A *Matrix, clist []int) {
	if len(clist) != F.NVecs() || A.NVecs() < len(clist) {
		panic(ErrShape)
	}
	for key, val := range clist {
		F.SetMatrix(key, A.VecView(val))
	}
}

//SetVecs sets the vectors of F whose indexes are given in clist to
//the vectors of A, in order. A must have at least len(clist) vectors.
func (F *Matrix) SetVecs(A *Matrix, clist []int) {
	if len(clist) > F.NVecs() || A.NVecs() < len(clist) {
		panic(ErrShape)
	}
	for key, val := range clist {
		F.SetMatrix(val, A.VecView(key))
	}
}

//AddVec adds the 1x3 vector vec to every vector of A and puts
//the result in the receiver.
func (F *Matrix) AddVec(A, vec *Matrix) {
	ar, _ := A.Dims()
	vr, _ := vec.Dims()
	if vr != 1 {
		panic(ErrShape)
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < 3; j++ {
			F.Set(i, j, A.At(i, j)+vec.At(0, j))
		}
	}
}

//SubVec subtracts the 1x3 vector vec from every vector of A and
//puts the result in the receiver.
func (F *Matrix) SubVec(A, vec *Matrix) {
	ar, _ := A.Dims()
	vr, _ := vec.Dims()
	if vr != 1 {
		panic(ErrShape)
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < 3; j++ {
			F.Set(i, j, A.At(i, j)-vec.At(0, j))
		}
	}
}

//AddScaled puts A+f*B in the receiver. All three matrices must
//have the same dimensions.
func (F *Matrix) AddScaled(A, B *Matrix, f float64) {
	ar, _ := A.Dims()
	br, _ := B.Dims()
	if ar != br || F.NVecs() != ar {
		panic(ErrShape)
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < 3; j++ {
			F.Set(i, j, A.At(i, j)+f*B.At(i, j))
		}
	}
}

//Cross puts the cross product of the first vectors of a and b
//in the first vector of the receiver.
func (F *Matrix) Cross(a, b *Matrix) {
	if a.NVecs() < 1 || b.NVecs() < 1 || F.NVecs() < 1 {
		panic(ErrNoCrossProduct)
	}
	F.Set(0, 0, a.At(0, 1)*b.At(0, 2)-a.At(0, 2)*b.At(0, 1))
	F.Set(0, 1, a.At(0, 2)*b.At(0, 0)-a.At(0, 0)*b.At(0, 2))
	F.Set(0, 2, a.At(0, 0)*b.At(0, 1)-a.At(0, 1)*b.At(0, 0))
}

//Dot returns the dot product of F and B taken as flat vectors, i.e.
//the sum of the elementwise products. F and B must have the same
//number of vectors.
func (F *Matrix) Dot(B *Matrix) float64 {
	if F.NVecs() != B.NVecs() {
		panic(ErrShape)
	}
	a := F.RawMatrix()
	b := B.RawMatrix()
	d := 0.0
	for i := range a.Data {
		d += a.Data[i] * b.Data[i]
	}
	return d
}

//Norm returns the Frobenius norm of F. For a 1x3 Matrix this is the
//euclidean length of the vector.
func (F *Matrix) Norm() float64 {
	return mat.Norm(F.Dense, 2)
}

//Unit puts in the receiver the unit vector pointing in the direction
//of the first vector of A.
func (F *Matrix) Unit(A *Matrix) {
	norm := 1.0 / A.Norm()
	F.Scale(norm, A)
}

//Scale puts in the receiver A scaled by v. It shadows the embedded
//gonum method only to accept a Matrix argument.
func (F *Matrix) Scale(v float64, A *Matrix) {
	F.Dense.Scale(v, A.Dense)
}

//Add puts A+B in the receiver.
func (F *Matrix) Add(A, B *Matrix) {
	F.Dense.Add(A.Dense, B.Dense)
}

//Sub puts A-B in the receiver.
func (F *Matrix) Sub(A, B *Matrix) {
	F.Dense.Sub(A.Dense, B.Dense)
}

//Mul wraps the gonum Mul to take care of the case when one of the
//arguments is also the receiver. The gonum function only checks
//aliasing against the receiver's own type, so it cannot know that
//internally F.Dense == A.
func (F *Matrix) Mul(A, B mat.Matrix) {
	if mA, ok := A.(*Matrix); ok {
		A = mA.Dense
	}
	if mB, ok := B.(*Matrix); ok {
		B = mB.Dense
	}
	F.Dense.Mul(A, B)
}

//CopyOf returns a new Matrix with a copy of the contents of F.
func (F *Matrix) CopyOf() *Matrix {
	r := Zeros(F.NVecs())
	r.Dense.Copy(F.Dense)
	return r
}

//Flat returns the contents of F as a newly allocated flat slice,
//row after row.
func (F *Matrix) Flat() []float64 {
	raw := F.RawMatrix()
	r := make([]float64, len(raw.Data))
	copy(r, raw.Data)
	return r
}

func (F *Matrix) String() string {
	return fmt.Sprintf("%v", mat.Formatted(F.Dense))
}

//Errors

//Error is the error type for the package, compatible with the
//catflow Error interface.
type Error struct {
	message  string
	deco     []string
	critical bool
}

func (err Error) Error() string {
	return err.message
}

//Decorate adds the dec string to the decoration slice of strings of
//the error, and returns the resulting slice.
func (err Error) Decorate(dec string) []string {
	err.deco = append(err.deco, dec)
	return err.deco
}

//Critical returns whether the error is critical or can be ignored.
func (err Error) Critical() bool { return err.critical }

//PanicMsg is a message used for panics. It does satisfy the error
//interface, but for errors use Error.
type PanicMsg string

func (v PanicMsg) Error() string { return string(v) }

const (
	ErrNotXx3Matrix      = PanicMsg("catflow/vec: A Matrix should have 3 columns")
	ErrNoCrossProduct    = PanicMsg("catflow/vec: Invalid matrix for cross product")
	ErrNotEnoughElements = PanicMsg("catflow/vec: not enough elements in Matrix")
	ErrShape             = PanicMsg("catflow/vec: Dimension mismatch")
	ErrIndexOutOfRange   = PanicMsg("catflow/vec: index out of range")
)
