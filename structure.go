/*
 * structure.go, part of catflow.
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

//Package catflow provides the atomic structure type used across the
//library, together with the cell/periodicity bookkeeping that workflow
//operations must preserve when they hand trajectories around.
package catflow

import (
	"fmt"
	"sort"

	"github.com/catflow/catflow/vec"
)

/*Note: several functions here panic instead of returning errors. They are "fundamental"
 * functions, and if something goes wrong in them the program is way-most likely wrong
 * and should crash. Most panics are related to calling a method on a nil object or
 * accessing out-of-bounds fields.*/

//Atom contains the static information of one atom: everything except
//for the coordinates, forces and resulting moments, which change per
//frame and live in the Structure.
type Atom struct {
	Symbol string
	Tag    int     //a free integer label, kept through calculations.
	Mass   float64 //in Daltons. Zero means "not set", see FillMasses.
	Magmom float64 //initial (input) magnetic moment, in Bohr magnetons.
}

//Copy returns a copy of the Atom object.
func (A *Atom) Copy() *Atom {
	if A == nil {
		panic(ErrNilAtoms)
	}
	Newat := new(Atom)
	Newat.Symbol = A.Symbol
	Newat.Tag = A.Tag
	Newat.Mass = A.Mass
	Newat.Magmom = A.Magmom
	return Newat
}

//Structure is one atomic configuration: a set of atoms, their cartesian
//coordinates, the periodic cell and boundary flags, the list of frozen
//atoms and a free-form metadata map. A Structure may additionally carry
//the results of a calculation (energy, forces, magnetic moments) for
//this particular geometry, so an ordered slice of Structures is a
//trajectory.
type Structure struct {
	Atoms  []*Atom
	Coords *vec.Matrix
	Cell   Cell    //zero value means no cell.
	PBC    [3]bool //periodic boundary conditions per cell vector.
	Fixed  []int   //indices of atoms constrained to their positions.
	Info   map[string]interface{}

	//results for this geometry, if any
	Forces  *vec.Matrix
	Magmoms []float64
	energy  float64
	eok     bool

	charge int
	multi  int
}

//MakeStructure builds a Structure with ats atoms and coords coordinates
//and returns it. It returns an error if either argument is nil or if
//the number of coordinate vectors does not match the number of atoms.
func MakeStructure(ats []*Atom, coords *vec.Matrix) (*Structure, error) {
	if ats == nil {
		return nil, CError{"catflow: supplied a nil atom slice", []string{"MakeStructure"}}
	}
	if coords == nil {
		return nil, CError{"catflow: supplied nil coordinates", []string{"MakeStructure"}}
	}
	if len(ats) != coords.NVecs() {
		return nil, CError{fmt.Sprintf("catflow: %d atoms but %d coordinate vectors", len(ats), coords.NVecs()), []string{"MakeStructure"}}
	}
	S := new(Structure)
	S.Atoms = ats
	S.Coords = coords
	S.Info = map[string]interface{}{}
	return S, nil
}

/*Structure methods*/

//Len returns the number of atoms in the structure.
func (S *Structure) Len() int {
	return len(S.Atoms)
}

//Atom returns the Atom corresponding to the index i.
//Panics if out of range.
func (S *Structure) Atom(i int) *Atom {
	if i >= S.Len() {
		panic(ErrAtomOutOfRange)
	}
	return S.Atoms[i]
}

//Charge gets the total charge of the structure.
func (S *Structure) Charge() int {
	return S.charge
}

//Multi returns the spin multiplicity of the structure.
func (S *Structure) Multi() int {
	return S.multi
}

//SetCharge sets the total charge of the structure to i.
func (S *Structure) SetCharge(i int) {
	S.charge = i
}

//SetMulti sets the spin multiplicity of the structure to i.
func (S *Structure) SetMulti(i int) {
	S.multi = i
}

//SetEnergy records e as the potential energy, in eV, of this geometry.
func (S *Structure) SetEnergy(e float64) {
	S.energy = e
	S.eok = true
}

//Energy returns the potential energy of this geometry, in eV, or an
//error if no energy has been recorded for it.
func (S *Structure) Energy() (float64, error) {
	if !S.eok {
		return 0, CError{"catflow: no energy recorded for this structure", []string{"Energy"}}
	}
	return S.energy, nil
}

//HasEnergy returns whether an energy has been recorded for this geometry.
func (S *Structure) HasEnergy() bool {
	return S.eok
}

//Masses returns a slice with the masses of all atoms, or an error if
//any of them has no mass assigned. It implements the Masser interface.
func (S *Structure) Masses() ([]float64, error) {
	mass := make([]float64, S.Len())
	for i := 0; i < S.Len(); i++ {
		thisatom := S.Atom(i)
		if thisatom.Mass == 0 {
			return nil, CError{fmt.Sprintf("catflow: not all masses have been obtained: %d %v", i, thisatom), []string{"Masses"}}
		}
		mass[i] = thisatom.Mass
	}
	return mass, nil
}

//FillMasses assigns to every atom with a zero mass the standard atomic
//weight for its symbol. It returns an error naming the first symbol it
//cannot resolve.
func (S *Structure) FillMasses() error {
	for i, at := range S.Atoms {
		if at.Mass != 0 {
			continue
		}
		m, ok := MassOf(at.Symbol)
		if !ok {
			return CError{fmt.Sprintf("catflow: no standard mass for symbol %q (atom %d)", at.Symbol, i), []string{"FillMasses"}}
		}
		at.Mass = m
	}
	return nil
}

//Bulk returns whether the structure is periodic in all three
//directions, i.e. whether it represents a bulk material rather than a
//surface, wire or isolated system.
func (S *Structure) Bulk() bool {
	return S.PBC[0] && S.PBC[1] && S.PBC[2]
}

//CopyInfo returns a copy of the metadata map of the structure. The
//copy is shallow: nested values are shared with the original.
func (S *Structure) CopyInfo() map[string]interface{} {
	if S.Info == nil {
		return map[string]interface{}{}
	}
	n := make(map[string]interface{}, len(S.Info))
	for k, v := range S.Info {
		n[k] = v
	}
	return n
}

//Copy returns a deep copy of the structure, including coordinates,
//constraints and any recorded results. The Info metadata map is copied
//shallowly, as by CopyInfo.
func (S *Structure) Copy() *Structure {
	if S == nil {
		panic(ErrNilAtoms)
	}
	if err := S.Corrupted(); err != nil {
		panic(err.Error())
	}
	n := new(Structure)
	n.Atoms = make([]*Atom, S.Len())
	for key, val := range S.Atoms {
		n.Atoms[key] = val.Copy()
	}
	n.Coords = S.Coords.CopyOf()
	n.Cell = S.Cell
	n.PBC = S.PBC
	n.Fixed = append([]int(nil), S.Fixed...)
	n.Info = S.CopyInfo()
	if S.Forces != nil {
		n.Forces = S.Forces.CopyOf()
	}
	if S.Magmoms != nil {
		n.Magmoms = append([]float64(nil), S.Magmoms...)
	}
	n.energy = S.energy
	n.eok = S.eok
	n.charge = S.charge
	n.multi = S.multi
	return n
}

//ClearResults removes any recorded calculation results, i.e. the
//energy, forces and computed magnetic moments, from the structure. The
//initial moments on the atoms are kept.
func (S *Structure) ClearResults() {
	S.Forces = nil
	S.Magmoms = nil
	S.energy = 0
	S.eok = false
}

//Corrupted checks whether the structure is inconsistent, i.e. whether
//the coordinates, forces or moments do not match the number of atoms.
func (S *Structure) Corrupted() error {
	if S.Coords == nil {
		return CError{string(ErrNilCoords), []string{"Corrupted"}}
	}
	if S.Len() != S.Coords.NVecs() {
		return CError{fmt.Sprintf("catflow: inconsistent atoms/coordinates: atoms %d, coords %d", S.Len(), S.Coords.NVecs()), []string{"Corrupted"}}
	}
	if S.Forces != nil && S.Forces.NVecs() != S.Len() {
		return CError{fmt.Sprintf("catflow: inconsistent atoms/forces: atoms %d, forces %d", S.Len(), S.Forces.NVecs()), []string{"Corrupted"}}
	}
	if S.Magmoms != nil && len(S.Magmoms) != S.Len() {
		return CError{fmt.Sprintf("catflow: inconsistent atoms/magmoms: atoms %d, magmoms %d", S.Len(), len(S.Magmoms)), []string{"Corrupted"}}
	}
	for _, v := range S.Fixed {
		if v < 0 || v >= S.Len() {
			return CError{fmt.Sprintf("catflow: fixed-atom index %d out of range", v), []string{"Corrupted"}}
		}
	}
	return nil
}

//SetFixed replaces the list of frozen atoms with a sorted copy of
//indexes. Duplicate indexes are kept only once.
func (S *Structure) SetFixed(indexes []int) {
	seen := map[int]bool{}
	n := make([]int, 0, len(indexes))
	for _, v := range indexes {
		if !seen[v] {
			seen[v] = true
			n = append(n, v)
		}
	}
	sort.Ints(n)
	S.Fixed = n
}

//FixedMask returns a per-atom slice which is true for atoms in the
//Fixed list of the structure.
func (S *Structure) FixedMask() []bool {
	mask := make([]bool, S.Len())
	for _, v := range S.Fixed {
		if v >= 0 && v < len(mask) {
			mask[v] = true
		}
	}
	return mask
}

//PatchConstraints copies the constraints (the Fixed list) and the
//periodic boundary flags of ref onto every structure of images. Every
//workflow operation calls this on the trajectories it returns, so the
//images always carry the constraints and periodicity of the input
//structure regardless of what the calculator wrote in its output.
func PatchConstraints(images []*Structure, ref *Structure) {
	if ref == nil {
		panic(ErrNilAtoms)
	}
	for _, v := range images {
		if v == nil {
			continue
		}
		v.Fixed = append([]int(nil), ref.Fixed...)
		v.PBC = ref.PBC
	}
}
