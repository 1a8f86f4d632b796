/*
 * interfaces.go, part of catflow.
 *
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
 *
 */

package catflow

// Traj is an interface for any trajectory source: an open trajectory
// file, or the in-memory output of a calculation. Frames are obtained
// one at a time, in order.
type Traj interface {

	//Is the trajectory ready to be read?
	Readable() bool

	//Next returns the next frame of the trajectory. When no frames are
	//left it returns an error implementing LastFrameError, which is a
	//normal termination, not an actual problem.
	Next() (*Structure, error)

	//Returns the number of atoms per frame
	Len() int
}

// Atomer is the basic interface for anything that holds atoms.
type Atomer interface {

	//Atom returns the Atom corresponding to the index i.
	//Should panic if out of range.
	Atom(i int) *Atom

	Len() int
}

// AtomMultiCharger is an Atomer that also gives a total charge
// and a spin multiplicity.
type AtomMultiCharger interface {
	Atomer

	//Charge gets the total charge of the system
	Charge() int

	//Multi returns the spin multiplicity of the system
	Multi() int
}

// Masser can return a slice with the masses of each atom in the reference.
type Masser interface {

	//Returns a slice with the masses of all atoms
	Masses() ([]float64, error)
}

//Errors

//This error predates the "wrapping" error system of Go (i.e. the "%w" directive and the errors
//package). The newer packages of the library (db, queue, config) use wrapped errors instead.

// Error is the interface for errors that the core packages in this library implement. The Decorate
// method allows to add and retrieve info from the error, without changing its type or wrapping it
// around something else. The decoration slice should contain the names of the functions in the
// calling stack, plus, for each function, any relevant information, in the format
// "FunctionName: Extra info". If passed an empty string, Decorate should just return the current
// decoration without adding to it.
type Error interface {
	Error() string
	Decorate(string) []string
}

// TrajError is the interface for errors in trajectories.
type TrajError interface {
	Error
	Critical() bool
	FileName() string
	Format() string
}

// LastFrameError has a do-nothing method to distinguish the harmless
// end-of-trajectory errors from the rest, so they can be filtered in a
// type switch that looks for this interface.
type LastFrameError interface {
	TrajError
	NormalLastFrameTermination()
}

// CError is the concrete error type of the catflow package itself.
// It fulfills the Error interface.
type CError struct {
	msg  string
	deco []string
}

// NewError builds a CError with the given message, decorated with the
// name of the function reporting it.
func NewError(msg, caller string) CError {
	return CError{msg, []string{caller}}
}

func (err CError) Error() string { return err.msg }

// Decorate adds the dec string to the decoration of the error and
// returns the resulting decoration slice.
func (err CError) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

// errDecorate asserts that err implements Error, decorates it with the
// caller's name and returns it. It panics if given an error that does
// not implement Error.
func errDecorate(err error, caller string) error {
	err2 := err.(Error)
	err2.Decorate(caller)
	return err2
}

// PanicMsg is a message used for panics. It satisfies the error
// interface, but for recoverable conditions use CError.
type PanicMsg string

func (v PanicMsg) Error() string { return string(v) }

const (
	ErrNilAtoms          = PanicMsg("catflow: nil atoms or structure given")
	ErrNilCoords         = PanicMsg("catflow: nil coordinates given")
	ErrAtomOutOfRange    = PanicMsg("catflow: requested Atom out of range")
	ErrCoordsMismatch    = PanicMsg("catflow: coordinates do not match the number of atoms")
	ErrCellNotInvertible = PanicMsg("catflow: the cell matrix is singular")
)
