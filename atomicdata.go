/*
 * atomicdata.go, part of catflow.
 *
 *
 * Copyright 2021 The catflow authors
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

package catflow

//Unit conversion factors. Calculator outputs come in assorted units;
//everything stored in a Structure is eV, eV/Angstrom and Angstrom.
const (
	Ry2eV      = 13.605693122994
	Hartree2eV = 27.211386245988
	Bohr2A     = 0.529177210903
)

//A map for assigning mass to elements.
//Standard atomic weights, common elements in heterogeneous catalysis
//plus the usual adsorbate-forming elements.
var symbolMass = map[string]float64{
	"H":  1.008,
	"He": 4.0026,
	"Li": 6.94,
	"Be": 9.012,
	"B":  10.81,
	"C":  12.011,
	"N":  14.007,
	"O":  15.999,
	"F":  18.998,
	"Na": 22.990,
	"Mg": 24.305,
	"Al": 26.982,
	"Si": 28.085,
	"P":  30.974,
	"S":  32.06,
	"Cl": 35.45,
	"Ar": 39.948,
	"K":  39.098,
	"Ca": 40.078,
	"Ti": 47.867,
	"V":  50.942,
	"Cr": 51.996,
	"Mn": 54.938,
	"Fe": 55.845,
	"Co": 58.933,
	"Ni": 58.693,
	"Cu": 63.546,
	"Zn": 65.38,
	"Ga": 69.723,
	"Ge": 72.630,
	"Br": 79.904,
	"Sr": 87.62,
	"Zr": 91.224,
	"Nb": 92.906,
	"Mo": 95.95,
	"Ru": 101.07,
	"Rh": 102.91,
	"Pd": 106.42,
	"Ag": 107.87,
	"Cd": 112.41,
	"In": 114.82,
	"Sn": 118.71,
	"I":  126.90,
	"W":  183.84,
	"Re": 186.21,
	"Os": 190.23,
	"Ir": 192.22,
	"Pt": 195.08,
	"Au": 196.97,
	"Pb": 207.2,
}

//A map for assigning covalent radii to elements, in Angstrom.
//Values from Cordero et al., 2008 (DOI:10.1039/B801115J).
var symbolCovrad = map[string]float64{
	"H":  0.31,
	"He": 0.28,
	"Li": 1.28,
	"Be": 0.96,
	"B":  0.84,
	"C":  0.76, //the sp3 radius
	"N":  0.71,
	"O":  0.66,
	"F":  0.57,
	"Na": 1.66,
	"Mg": 1.41,
	"Al": 1.21,
	"Si": 1.11,
	"P":  1.07,
	"S":  1.05,
	"Cl": 1.02,
	"Ar": 1.06,
	"K":  2.03,
	"Ca": 1.76,
	"Ti": 1.60,
	"V":  1.53,
	"Cr": 1.39,
	"Mn": 1.61, //hs
	"Fe": 1.52, //hs
	"Co": 1.50, //hs
	"Ni": 1.24,
	"Cu": 1.32,
	"Zn": 1.22,
	"Ga": 1.22,
	"Ge": 1.20,
	"Br": 1.20,
	"Sr": 1.95,
	"Zr": 1.75,
	"Nb": 1.64,
	"Mo": 1.54,
	"Ru": 1.46,
	"Rh": 1.42,
	"Pd": 1.39,
	"Ag": 1.45,
	"Cd": 1.44,
	"In": 1.42,
	"Sn": 1.39,
	"I":  1.39,
	"W":  1.62,
	"Re": 1.51,
	"Os": 1.44,
	"Ir": 1.41,
	"Pt": 1.36,
	"Au": 1.36,
	"Pb": 1.46,
}

//A map for assigning van der Waals radii to elements, in Angstrom.
//Values from 10.1021/j100785a001 and 10.1021/jp8111556,
//metal radii from 10.1023/A:1011625728803.
var symbolVdwrad = map[string]float64{
	"H":  1.10,
	"He": 1.40,
	"Li": 1.81,
	"Be": 1.53,
	"B":  1.92,
	"C":  1.70,
	"N":  1.55,
	"O":  1.52,
	"F":  1.47,
	"Na": 2.27,
	"Mg": 1.73,
	"Al": 1.84,
	"Si": 2.10,
	"P":  1.80,
	"S":  1.80,
	"Cl": 1.75,
	"Ar": 1.88,
	"K":  2.75,
	"Ca": 2.31,
	"Ti": 2.15,
	"Cr": 1.97,
	"Mn": 1.96,
	"Fe": 1.96,
	"Co": 1.95,
	"Ni": 1.63,
	"Cu": 2.00,
	"Zn": 2.02,
	"Br": 1.83,
	"Mo": 2.10,
	"Ru": 2.05,
	"Rh": 2.00,
	"Pd": 1.63,
	"Ag": 1.72,
	"I":  1.98,
	"W":  2.10,
	"Pt": 1.75,
	"Au": 1.66,
}

//MassOf returns the standard atomic weight for the element with the
//given symbol, and whether the symbol is known.
func MassOf(symbol string) (float64, bool) {
	m, ok := symbolMass[symbol]
	return m, ok
}

//CovalentRadius returns the covalent radius, in Angstrom, for the
//element with the given symbol, and whether the symbol is known.
func CovalentRadius(symbol string) (float64, bool) {
	r, ok := symbolCovrad[symbol]
	return r, ok
}

//VdwRadius returns the van der Waals radius, in Angstrom, for the
//element with the given symbol, and whether the symbol is known.
func VdwRadius(symbol string) (float64, bool) {
	r, ok := symbolVdwrad[symbol]
	return r, ok
}
