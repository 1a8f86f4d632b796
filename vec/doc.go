/*
 * doc.go, part of catflow.
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

//Package vec implements Nx3 matrices of cartesian coordinates (one
//atom position, force or lattice vector per row) on top of gonum.
//The Matrix type embeds a gonum Dense, so the full gonum API is
//available on it; the functions added here are the row-as-vector
//operations the rest of catflow needs.
package vec
