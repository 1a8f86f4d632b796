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

/*Package catflow is the main package of the catflow library, a driver for
atomistic simulation workflows. It provides the structure and trajectory types
shared by the rest of the library, together with the cell, constraint and
atomic-data bookkeeping those types need.


	**catflow capabilities**


    Reads/writes extended-XYZ trajectory files, plain or compressed
	(gzip and zstd, chosen by file extension).

    Generates input for, runs, and recovers energies, forces, geometries
	and magnetic moments from calculations with Quantum ESPRESSO and xtb
	(which must be obtained independently from their respective
	distributors). A built-in Lennard-Jones calculator covers testing and
	prototyping without external binaries. Interfacing catflow to other
	calculators is fairly simple.

    Runs the standard workflows of a computational catalysis group:
	single-point energies, geometry relaxations (with a confirmation
	static run for bulk systems) and nudged-elastic-band reaction paths
	with linear or image-dependent pair potential interpolation.

    Persists resulting trajectories into a shared group database, keyed by
	structural prototype, over SQLite or MySQL.

    Queues workflow jobs in the same database and runs them with the
	launch worker, which reports Prometheus metrics.

Workflow trajectories always carry the constraints and periodic boundary flags
of the structure that started the workflow; the library patches them onto every
frame a calculator returns before anything is stored or handed back.

catflow implements its own matrix type for coordinates, vec.Matrix, based on
gonum.org/v1/gonum/mat. Each row of a vec.Matrix represents one point in space.*/
package catflow

//Version of the library.
const Version = "v0.4.1"
