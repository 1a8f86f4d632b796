/*
 * prototype.go, part of catflow.
 *
 * Copyright 2020 The catflow authors
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

import (
	"fmt"
	"sort"
	"strings"
)

//symbolCounts returns the element symbols present in ats and their
//counts, with the symbols sorted alphabetically.
func symbolCounts(ats []*Atom) ([]string, map[string]int) {
	counts := map[string]int{}
	for _, a := range ats {
		counts[a.Symbol]++
	}
	syms := make([]string, 0, len(counts))
	for s := range counts {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms, counts
}

//Formula returns the chemical formula of the structure in the Hill
//convention: carbon first, hydrogen second, every other element in
//alphabetical order. Counts of one are omitted.
func (S *Structure) Formula() string {
	syms, counts := symbolCounts(S.Atoms)
	ordered := make([]string, 0, len(syms))
	if counts["C"] > 0 {
		ordered = append(ordered, "C")
		if counts["H"] > 0 {
			ordered = append(ordered, "H")
		}
		for _, s := range syms {
			if s != "C" && s != "H" {
				ordered = append(ordered, s)
			}
		}
	} else {
		ordered = syms
	}
	var b strings.Builder
	for _, s := range ordered {
		b.WriteString(s)
		if counts[s] > 1 {
			fmt.Fprintf(&b, "%d", counts[s])
		}
	}
	return b.String()
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

//ReducedFormula returns the stoichiometric formula of the structure
//with the counts divided by their greatest common divisor and the
//elements in alphabetical order, e.g. "O2Ti" for a TiO2 cell of any
//size. This is the convention used for bulk database tags.
func (S *Structure) ReducedFormula() string {
	syms, counts := symbolCounts(S.Atoms)
	if len(syms) == 0 {
		return ""
	}
	g := 0
	for _, s := range syms {
		g = gcd(g, counts[s])
	}
	var b strings.Builder
	for _, s := range syms {
		b.WriteString(s)
		if c := counts[s] / g; c > 1 {
			fmt.Fprintf(&b, "%d", c)
		}
	}
	return b.String()
}

//PrototypeTag returns a short tag identifying the structural prototype
//of a bulk structure: its reduced formula plus the crystal family of
//its cell, judged with tolerance tol. Structures that relax to the
//same prototype share the tag, which is what the database keys bulk
//entries by.
func (S *Structure) PrototypeTag(tol float64) string {
	return S.ReducedFormula() + "_" + S.Cell.LatticeFamily(tol)
}
