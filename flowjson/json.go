/*
 * json.go, part of catflow.
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

//Package flowjson serializes trajectories to JSON and back. The workflow
//operations return their results in this format, the job queue carries
//operation results in it, and the shared database stores each step of a
//relaxation path as one flowjson image. One Image is one
//ready-to-serialize frame; a trajectory is a JSON array of them.
package flowjson

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

//Image is a ready-to-serialize container for one structure. All the
//fields a calculation can attach to a geometry are kept, so a decoded
//Image reproduces the structure it came from, constraints and
//periodicity included.
type Image struct {
	Symbols        []string               `json:"symbols"`
	Positions      [][3]float64           `json:"positions"`
	Cell           *[3][3]float64         `json:"cell,omitempty"`
	PBC            [3]bool                `json:"pbc"`
	Fixed          []int                  `json:"fixed,omitempty"`
	Tags           []int                  `json:"tags,omitempty"`
	InitialMagmoms []float64              `json:"initial_magmoms,omitempty"`
	Charge         int                    `json:"charge,omitempty"`
	Multi          int                    `json:"multiplicity,omitempty"`
	Energy         *float64               `json:"energy,omitempty"`
	Forces         [][3]float64           `json:"forces,omitempty"`
	Magmoms        []float64              `json:"magmoms,omitempty"`
	Info           map[string]interface{} `json:"info,omitempty"`
}

//An easily JSON-serializable error type.
type Error struct {
	deco     []string
	IsError  bool   //If this is false (no error) all the other fields will be at their zero-values.
	InEncode bool   //If error, was it while encoding?
	InDecode bool   //Was it while decoding?
	Image    int    //Which image, or -1 if the error is not tied to one.
	Function string //which go function gave the error
	Message  string //the error itself
}

//Error implements the error interface.
func (J *Error) Error() string {
	return J.Message
}

//Decorate will add the dec string to the decoration slice of strings of the error,
//and return the resulting slice.
func (J Error) Decorate(dec string) []string {
	if dec == "" {
		return J.deco
	}
	J.deco = append(J.deco, dec)
	return J.deco
}

//Serializes the error. Panics on failure.
func (J *Error) Marshal() []byte {
	ret, err2 := json.Marshal(J)
	if err2 != nil {
		panic(strings.Join([]string{J.Error(), err2.Error()}, " - "))
	}
	return ret
}

//NewError takes an error and some additional info to create a
//json-marshal-able error. where is "encode" or "decode", img the image
//index involved, or -1.
func NewError(where, function string, img int, err error) *Error {
	jerr := new(Error)
	jerr.IsError = true
	switch where {
	case "encode":
		jerr.InEncode = true
	case "decode":
		jerr.InDecode = true
	}
	jerr.Image = img
	jerr.Function = function
	jerr.Message = err.Error()
	return jerr
}

//FromStructure builds the serializable Image for S. Calculation results
//(energy, forces, computed moments) are included only when S carries
//them, and the cell only when it is not the zero cell, so single-point
//payloads stay small.
func FromStructure(S *chem.Structure) (*Image, error) {
	const funcname = "FromStructure"
	if S == nil {
		return nil, NewError("encode", funcname, -1, fmt.Errorf("flowjson: nil structure"))
	}
	if err := S.Corrupted(); err != nil {
		return nil, NewError("encode", funcname, -1, err)
	}
	J := new(Image)
	J.Symbols = make([]string, S.Len())
	J.Positions = make([][3]float64, S.Len())
	for i := 0; i < S.Len(); i++ {
		at := S.Atom(i)
		J.Symbols[i] = at.Symbol
		J.Positions[i] = [3]float64{S.Coords.At(i, 0), S.Coords.At(i, 1), S.Coords.At(i, 2)}
	}
	if !S.Cell.IsZero() {
		cell := [3][3]float64(S.Cell)
		J.Cell = &cell
	}
	J.PBC = S.PBC
	if len(S.Fixed) > 0 {
		J.Fixed = append([]int(nil), S.Fixed...)
	}
	if tags := atomTags(S); tags != nil {
		J.Tags = tags
	}
	if moms := initialMoments(S); moms != nil {
		J.InitialMagmoms = moms
	}
	J.Charge = S.Charge()
	J.Multi = S.Multi()
	if S.HasEnergy() {
		e, err := S.Energy()
		if err != nil {
			return nil, NewError("encode", funcname, -1, err)
		}
		J.Energy = &e
	}
	if S.Forces != nil {
		J.Forces = make([][3]float64, S.Forces.NVecs())
		for i := 0; i < S.Forces.NVecs(); i++ {
			J.Forces[i] = [3]float64{S.Forces.At(i, 0), S.Forces.At(i, 1), S.Forces.At(i, 2)}
		}
	}
	if S.Magmoms != nil {
		J.Magmoms = append([]float64(nil), S.Magmoms...)
	}
	if len(S.Info) > 0 {
		J.Info = S.CopyInfo()
	}
	return J, nil
}

//Structure rebuilds the structure serialized in J. It returns an error
//if the image is internally inconsistent, e.g. if the number of
//positions, forces or moments does not match the number of symbols.
func (J *Image) Structure() (*chem.Structure, error) {
	const funcname = "Image.Structure"
	if len(J.Symbols) != len(J.Positions) {
		return nil, NewError("decode", funcname, -1, fmt.Errorf("flowjson: %d symbols but %d positions", len(J.Symbols), len(J.Positions)))
	}
	atoms := make([]*chem.Atom, len(J.Symbols))
	for i, s := range J.Symbols {
		atoms[i] = &chem.Atom{Symbol: s}
		if J.Tags != nil && i < len(J.Tags) {
			atoms[i].Tag = J.Tags[i]
		}
		if J.InitialMagmoms != nil && i < len(J.InitialMagmoms) {
			atoms[i].Magmom = J.InitialMagmoms[i]
		}
	}
	coords, err := vec.NewMatrix(flatten(J.Positions))
	if err != nil {
		return nil, NewError("decode", funcname, -1, err)
	}
	S, err := chem.MakeStructure(atoms, coords)
	if err != nil {
		return nil, NewError("decode", funcname, -1, err)
	}
	if J.Cell != nil {
		S.Cell = chem.Cell(*J.Cell)
	}
	S.PBC = J.PBC
	if J.Fixed != nil {
		S.SetFixed(J.Fixed)
	}
	S.SetCharge(J.Charge)
	S.SetMulti(J.Multi)
	if J.Energy != nil {
		S.SetEnergy(*J.Energy)
	}
	if J.Forces != nil {
		if len(J.Forces) != len(J.Symbols) {
			return nil, NewError("decode", funcname, -1, fmt.Errorf("flowjson: %d forces for %d atoms", len(J.Forces), len(J.Symbols)))
		}
		forces, err := vec.NewMatrix(flatten(J.Forces))
		if err != nil {
			return nil, NewError("decode", funcname, -1, err)
		}
		S.Forces = forces
	}
	if J.Magmoms != nil {
		if len(J.Magmoms) != len(J.Symbols) {
			return nil, NewError("decode", funcname, -1, fmt.Errorf("flowjson: %d moments for %d atoms", len(J.Magmoms), len(J.Symbols)))
		}
		S.Magmoms = append([]float64(nil), J.Magmoms...)
	}
	if len(J.Info) > 0 {
		S.Info = J.Info
	}
	if err := S.Corrupted(); err != nil {
		return nil, NewError("decode", funcname, -1, err)
	}
	return S, nil
}

//EncodeImages serializes a trajectory to a JSON array of images.
func EncodeImages(images []*chem.Structure) ([]byte, error) {
	const funcname = "EncodeImages"
	js := make([]*Image, 0, len(images))
	for i, v := range images {
		J, err := FromStructure(v)
		if err != nil {
			return nil, NewError("encode", funcname, i, err)
		}
		js = append(js, J)
	}
	ret, err := json.Marshal(js)
	if err != nil {
		return nil, NewError("encode", funcname, -1, err)
	}
	return ret, nil
}

//DecodeImages rebuilds a trajectory from a JSON array of images.
func DecodeImages(data []byte) ([]*chem.Structure, error) {
	const funcname = "DecodeImages"
	var js []*Image
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, NewError("decode", funcname, -1, err)
	}
	images := make([]*chem.Structure, 0, len(js))
	for i, J := range js {
		S, err := J.Structure()
		if err != nil {
			return nil, NewError("decode", funcname, i, err)
		}
		images = append(images, S)
	}
	return images, nil
}

//Encode writes the trajectory to out as one line of JSON, so several
//payloads can be streamed over the same pipe.
func Encode(out io.Writer, images []*chem.Structure) error {
	data, err := EncodeImages(images)
	if err != nil {
		return err
	}
	if _, err := out.Write(append(data, '\n')); err != nil {
		return NewError("encode", "Encode", -1, err)
	}
	return nil
}

//Decode reads one trajectory from in. It accepts both a single payload
//and one line out of a stream written by Encode.
func Decode(in io.Reader) ([]*chem.Structure, error) {
	dec := json.NewDecoder(in)
	var js []*Image
	if err := dec.Decode(&js); err != nil {
		return nil, NewError("decode", "Decode", -1, err)
	}
	images := make([]*chem.Structure, 0, len(js))
	for i, J := range js {
		S, err := J.Structure()
		if err != nil {
			return nil, NewError("decode", "Decode", i, err)
		}
		images = append(images, S)
	}
	return images, nil
}

func flatten(rows [][3]float64) []float64 {
	raw := make([]float64, 0, 3*len(rows))
	for _, r := range rows {
		raw = append(raw, r[0], r[1], r[2])
	}
	return raw
}

//atomTags collects the per-atom tags, or nil if all of them are zero.
func atomTags(S *chem.Structure) []int {
	any := false
	tags := make([]int, S.Len())
	for i := 0; i < S.Len(); i++ {
		tags[i] = S.Atom(i).Tag
		if tags[i] != 0 {
			any = true
		}
	}
	if !any {
		return nil
	}
	return tags
}

//initialMoments collects the per-atom initial magnetic moments, or nil
//if all of them are zero.
func initialMoments(S *chem.Structure) []float64 {
	any := false
	moms := make([]float64, S.Len())
	for i := 0; i < S.Len(); i++ {
		moms[i] = S.Atom(i).Magmom
		if moms[i] != 0 {
			any = true
		}
	}
	if !any {
		return nil
	}
	return moms
}
