/*
 * traj.go, part of catflow.
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

//Package traj reads and writes catflow trajectory files: extended-XYZ
//frames, one after another, with the lattice, periodicity, constraints,
//energy and free-form metadata of each structure carried in the comment
//line, and per-atom results carried in extra columns. Files are stored
//plain or compressed; the compressor is chosen from the file extension
//(".gz" for gzip, ".zst" or ".zstd" for zstd, anything else is plain
//text).
package traj

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

//Defaults for the trajectory filenames the workflow operations use.
const (
	DefaultIn    = "input.traj"
	DefaultFinal = "final.traj"
)

//Read opens the file name and returns its first frame.
func Read(name string) (*chem.Structure, error) {
	r, err := NewReader(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	s, err := r.Next()
	if err != nil {
		return nil, errDecorate(err, "Read")
	}
	return s, nil
}

//ReadFile opens the file name and returns every frame in it, in order.
func ReadFile(name string) ([]*chem.Structure, error) {
	r, err := NewReader(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var images []*chem.Structure
	for {
		s, err := r.Next()
		if err != nil {
			if _, ok := err.(chem.LastFrameError); ok {
				break
			}
			return nil, errDecorate(err, "ReadFile")
		}
		images = append(images, s)
	}
	if len(images) == 0 {
		return nil, Error{"trajectory contains no frames", name, []string{"ReadFile"}, true}
	}
	return images, nil
}

//WriteFile writes every structure of images to the file name, replacing
//whatever the file held before.
func WriteFile(name string, images []*chem.Structure) error {
	w, err := NewWriter(name)
	if err != nil {
		return err
	}
	for _, s := range images {
		if err := w.WNext(s); err != nil {
			w.Close()
			return errDecorate(err, "WriteFile")
		}
	}
	return w.Close()
}

//Write!

//Writer writes structures to a trajectory file, one frame per call.
type Writer struct {
	f         *os.File
	h         io.WriteCloser
	filename  string
	writeable bool
	natoms    int
}

//NewWriter creates the file name and returns a Writer for it. The
//compression, if any, is decided from the file extension. The optional
//compressionLevel is used for gzip only; zstd always compresses at its
//best level, the same choice the stored trajectories of a finished
//workflow want.
func NewWriter(name string, compressionLevel ...int) (*Writer, error) {
	level := gzip.BestCompression
	if len(compressionLevel) > 0 {
		level = compressionLevel[0]
	}
	W := new(Writer)
	var err error
	W.f, err = os.Create(name)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		W.h, err = gzip.NewWriterLevel(W.f, level)
	case ".zst", ".zstd":
		W.h, err = zstd.NewWriter(W.f, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	default:
		W.h = nopWriteCloser{W.f}
	}
	if err != nil {
		W.f.Close()
		return nil, Error{"can't set up compressor: " + err.Error(), name, []string{"NewWriter"}, true}
	}
	W.filename = name
	W.natoms = -1
	W.writeable = true
	return W, nil
}

//WNext writes s as the next frame of the trajectory.
func (W *Writer) WNext(s *chem.Structure) error {
	if !W.writeable {
		return Error{TrajUnIniWrite, W.filename, []string{"WNext"}, true}
	}
	if s == nil || s.Coords == nil {
		return Error{NilCoordinates, W.filename, []string{"WNext"}, true}
	}
	if err := s.Corrupted(); err != nil {
		return Error{err.Error(), W.filename, []string{"WNext"}, true}
	}
	if W.natoms == -1 {
		W.natoms = s.Len()
	}
	if err := writeFrame(W.h, s); err != nil {
		return Error{err.Error(), W.filename, []string{"WNext"}, true}
	}
	return nil
}

//Len returns the number of atoms in the frames written so far, or -1
//if no frame has been written.
func (W *Writer) Len() int {
	return W.natoms
}

//Close flushes and closes the file. The Writer can not be used after
//this call.
func (W *Writer) Close() error {
	if W == nil || !W.writeable {
		return nil
	}
	W.writeable = false
	if err := W.h.Close(); err != nil {
		W.f.Close()
		return Error{"can't flush trajectory: " + err.Error(), W.filename, []string{"Close"}, true}
	}
	return W.f.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

//Read!

//Reader reads a trajectory file frame by frame. It implements the
//catflow Traj interface.
type Reader struct {
	f        *os.File
	z        io.ReadCloser
	h        *bufio.Reader
	natoms   int
	filename string
	readable bool
}

//zstd.Decoder.Close returns nothing, so it does not implement
//io.ReadCloser by itself.
type zstdql struct {
	closeql func()
	*zstd.Decoder
}

func (z zstdql) Close() error {
	z.closeql()
	return nil
}

//NewReader opens the trajectory file name for reading.
func NewReader(name string) (*Reader, error) {
	R := new(Reader)
	R.natoms = -1 //just so we know if things don't work
	R.filename = name
	var err error
	R.f, err = os.Open(name)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		R.z, err = gzip.NewReader(R.f)
	case ".zst", ".zstd":
		var d *zstd.Decoder
		d, err = zstd.NewReader(R.f)
		if err == nil {
			R.z = zstdql{d.Close, d}
		}
	default:
		R.z = io.NopCloser(R.f)
	}
	if err != nil {
		R.f.Close()
		return nil, Error{"can't set up decompressor: " + err.Error(), name, []string{"NewReader"}, true}
	}
	R.h = bufio.NewReader(R.z)
	R.readable = true
	return R, nil
}

//Readable returns true if it is possible to call Next on the Reader.
func (R *Reader) Readable() bool {
	return R.readable
}

//Len returns the number of atoms per frame, or -1 before the first
//frame has been read.
func (R *Reader) Len() int {
	return R.natoms
}

//Next returns the next frame of the trajectory. At the end of the
//trajectory it closes the Reader and returns an error implementing
//catflow.LastFrameError, which is a normal termination.
func (R *Reader) Next() (*chem.Structure, error) {
	if !R.readable {
		return nil, Error{TrajUnIniRead, R.filename, []string{"Next"}, true}
	}
	s, err := readFrame(R.h)
	if err != nil {
		if err == io.EOF {
			//nothing bad happened here, the trajectory just ended.
			R.Close()
			return nil, newlastFrameError(R.filename, "Next")
		}
		return nil, Error{err.Error(), R.filename, []string{"Next"}, true}
	}
	if R.natoms == -1 {
		R.natoms = s.Len()
	}
	return s, nil
}

//Close closes the Reader and marks it as unreadable.
func (R *Reader) Close() {
	if !R.readable {
		return
	}
	R.z.Close()
	R.f.Close()
	R.readable = false
}

//The extended-XYZ frame format.

//writeFrame writes one frame: the atom count, the comment line with
//the frame-level data, and one line per atom with the per-atom columns
//announced in Properties.
func writeFrame(w io.Writer, s *chem.Structure) error {
	if _, err := fmt.Fprintf(w, "%d\n", s.Len()); err != nil {
		return err
	}
	var hasTags, hasIniMagmoms bool
	for _, a := range s.Atoms {
		if a.Tag != 0 {
			hasTags = true
		}
		if a.Magmom != 0 {
			hasIniMagmoms = true
		}
	}
	props := "species:S:1:pos:R:3"
	if hasTags {
		props += ":tags:I:1"
	}
	if hasIniMagmoms {
		props += ":initial_magmoms:R:1"
	}
	if s.Forces != nil {
		props += ":forces:R:3"
	}
	if s.Magmoms != nil {
		props += ":magmoms:R:1"
	}
	var b strings.Builder
	if !s.Cell.IsZero() {
		b.WriteString("Lattice=\"")
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				if i != 0 || j != 0 {
					b.WriteByte(' ')
				}
				fmt.Fprintf(&b, "%.8f", s.Cell[i][j])
			}
		}
		b.WriteString("\" ")
	}
	fmt.Fprintf(&b, "Properties=%s", props)
	fmt.Fprintf(&b, " pbc=\"%s %s %s\"", tf(s.PBC[0]), tf(s.PBC[1]), tf(s.PBC[2]))
	if e, err := s.Energy(); err == nil {
		fmt.Fprintf(&b, " energy=%.8f", e)
	}
	if s.Charge() != 0 {
		fmt.Fprintf(&b, " charge=%d", s.Charge())
	}
	if s.Multi() != 0 {
		fmt.Fprintf(&b, " multi=%d", s.Multi())
	}
	if len(s.Fixed) > 0 {
		b.WriteString(" fixed=\"")
		for i, v := range s.Fixed {
			if i != 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", v)
		}
		b.WriteString("\"")
	}
	if len(s.Info) > 0 {
		j, err := json.Marshal(s.Info)
		if err != nil {
			return fmt.Errorf("can't encode the structure metadata: %s", err.Error())
		}
		b.WriteString(" info='")
		b.WriteString(escapeQuoted(string(j)))
		b.WriteString("'")
	}
	if _, err := fmt.Fprintf(w, "%s\n", b.String()); err != nil {
		return err
	}
	for i := 0; i < s.Len(); i++ {
		at := s.Atoms[i]
		var l strings.Builder
		fmt.Fprintf(&l, "%-3s %16.8f %16.8f %16.8f", at.Symbol, s.Coords.At(i, 0), s.Coords.At(i, 1), s.Coords.At(i, 2))
		if hasTags {
			fmt.Fprintf(&l, " %d", at.Tag)
		}
		if hasIniMagmoms {
			fmt.Fprintf(&l, " %12.8f", at.Magmom)
		}
		if s.Forces != nil {
			fmt.Fprintf(&l, " %16.8f %16.8f %16.8f", s.Forces.At(i, 0), s.Forces.At(i, 1), s.Forces.At(i, 2))
		}
		if s.Magmoms != nil {
			fmt.Fprintf(&l, " %12.8f", s.Magmoms[i])
		}
		if _, err := fmt.Fprintf(w, "%s\n", l.String()); err != nil {
			return err
		}
	}
	return nil
}

func tf(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

//escapeQuoted escapes backslashes and quote characters so the string
//can be carried inside a quoted comment-line value.
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

//readFrame reads one frame. It returns io.EOF, untouched, when the
//stream ends cleanly at a frame boundary.
func readFrame(h *bufio.Reader) (*chem.Structure, error) {
	line, err := nextLine(h)
	if err != nil {
		return nil, err //including clean EOF
	}
	natoms, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("can't read the atom count from %q: %s", strings.TrimSpace(line), err.Error())
	}
	if natoms <= 0 {
		return nil, fmt.Errorf("frame announces %d atoms", natoms)
	}
	comment, err := nextLine(h)
	if err != nil {
		return nil, fmt.Errorf("frame truncated before its comment line")
	}
	kv, err := splitComment(comment)
	if err != nil {
		return nil, err
	}
	cols, err := parseProperties(kv["Properties"])
	if err != nil {
		return nil, err
	}
	ats := make([]*chem.Atom, natoms)
	coords := vec.Zeros(natoms)
	var forces *vec.Matrix
	var magmoms []float64
	for _, c := range cols {
		switch c.name {
		case "forces":
			forces = vec.Zeros(natoms)
		case "magmoms":
			magmoms = make([]float64, natoms)
		}
	}
	for i := 0; i < natoms; i++ {
		line, err := nextLine(h)
		if err != nil {
			return nil, fmt.Errorf("frame truncated at atom %d of %d", i, natoms)
		}
		fields := strings.Fields(line)
		at := new(chem.Atom)
		fi := 0
		for _, c := range cols {
			if fi+c.count > len(fields) {
				return nil, fmt.Errorf("atom line %d has %d fields, fewer than Properties announces", i, len(fields))
			}
			switch c.name {
			case "species":
				at.Symbol = fields[fi]
			case "pos":
				for j := 0; j < 3; j++ {
					f, err := strconv.ParseFloat(fields[fi+j], 64)
					if err != nil {
						return nil, fmt.Errorf("can't parse coordinate %d of atom %d: %s", j, i, err.Error())
					}
					coords.Set(i, j, f)
				}
			case "forces":
				for j := 0; j < 3; j++ {
					f, err := strconv.ParseFloat(fields[fi+j], 64)
					if err != nil {
						return nil, fmt.Errorf("can't parse force %d of atom %d: %s", j, i, err.Error())
					}
					forces.Set(i, j, f)
				}
			case "tags":
				t, err := strconv.Atoi(fields[fi])
				if err != nil {
					return nil, fmt.Errorf("can't parse the tag of atom %d: %s", i, err.Error())
				}
				at.Tag = t
			case "initial_magmoms":
				m, err := strconv.ParseFloat(fields[fi], 64)
				if err != nil {
					return nil, fmt.Errorf("can't parse the initial moment of atom %d: %s", i, err.Error())
				}
				at.Magmom = m
			case "magmoms":
				m, err := strconv.ParseFloat(fields[fi], 64)
				if err != nil {
					return nil, fmt.Errorf("can't parse the moment of atom %d: %s", i, err.Error())
				}
				magmoms[i] = m
			default:
				//a column written by someone else; skip its fields.
			}
			fi += c.count
		}
		if m, ok := chem.MassOf(at.Symbol); ok {
			at.Mass = m
		}
		ats[i] = at
	}
	s, err := chem.MakeStructure(ats, coords)
	if err != nil {
		return nil, err
	}
	s.Forces = forces
	s.Magmoms = magmoms
	if err := frameMeta(s, kv); err != nil {
		return nil, err
	}
	return s, nil
}

//frameMeta fills the frame-level fields of s from the comment-line
//key/value pairs.
func frameMeta(s *chem.Structure, kv map[string]string) error {
	if lat, ok := kv["Lattice"]; ok {
		f := strings.Fields(lat)
		if len(f) != 9 {
			return fmt.Errorf("Lattice should have 9 components, has %d", len(f))
		}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				v, err := strconv.ParseFloat(f[3*i+j], 64)
				if err != nil {
					return fmt.Errorf("can't parse Lattice component %d: %s", 3*i+j, err.Error())
				}
				s.Cell[i][j] = v
			}
		}
	}
	if pbc, ok := kv["pbc"]; ok {
		f := strings.Fields(pbc)
		if len(f) != 3 {
			return fmt.Errorf("pbc should have 3 flags, has %d", len(f))
		}
		for i, v := range f {
			s.PBC[i] = v == "T" || v == "true"
		}
	}
	if e, ok := kv["energy"]; ok {
		v, err := strconv.ParseFloat(e, 64)
		if err != nil {
			return fmt.Errorf("can't parse the energy: %s", err.Error())
		}
		s.SetEnergy(v)
	}
	if c, ok := kv["charge"]; ok {
		v, err := strconv.Atoi(c)
		if err != nil {
			return fmt.Errorf("can't parse the charge: %s", err.Error())
		}
		s.SetCharge(v)
	}
	if m, ok := kv["multi"]; ok {
		v, err := strconv.Atoi(m)
		if err != nil {
			return fmt.Errorf("can't parse the multiplicity: %s", err.Error())
		}
		s.SetMulti(v)
	}
	if fx, ok := kv["fixed"]; ok && fx != "" {
		var fixed []int
		for _, v := range strings.Split(fx, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("can't parse the fixed-atom list: %s", err.Error())
			}
			fixed = append(fixed, idx)
		}
		s.SetFixed(fixed)
	}
	if info, ok := kv["info"]; ok && info != "" {
		m := map[string]interface{}{}
		if err := json.Unmarshal([]byte(info), &m); err != nil {
			return fmt.Errorf("can't decode the structure metadata: %s", err.Error())
		}
		s.Info = m
	}
	return nil
}

//nextLine returns the next non-empty line. A clean end of stream is
//reported as io.EOF.
func nextLine(h *bufio.Reader) (string, error) {
	for {
		line, err := h.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) != "" {
			return line, nil //a last line without the trailing newline
		}
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			return line, nil
		}
	}
}

//splitComment splits an extended-XYZ comment line into its key=value
//pairs. Values may be quoted with single or double quotes, and quote
//characters inside a value may be escaped with a backslash.
func splitComment(line string) (map[string]string, error) {
	kv := map[string]string{}
	s := strings.TrimSpace(line)
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			//a bare token without a value; tolerated and ignored.
			sp := strings.IndexByte(s[i:], ' ')
			if sp < 0 {
				break
			}
			i += sp + 1
			continue
		}
		key := s[i : i+eq]
		i += eq + 1
		var val strings.Builder
		if i < len(s) && (s[i] == '\'' || s[i] == '"') {
			quote := s[i]
			i++
			escaped := false
			closed := false
			for i < len(s) {
				c := s[i]
				if escaped {
					val.WriteByte(c)
					escaped = false
				} else if c == '\\' {
					escaped = true
				} else if c == quote {
					i++
					closed = true
					break
				} else {
					val.WriteByte(c)
				}
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quote in comment line value for %q", key)
			}
		} else {
			for i < len(s) && s[i] != ' ' {
				val.WriteByte(s[i])
				i++
			}
		}
		kv[key] = val.String()
	}
	return kv, nil
}

type column struct {
	name  string
	kind  byte
	count int
}

//parseProperties parses an extended-XYZ Properties specification, a
//colon-separated list of name:type:count triplets. An empty spec means
//the plain XYZ layout.
func parseProperties(spec string) ([]column, error) {
	if spec == "" {
		return []column{{"species", 'S', 1}, {"pos", 'R', 3}}, nil
	}
	f := strings.Split(spec, ":")
	if len(f)%3 != 0 {
		return nil, fmt.Errorf("malformed Properties specification %q", spec)
	}
	cols := make([]column, 0, len(f)/3)
	for i := 0; i < len(f); i += 3 {
		if len(f[i+1]) != 1 {
			return nil, fmt.Errorf("malformed column type in Properties specification %q", spec)
		}
		n, err := strconv.Atoi(f[i+2])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("malformed column count in Properties specification %q", spec)
		}
		cols = append(cols, column{f[i], f[i+1][0], n})
	}
	return cols, nil
}

//Errors

//errDecorate asserts that err implements catflow.Error, decorates it
//with the caller's name and returns it. If used with an error that
//does not implement catflow.Error, it will cause a panic.
func errDecorate(err error, caller string) error {
	err2 := err.(chem.Error)
	err2.Decorate(caller)
	return err2
}

//Error is the general structure for trajectory errors. It fulfills
//catflow.Error and catflow.TrajError.
type Error struct {
	message  string
	filename string //the input file that has problems, or empty string if none.
	deco     []string
	critical bool
}

func (err Error) Error() string {
	return fmt.Sprintf("traj file %s error: %s", err.filename, err.message)
}

//Decorate adds new information to the error.
func (E Error) Decorate(deco string) []string {
	//Even though this method does not use a pointer as a receiver, and tries to alter the receiver,
	//it should work, since E.deco is a slice, and hence a pointer itself.
	if deco != "" {
		E.deco = append(E.deco, deco)
	}
	return E.deco
}

//FileName returns the file to which the failing trajectory was associated.
func (err Error) FileName() string { return err.filename }

//Format returns the format of the file associated to the error.
func (err Error) Format() string { return "traj" }

//Critical returns true if the error is critical, false otherwise.
func (err Error) Critical() bool { return err.critical }

const (
	TrajUnIniRead  = "Traj object uninitialized to read"
	TrajUnIniWrite = "Traj object uninitialized to write"
	NilCoordinates = "Given nil coordinates"
)

//lastFrameError implements catflow.LastFrameError.
type lastFrameError struct {
	deco     []string
	fileName string
}

//NormalLastFrameTermination does nothing.
func (E lastFrameError) NormalLastFrameTermination() {}

func (E lastFrameError) FileName() string { return E.fileName }

func (E lastFrameError) Error() string { return "EOF" }

func (E lastFrameError) Critical() bool { return false }

func (E lastFrameError) Format() string { return "traj" }

func (E lastFrameError) Decorate(deco string) []string {
	if deco != "" {
		E.deco = append(E.deco, deco)
	}
	return E.deco
}

func newlastFrameError(filename string, caller string) *lastFrameError {
	e := new(lastFrameError)
	e.fileName = filename
	e.deco = []string{caller}
	return e
}
