// Package matrix defines the host-owned matrix buffers that frames are copied into.
//
// A Matrix is owned by the host. The publisher only ever reads its Info, asks the host to
// reshape it with SetInfo, and writes into the byte slice returned by Data.
package matrix

import (
	"fmt"

	"github.com/pkg/errors"
)

// MaxDims is the largest number of dimensions a matrix may have.
const MaxDims = 32

// ErrInvalidInfo is returned when a matrix description cannot be allocated.
var ErrInvalidInfo = errors.New("invalid matrix info")

// Type is the element type of every plane in a matrix cell.
type Type int

// Known element types.
const (
	Char Type = iota
	Long
	Float32
	Float64
)

// Size returns the number of bytes of one element.
func (t Type) Size() int {
	switch t {
	case Char:
		return 1
	case Long, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Symbol returns the host symbol naming the type.
func (t Type) Symbol() string {
	switch t {
	case Char:
		return "char"
	case Long:
		return "long"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func (t Type) String() string {
	return t.Symbol()
}

// TypeFromSymbol parses a host symbol.
func TypeFromSymbol(sym string) (Type, error) {
	for _, t := range []Type{Char, Long, Float32, Float64} {
		if t.Symbol() == sym {
			return t, nil
		}
	}
	return Char, errors.Errorf("unknown matrix type %q", sym)
}

// Info describes the shape and layout of a matrix. Info values are comparable.
type Info struct {
	Type       Type
	PlaneCount int
	DimCount   int
	Dim        [MaxDims]int
	// DimStride is the byte distance between consecutive elements along each dimension.
	DimStride [MaxDims]int
	Size      int
}

// NewInfo returns a packed two dimensional Info of width x height cells.
func NewInfo(t Type, planes, width, height int) Info {
	info := Info{
		Type:       t,
		PlaneCount: planes,
		DimCount:   2,
	}
	info.Dim[0] = width
	info.Dim[1] = height
	info.pack()
	return info
}

// pack computes strides and size for a tightly packed layout.
func (info *Info) pack() {
	stride := info.Type.Size() * info.PlaneCount
	size := 0
	for i := 0; i < info.DimCount; i++ {
		info.DimStride[i] = stride
		stride *= info.Dim[i]
		size = stride
	}
	for i := info.DimCount; i < MaxDims; i++ {
		info.DimStride[i] = 0
		info.Dim[i] = 0
	}
	info.Size = size
}

// Width is the size of the first dimension.
func (info Info) Width() int {
	return info.Dim[0]
}

// Height is the size of the second dimension, or 1 for one dimensional matrices.
func (info Info) Height() int {
	if info.DimCount < 2 {
		return 1
	}
	return info.Dim[1]
}

// RowStride is the byte distance between the start of two consecutive rows.
func (info Info) RowStride() int {
	if info.DimCount < 2 {
		return info.Size
	}
	return info.DimStride[1]
}

// CellSize is the number of bytes of one cell (all planes).
func (info Info) CellSize() int {
	return info.Type.Size() * info.PlaneCount
}

// SameShape reports whether two infos agree on plane count, type and every dimension. Strides
// are not compared since the host may pad rows.
func (info Info) SameShape(other Info) bool {
	if info.PlaneCount != other.PlaneCount || info.DimCount != other.DimCount || info.Type != other.Type {
		return false
	}
	for i := 0; i < info.DimCount; i++ {
		if info.Dim[i] != other.Dim[i] {
			return false
		}
	}
	return true
}

// Validate checks the info describes something that can be allocated.
func (info Info) Validate() error {
	if info.Type.Size() == 0 {
		return errors.Wrapf(ErrInvalidInfo, "unknown type %d", info.Type)
	}
	if info.PlaneCount <= 0 {
		return errors.Wrapf(ErrInvalidInfo, "plane count %d", info.PlaneCount)
	}
	if info.DimCount <= 0 || info.DimCount > MaxDims {
		return errors.Wrapf(ErrInvalidInfo, "dim count %d", info.DimCount)
	}
	for i := 0; i < info.DimCount; i++ {
		if info.Dim[i] <= 0 {
			return errors.Wrapf(ErrInvalidInfo, "dimension %d has size %d", i, info.Dim[i])
		}
	}
	return nil
}

func (info Info) String() string {
	dims := make([]int, info.DimCount)
	copy(dims, info.Dim[:info.DimCount])
	return fmt.Sprintf("%d plane %s %v", info.PlaneCount, info.Type.Symbol(), dims)
}

// Matrix is a host-owned buffer.
type Matrix interface {
	// Info returns the current layout.
	Info() Info
	// SetInfo reshapes the matrix. It may reallocate, so callers avoid it when the shape already
	// matches.
	SetInfo(info Info) error
	// Data returns the backing bytes laid out as described by Info.
	Data() []byte
	// Lock locks the matrix for writing and returns the function that restores the previous state.
	Lock() (unlock func())
}

// List is the set of output matrices the host passes to each tick.
type List interface {
	Len() int
	// Index returns the matrix at i, or nil if the host has none bound there.
	Index(i int) Matrix
}
