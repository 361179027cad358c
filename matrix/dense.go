package matrix

import (
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Dense is an in-memory Matrix with a tightly packed little-endian layout.
type Dense struct {
	mu      sync.Mutex
	locked  bool
	info    Info
	data    []byte
	resizes int
}

// NewDense allocates a matrix described by info.
func NewDense(info Info) (*Dense, error) {
	m := &Dense{}
	if err := m.SetInfo(info); err != nil {
		return nil, err
	}
	m.resizes = 0
	return m, nil
}

// Info returns the current layout.
func (m *Dense) Info() Info {
	return m.info
}

// SetInfo reallocates the matrix when the shape changes. The contents are zeroed.
func (m *Dense) SetInfo(info Info) error {
	if err := info.Validate(); err != nil {
		return err
	}
	info.pack()
	m.info = info
	if cap(m.data) >= info.Size {
		m.data = m.data[:info.Size]
		clear(m.data)
	} else {
		m.data = make([]byte, info.Size)
	}
	m.resizes++
	return nil
}

// Data returns the backing bytes.
func (m *Dense) Data() []byte {
	return m.data
}

// Lock marks the matrix as being written and returns the function that restores the previous
// lock state.
func (m *Dense) Lock() func() {
	m.mu.Lock()
	prev := m.locked
	m.locked = true
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.locked = prev
		m.mu.Unlock()
	}
}

// Locked reports whether a writer currently holds the matrix.
func (m *Dense) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Resizes returns how many times SetInfo reshaped the matrix since it was created.
func (m *Dense) Resizes() int {
	return m.resizes
}

func (m *Dense) offset(x, y, plane int) int {
	return y*m.info.RowStride() + x*m.info.DimStride[0] + plane*m.info.Type.Size()
}

// Char returns the char element at (x, y, plane).
func (m *Dense) Char(x, y, plane int) uint8 {
	return m.data[m.offset(x, y, plane)]
}

// Long returns the long element at (x, y, plane).
func (m *Dense) Long(x, y, plane int) int32 {
	return int32(binary.LittleEndian.Uint32(m.data[m.offset(x, y, plane):]))
}

// Float32 returns the float32 element at (x, y, plane).
func (m *Dense) Float32(x, y, plane int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(m.data[m.offset(x, y, plane):]))
}

// ToImage renders the matrix as an image for previewing. One plane char matrices become gray
// images, three and four plane char matrices become RGBA and one plane long matrices become
// 16 bit gray.
func (m *Dense) ToImage() (image.Image, error) {
	info := m.info
	if info.DimCount != 2 {
		return nil, errors.Errorf("cannot render %d dimensional matrix", info.DimCount)
	}
	bounds := image.Rect(0, 0, info.Width(), info.Height())
	switch {
	case info.Type == Char && info.PlaneCount == 1:
		img := image.NewGray(bounds)
		for y := 0; y < info.Height(); y++ {
			for x := 0; x < info.Width(); x++ {
				img.SetGray(x, y, color.Gray{m.Char(x, y, 0)})
			}
		}
		return img, nil
	case info.Type == Char && (info.PlaneCount == 3 || info.PlaneCount == 4):
		img := image.NewRGBA(bounds)
		for y := 0; y < info.Height(); y++ {
			for x := 0; x < info.Width(); x++ {
				c := color.RGBA{m.Char(x, y, 0), m.Char(x, y, 1), m.Char(x, y, 2), 0xff}
				if info.PlaneCount == 4 {
					c.A = m.Char(x, y, 3)
				}
				img.SetRGBA(x, y, c)
			}
		}
		return img, nil
	case info.Type == Long && info.PlaneCount == 1:
		img := image.NewGray16(bounds)
		for y := 0; y < info.Height(); y++ {
			for x := 0; x < info.Width(); x++ {
				v := m.Long(x, y, 0)
				if v < 0 {
					v = 0
				} else if v > math.MaxUint16 {
					v = math.MaxUint16
				}
				img.SetGray16(x, y, color.Gray16{uint16(v)})
			}
		}
		return img, nil
	default:
		return nil, errors.Errorf("cannot render %s matrix as an image", info)
	}
}

// DenseList is a fixed list of Dense matrices. Nil entries model outlets with no matrix bound.
type DenseList []*Dense

// NewDenseList allocates n single cell char matrices, the host default before the first tick.
func NewDenseList(n int) (DenseList, error) {
	list := make(DenseList, n)
	for i := range list {
		m, err := NewDense(NewInfo(Char, 1, 1, 1))
		if err != nil {
			return nil, err
		}
		list[i] = m
	}
	return list, nil
}

// Len returns the number of outlets.
func (l DenseList) Len() int {
	return len(l)
}

// Index returns the matrix at i or nil.
func (l DenseList) Index(i int) Matrix {
	if i < 0 || i >= len(l) || l[i] == nil {
		return nil
	}
	return l[i]
}
