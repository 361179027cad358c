package stream

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/matrix"
	"go.viam.com/jitrealsense/rs"
)

// Copier writes a native frame into matrix bytes laid out as info describes. The matrix must
// already have the frame's resolution.
type Copier func(dst []byte, info matrix.Info, src *rs.Frame) error

// copiers is keyed by native format. Each entry is chosen once per output when streams are
// configured.
var copiers = map[rs.Format]Copier{
	rs.FormatZ16:         widen16,
	rs.FormatY16:         widen16,
	rs.FormatDisparity16: widen16,
	rs.FormatY8:          copyBytes,
	rs.FormatRGB8:        copyBytes,
	rs.FormatRGBA8:       copyBytes,
	rs.FormatBGR8:        swapRedBlue,
	rs.FormatBGRA8:       swapRedBlue,
	rs.FormatYUYV:        luma,
	rs.FormatXYZ32F:      deinterleaveFloat,
}

// CopierFor returns the copy routine for a native format.
func CopierFor(f rs.Format) (Copier, error) {
	c, ok := copiers[f]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedStream, "no copy routine for format %s", f)
	}
	return c, nil
}

func checkCopy(dst []byte, info matrix.Info, src *rs.Frame, planes int, typ matrix.Type) error {
	if src.Width() != info.Width() || src.Height() != info.Height() {
		return errors.Errorf("frame is %dx%d but matrix is %dx%d",
			src.Width(), src.Height(), info.Width(), info.Height())
	}
	if info.PlaneCount != planes || info.Type != typ {
		return errors.Errorf("cannot copy %s frame into %s matrix", src.Profile.Format, info)
	}
	if len(dst) < info.Size {
		return errors.Errorf("matrix data is %d bytes, expected %d", len(dst), info.Size)
	}
	bpp := src.Profile.Format.BytesPerPixel()
	if src.Stride < src.Width()*bpp || len(src.Data) < (src.Height()-1)*src.Stride+src.Width()*bpp {
		return errors.Errorf("%s frame data is too short for %dx%d", src.Profile.Format, src.Width(), src.Height())
	}
	return nil
}

// widen16 copies unsigned 16 bit samples into long cells without loss.
func widen16(dst []byte, info matrix.Info, src *rs.Frame) error {
	if err := checkCopy(dst, info, src, 1, matrix.Long); err != nil {
		return err
	}
	cell := info.DimStride[0]
	for y := 0; y < src.Height(); y++ {
		row := src.Row(y)
		out := dst[y*info.RowStride():]
		for x := 0; x < src.Width(); x++ {
			v := binary.LittleEndian.Uint16(row[2*x:])
			binary.LittleEndian.PutUint32(out[x*cell:], uint32(v))
		}
	}
	return nil
}

// copyBytes copies 8 bit formats whose channels map one to one onto planes.
func copyBytes(dst []byte, info matrix.Info, src *rs.Frame) error {
	planes := src.Profile.Format.BytesPerPixel()
	if err := checkCopy(dst, info, src, planes, matrix.Char); err != nil {
		return err
	}
	n := src.Width() * planes
	for y := 0; y < src.Height(); y++ {
		out := dst[y*info.RowStride():]
		if info.DimStride[0] == planes {
			copy(out[:n], src.Row(y))
			continue
		}
		row := src.Row(y)
		for x := 0; x < src.Width(); x++ {
			copy(out[x*info.DimStride[0]:x*info.DimStride[0]+planes], row[x*planes:(x+1)*planes])
		}
	}
	return nil
}

// swapRedBlue copies BGR(A) frames into RGB(A) planes.
func swapRedBlue(dst []byte, info matrix.Info, src *rs.Frame) error {
	planes := src.Profile.Format.BytesPerPixel()
	if err := checkCopy(dst, info, src, planes, matrix.Char); err != nil {
		return err
	}
	cell := info.DimStride[0]
	for y := 0; y < src.Height(); y++ {
		row := src.Row(y)
		out := dst[y*info.RowStride():]
		for x := 0; x < src.Width(); x++ {
			in := row[x*planes:]
			o := out[x*cell:]
			o[0], o[1], o[2] = in[2], in[1], in[0]
			if planes == 4 {
				o[3] = in[3]
			}
		}
	}
	return nil
}

// luma keeps the Y samples of a YUYV frame.
func luma(dst []byte, info matrix.Info, src *rs.Frame) error {
	if err := checkCopy(dst, info, src, 1, matrix.Char); err != nil {
		return err
	}
	cell := info.DimStride[0]
	for y := 0; y < src.Height(); y++ {
		row := src.Row(y)
		out := dst[y*info.RowStride():]
		for x := 0; x < src.Width(); x++ {
			out[x*cell] = row[2*x]
		}
	}
	return nil
}

// deinterleaveFloat splits packed xyz float triples into three float32 planes per cell.
func deinterleaveFloat(dst []byte, info matrix.Info, src *rs.Frame) error {
	if err := checkCopy(dst, info, src, 3, matrix.Float32); err != nil {
		return err
	}
	cell := info.DimStride[0]
	for y := 0; y < src.Height(); y++ {
		row := src.Row(y)
		out := dst[y*info.RowStride():]
		for x := 0; x < src.Width(); x++ {
			in := row[12*x:]
			o := out[x*cell:]
			for p := 0; p < 3; p++ {
				binary.LittleEndian.PutUint32(o[4*p:], binary.LittleEndian.Uint32(in[4*p:]))
			}
		}
	}
	return nil
}
