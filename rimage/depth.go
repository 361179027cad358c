// Package rimage computes the derived streams: point clouds deprojected from depth frames and
// depth frames reprojected into the color sensor's viewpoint.
package rimage

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/rs"
)

func checkDepth(depth *rs.Frame) error {
	if depth == nil {
		return errors.New("no depth frame")
	}
	if depth.Profile.Format != rs.FormatZ16 {
		return errors.Errorf("expected a z16 depth frame, got %s", depth.Profile.Format)
	}
	if depth.Profile.DepthScale <= 0 {
		return errors.Errorf("depth frame has invalid depth scale %v", depth.Profile.DepthScale)
	}
	if depth.Profile.Intrinsics.Fx == 0 || depth.Profile.Intrinsics.Fy == 0 {
		return errors.New("depth frame has no intrinsics")
	}
	return nil
}

// reuse returns buf resized to n bytes and zeroed, reallocating only when it is too small.
func reuse(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	buf = buf[:n]
	clear(buf)
	return buf
}

// DeprojectDepth turns a z16 depth frame into an xyz32f frame of points in meters, one point per
// pixel. Pixels without depth become the origin. buf is reused when large enough.
func DeprojectDepth(buf []byte, depth *rs.Frame) (*rs.Frame, error) {
	if err := checkDepth(depth); err != nil {
		return nil, err
	}
	w, h := depth.Width(), depth.Height()
	profile := depth.Profile
	profile.Format = rs.FormatXYZ32F
	out := &rs.Frame{
		Profile:   profile,
		Data:      reuse(buf, w*h*12),
		Stride:    w * 12,
		Number:    depth.Number,
		Timestamp: depth.Timestamp,
	}

	in := depth.Profile.Intrinsics
	scale := depth.Profile.DepthScale
	for y := 0; y < h; y++ {
		row := depth.Row(y)
		dst := out.Data[y*out.Stride:]
		for x := 0; x < w; x++ {
			z := binary.LittleEndian.Uint16(row[2*x:])
			if z == 0 {
				continue
			}
			p := in.Deproject(float64(x), float64(y), float64(z)*scale)
			o := dst[12*x:]
			binary.LittleEndian.PutUint32(o[0:], math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(o[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(o[8:], math.Float32bits(float32(p.Z)))
		}
	}
	return out, nil
}

// AlignDepthToColor reprojects a z16 depth frame into the color stream's image plane, producing a
// z16 frame at the color resolution. Each depth pixel is deprojected, moved into the color
// sensor's frame by ext and projected with the color intrinsics. When several depth pixels land
// on the same color pixel the closest one wins. Color pixels nothing lands on are 0.
func AlignDepthToColor(buf []byte, depth *rs.Frame, color rs.StreamProfile, ext rs.Extrinsics) (*rs.Frame, error) {
	if err := checkDepth(depth); err != nil {
		return nil, err
	}
	if color.Width <= 0 || color.Height <= 0 {
		return nil, errors.Errorf("invalid color resolution %dx%d", color.Width, color.Height)
	}
	if color.Intrinsics.Fx == 0 || color.Intrinsics.Fy == 0 {
		return nil, errors.New("color stream has no intrinsics")
	}

	scale := depth.Profile.DepthScale
	profile := rs.StreamProfile{
		Stream:     depth.Profile.Stream,
		Index:      depth.Profile.Index,
		Format:     rs.FormatZ16,
		Width:      color.Width,
		Height:     color.Height,
		Rate:       depth.Profile.Rate,
		Intrinsics: color.Intrinsics,
		DepthScale: scale,
	}
	out := &rs.Frame{
		Profile:   profile,
		Data:      reuse(buf, color.Width*color.Height*2),
		Stride:    color.Width * 2,
		Number:    depth.Number,
		Timestamp: depth.Timestamp,
	}

	in := depth.Profile.Intrinsics
	for y := 0; y < depth.Height(); y++ {
		row := depth.Row(y)
		for x := 0; x < depth.Width(); x++ {
			z := binary.LittleEndian.Uint16(row[2*x:])
			if z == 0 {
				continue
			}
			p := ext.Transform(in.Deproject(float64(x), float64(y), float64(z)*scale))
			u, v := color.Intrinsics.Project(p)
			if u < 0 || v < 0 || u >= float64(color.Width) || v >= float64(color.Height) {
				continue
			}
			units := math.Round(p.Z / scale)
			if units < 1 || units > math.MaxUint16 {
				continue
			}
			o := out.Data[int(v)*out.Stride+int(u)*2:]
			if cur := binary.LittleEndian.Uint16(o); cur == 0 || uint16(units) < cur {
				binary.LittleEndian.PutUint16(o, uint16(units))
			}
		}
	}
	return out, nil
}
