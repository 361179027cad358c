package fake

import (
	"encoding/binary"
	"time"

	"go.viam.com/jitrealsense/rs"
)

// epoch is the timestamp of frame zero.
var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Depth returns the depth in millimeters the simulated depth sensor sees at (x, y) in frame n.
// It is a diagonal ramp that moves one unit per frame.
func Depth(x, y int, n uint64) uint16 {
	return uint16(500 + (x+y+int(n%1000))%1000)
}

// Color returns the simulated color pixel at (x, y) in frame n.
func Color(x, y int, n uint64) (r, g, b uint8) {
	return uint8(x), uint8(y), uint8(n)
}

// Infrared returns the simulated infrared intensity at (x, y) in frame n. Indices render
// different checker phases.
func Infrared(x, y, index int, n uint64) uint8 {
	if ((x/8)+(y/8)+index)%2 == 0 {
		return uint8(200 + n%50)
	}
	return 20
}

func render(sp rs.StreamProfile, n uint64, padding int) *rs.Frame {
	bpp := sp.Format.BytesPerPixel()
	stride := sp.Width*bpp + padding
	data := make([]byte, stride*sp.Height)
	for y := 0; y < sp.Height; y++ {
		row := data[y*stride:]
		for x := 0; x < sp.Width; x++ {
			px := row[x*bpp : (x+1)*bpp]
			switch sp.Stream {
			case rs.StreamDepth:
				binary.LittleEndian.PutUint16(px, Depth(x, y, n))
			case rs.StreamColor:
				r, g, b := Color(x, y, n)
				writeColor(px, sp.Format, r, g, b)
			default:
				v := Infrared(x, y, sp.Index, n)
				if sp.Format == rs.FormatY16 {
					binary.LittleEndian.PutUint16(px, uint16(v)<<8)
				} else {
					px[0] = v
				}
			}
		}
	}
	period := time.Second
	if sp.Rate > 0 {
		period /= time.Duration(sp.Rate)
	}
	return &rs.Frame{
		Profile:   sp,
		Data:      data,
		Stride:    stride,
		Number:    n,
		Timestamp: epoch.Add(time.Duration(n) * period),
	}
}

func writeColor(px []byte, f rs.Format, r, g, b uint8) {
	switch f {
	case rs.FormatRGB8:
		px[0], px[1], px[2] = r, g, b
	case rs.FormatBGR8:
		px[0], px[1], px[2] = b, g, r
	case rs.FormatRGBA8:
		px[0], px[1], px[2], px[3] = r, g, b, 255
	case rs.FormatBGRA8:
		px[0], px[1], px[2], px[3] = b, g, r, 255
	case rs.FormatYUYV:
		px[0] = uint8((uint16(r) + uint16(g) + uint16(b)) / 3)
		px[1] = 128
	case rs.FormatY16:
		binary.LittleEndian.PutUint16(px, uint16(r)<<8)
	}
}
