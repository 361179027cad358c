package webcam

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/rs"
)

// toFrame copies a decoded image into a packed frame of the profile's format.
func toFrame(img image.Image, sp rs.StreamProfile, n uint64) (*rs.Frame, error) {
	b := img.Bounds()
	if b.Dx() != sp.Width || b.Dy() != sp.Height {
		return nil, errors.Errorf("frame is %dx%d, expected %dx%d", b.Dx(), b.Dy(), sp.Width, sp.Height)
	}
	stride := sp.Width * sp.Format.BytesPerPixel()
	data := make([]byte, stride*sp.Height)
	switch sp.Format {
	case rs.FormatZ16:
		packDepth(data, stride, img)
	case rs.FormatRGB8:
		packRGB(data, stride, img)
	default:
		return nil, errors.Errorf("cannot convert images to %s", sp.Format)
	}
	return &rs.Frame{
		Profile:   sp,
		Data:      data,
		Stride:    stride,
		Number:    n,
		Timestamp: time.Now(),
	}, nil
}

// packDepth writes little-endian Z16 values. image.Gray16 stores big-endian samples.
func packDepth(dst []byte, stride int, img image.Image) {
	b := img.Bounds()
	if gray, ok := img.(*image.Gray16); ok {
		for y := 0; y < b.Dy(); y++ {
			src := gray.Pix[y*gray.Stride:]
			row := dst[y*stride:]
			for x := 0; x < b.Dx(); x++ {
				row[2*x] = src[2*x+1]
				row[2*x+1] = src[2*x]
			}
		}
		return
	}
	for y := 0; y < b.Dy(); y++ {
		row := dst[y*stride:]
		for x := 0; x < b.Dx(); x++ {
			c := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			binary.LittleEndian.PutUint16(row[2*x:], c.Y)
		}
	}
}

func packRGB(dst []byte, stride int, img image.Image) {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	for y := 0; y < b.Dy(); y++ {
		src := rgba.Pix[y*rgba.Stride:]
		row := dst[y*stride:]
		for x := 0; x < b.Dx(); x++ {
			copy(row[3*x:3*x+3], src[4*x:4*x+3])
		}
	}
}
