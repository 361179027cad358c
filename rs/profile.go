package rs

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Intrinsics are the pinhole parameters of a video stream.
type Intrinsics struct {
	Width  int
	Height int
	Fx     float64
	Fy     float64
	Ppx    float64
	Ppy    float64
}

// Deproject returns the 3D point seen at pixel (x, y) at the given depth in meters.
func (in Intrinsics) Deproject(x, y, depth float64) r3.Vector {
	return r3.Vector{
		X: (x - in.Ppx) / in.Fx * depth,
		Y: (y - in.Ppy) / in.Fy * depth,
		Z: depth,
	}
}

// Project returns the pixel a 3D point falls on. Points at or behind the camera return (-1, -1).
func (in Intrinsics) Project(p r3.Vector) (float64, float64) {
	if p.Z <= 0 {
		return -1, -1
	}
	return math.Round(p.X/p.Z*in.Fx + in.Ppx), math.Round(p.Y/p.Z*in.Fy + in.Ppy)
}

// Extrinsics is the rigid transform between two sensors' coordinate frames. Rotation is row major.
type Extrinsics struct {
	Rotation    [3]r3.Vector
	Translation r3.Vector
}

// IdentityExtrinsics maps a frame onto itself.
func IdentityExtrinsics() Extrinsics {
	return Extrinsics{Rotation: [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}}
}

// Transform maps p from the source frame into the target frame.
func (e Extrinsics) Transform(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: e.Rotation[0].Dot(p),
		Y: e.Rotation[1].Dot(p),
		Z: e.Rotation[2].Dot(p),
	}.Add(e.Translation)
}

// StreamProfile is the resolved configuration of one active stream.
type StreamProfile struct {
	Stream     Stream
	Index      int
	Format     Format
	Width      int
	Height     int
	Rate       int
	Intrinsics Intrinsics
	// DepthScale is the number of meters per depth unit. Zero for non depth streams.
	DepthScale float64
}

type streamKey struct {
	stream Stream
	index  int
}

// Profile is the set of streams a started pipeline is producing.
type Profile struct {
	Device     DeviceInfo
	Streams    []StreamProfile
	extrinsics map[[2]streamKey]Extrinsics
}

// NewProfile builds a profile for a started pipeline.
func NewProfile(device DeviceInfo, streams []StreamProfile) *Profile {
	return &Profile{Device: device, Streams: streams, extrinsics: map[[2]streamKey]Extrinsics{}}
}

// Stream returns the active profile of a stream.
func (p *Profile) Stream(stream Stream, index int) (StreamProfile, error) {
	if p != nil {
		for _, sp := range p.Streams {
			if sp.Stream == stream && sp.Index == index {
				return sp, nil
			}
		}
	}
	return StreamProfile{}, errors.Wrapf(ErrStreamNotEnabled, "%s[%d]", stream, index)
}

// SetExtrinsics records the transform from one stream to another.
func (p *Profile) SetExtrinsics(from, to StreamProfile, e Extrinsics) {
	if p.extrinsics == nil {
		p.extrinsics = map[[2]streamKey]Extrinsics{}
	}
	p.extrinsics[[2]streamKey{{from.Stream, from.Index}, {to.Stream, to.Index}}] = e
}

// Extrinsics returns the transform from one stream's frame to another's. A stream to itself is
// the identity.
func (p *Profile) Extrinsics(from, to StreamProfile) (Extrinsics, error) {
	if from.Stream == to.Stream && from.Index == to.Index {
		return IdentityExtrinsics(), nil
	}
	if e, ok := p.extrinsics[[2]streamKey{{from.Stream, from.Index}, {to.Stream, to.Index}}]; ok {
		return e, nil
	}
	return Extrinsics{}, errors.Errorf("no extrinsics from %s[%d] to %s[%d]", from.Stream, from.Index, to.Stream, to.Index)
}

// Frame is one image from one stream.
type Frame struct {
	Profile   StreamProfile
	Data      []byte
	Stride    int
	Number    uint64
	Timestamp time.Time
}

// Width of the frame in pixels.
func (f *Frame) Width() int {
	return f.Profile.Width
}

// Height of the frame in pixels.
func (f *Frame) Height() int {
	return f.Profile.Height
}

// Row returns the packed bytes of row y.
func (f *Frame) Row(y int) []byte {
	start := y * f.Stride
	return f.Data[start : start+f.Profile.Width*f.Profile.Format.BytesPerPixel()]
}

// FrameSet is one synchronized bundle of frames, one per enabled stream.
type FrameSet struct {
	Frames []*Frame
}

// First returns the frame of the given stream.
func (fs *FrameSet) First(stream Stream, index int) (*Frame, error) {
	if fs != nil {
		for _, f := range fs.Frames {
			if f.Profile.Stream == stream && f.Profile.Index == index {
				return f, nil
			}
		}
	}
	return nil, errors.Wrapf(ErrStreamNotEnabled, "frame set has no %s[%d] frame", stream, index)
}
