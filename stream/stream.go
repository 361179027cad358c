// Package stream maps the stream kinds a user can select onto native sensor streams, pixel
// formats, plane counts and host matrix types, and provides the routines that copy native
// frames into host matrices.
package stream

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/matrix"
	"go.viam.com/jitrealsense/rs"
)

// ErrUnsupportedStream is returned for kinds and formats that have no mapping.
var ErrUnsupportedStream = errors.New("unsupported stream")

// Kind is a stream a user can request on an output.
type Kind int

// The first five kinds share their numbering with the host enum "Any, Depth, Color, Infrared,
// FishEye" so enum indices can be stored directly.
const (
	Any Kind = iota
	Depth
	Color
	Infrared
	Fisheye
	// Points is a point cloud computed from the depth stream.
	Points
	// DepthAlignedToColor is the depth stream reprojected into the color sensor's viewpoint.
	DepthAlignedToColor
)

var kindNames = []string{"Any", "Depth", "Color", "Infrared", "FishEye", "Points", "DepthAlignedToColor"}

// Kinds returns every kind in enum order.
func Kinds() []Kind {
	kinds := make([]Kind, len(kindNames))
	for i := range kinds {
		kinds[i] = Kind(i)
	}
	return kinds
}

// KindNames returns the enum labels in order.
func KindNames() []string {
	return append([]string(nil), kindNames...)
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind looks up a kind by its label, ignoring case.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(n, name) {
			return Kind(i), nil
		}
	}
	return Any, errors.Wrapf(ErrUnsupportedStream, "unknown stream %q", name)
}

// Descriptor is everything needed to enable and publish one kind.
type Descriptor struct {
	Kind Kind
	// Source is the native stream frames are read from.
	Source rs.Stream
	// Target is the native stream whose resolution the output takes. It differs from Source for
	// aligned kinds.
	Target rs.Stream
	// Derived kinds are computed from native frames rather than copied.
	Derived bool
	// Format is the best native format for the source stream.
	Format rs.Format
	// OutputFormat is the pixel format the copy routine consumes.
	OutputFormat rs.Format
	Planes       int
	Type         matrix.Type
}

// IsNative reports whether frames of the kind are copied straight from one native stream.
func (d Descriptor) IsNative() bool {
	return !d.Derived
}

// Companions returns the native streams that must be enabled for the kind.
func (d Descriptor) Companions() []rs.Stream {
	if d.Source == d.Target {
		return []rs.Stream{d.Source}
	}
	return []rs.Stream{d.Source, d.Target}
}

// Lookup returns the descriptor of a kind.
func Lookup(kind Kind) (Descriptor, error) {
	switch kind {
	case Depth:
		return Descriptor{Kind: kind, Source: rs.StreamDepth, Target: rs.StreamDepth,
			Format: rs.FormatZ16, OutputFormat: rs.FormatZ16, Planes: 1, Type: matrix.Long}, nil
	case Color:
		return Descriptor{Kind: kind, Source: rs.StreamColor, Target: rs.StreamColor,
			Format: rs.FormatRGB8, OutputFormat: rs.FormatRGB8, Planes: 3, Type: matrix.Char}, nil
	case Infrared:
		return Descriptor{Kind: kind, Source: rs.StreamInfrared, Target: rs.StreamInfrared,
			Format: rs.FormatY8, OutputFormat: rs.FormatY8, Planes: 1, Type: matrix.Char}, nil
	case Fisheye:
		return Descriptor{Kind: kind, Source: rs.StreamFisheye, Target: rs.StreamFisheye,
			Format: rs.FormatY8, OutputFormat: rs.FormatY8, Planes: 1, Type: matrix.Char}, nil
	case Points:
		return Descriptor{Kind: kind, Source: rs.StreamDepth, Target: rs.StreamDepth, Derived: true,
			Format: rs.FormatZ16, OutputFormat: rs.FormatXYZ32F, Planes: 3, Type: matrix.Float32}, nil
	case DepthAlignedToColor:
		return Descriptor{Kind: kind, Source: rs.StreamDepth, Target: rs.StreamColor, Derived: true,
			Format: rs.FormatZ16, OutputFormat: rs.FormatZ16, Planes: 1, Type: matrix.Long}, nil
	case Any:
		return Descriptor{}, errors.Wrap(ErrUnsupportedStream, "stream Any cannot be published")
	default:
		return Descriptor{}, errors.Wrapf(ErrUnsupportedStream, "invalid stream %d", int(kind))
	}
}

// BestFormat returns the native format requested for a kind's source stream.
func BestFormat(kind Kind) (rs.Format, error) {
	d, err := Lookup(kind)
	if err != nil {
		return rs.FormatAny, err
	}
	return d.Format, nil
}

// PlaneCount returns the number of planes of a kind's output.
func PlaneCount(kind Kind) (int, error) {
	d, err := Lookup(kind)
	if err != nil {
		return 0, err
	}
	return d.Planes, nil
}

// ElementType returns the host element type of a kind's output.
func ElementType(kind Kind) (matrix.Type, error) {
	d, err := Lookup(kind)
	if err != nil {
		return matrix.Char, err
	}
	return d.Type, nil
}

// PlanesForFormat returns the plane count used to store a native format.
func PlanesForFormat(f rs.Format) (int, error) {
	switch f {
	case rs.FormatZ16, rs.FormatDisparity16, rs.FormatY8, rs.FormatY16, rs.FormatYUYV:
		return 1, nil
	case rs.FormatRGB8, rs.FormatBGR8, rs.FormatXYZ32F:
		return 3, nil
	case rs.FormatRGBA8, rs.FormatBGRA8:
		return 4, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedStream, "format %s", f)
	}
}

// TypeForFormat returns the host element type used to store a native format.
func TypeForFormat(f rs.Format) (matrix.Type, error) {
	switch f {
	case rs.FormatZ16, rs.FormatY16, rs.FormatDisparity16:
		return matrix.Long, nil
	case rs.FormatY8, rs.FormatRGB8, rs.FormatBGR8, rs.FormatRGBA8, rs.FormatBGRA8, rs.FormatYUYV:
		return matrix.Char, nil
	case rs.FormatXYZ32F:
		return matrix.Float32, nil
	default:
		return matrix.Char, errors.Wrapf(ErrUnsupportedStream, "format %s", f)
	}
}
