// Package config holds the attributes that select a device and describe each output, the
// named attribute table used to read and write them, and the TOML file they can be loaded from.
package config

import (
	"fmt"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/jitrealsense/stream"
)

// MaxOutputs is the number of outputs an object has.
const MaxOutputs = 6

// Output is the configuration of one output: which stream to publish and the profile to request.
// Two outputs are equal when all five fields are equal.
type Output struct {
	Stream stream.Kind
	Index  int
	Rate   int
	Width  int
	Height int
}

// DefaultOutput is the configuration every output starts with.
func DefaultOutput() Output {
	return Output{
		Stream: stream.Infrared,
		Index:  0,
		Rate:   60,
		Width:  640,
		Height: 480,
	}
}

func (o Output) String() string {
	return fmt.Sprintf("%s[%d] %dx%d@%d", o.Stream, o.Index, o.Width, o.Height, o.Rate)
}

// Validate ensures the output is usable.
func (o Output) Validate(path string) error {
	if o.Stream < stream.Any || int(o.Stream) >= len(stream.Kinds()) {
		return utils.NewConfigValidationError(path, errors.Errorf("unknown stream %d", int(o.Stream)))
	}
	if o.Index < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("got illegal negative stream index %d", o.Index))
	}
	if o.Width < 0 || o.Height < 0 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("got illegal negative dimensions (%d, %d)", o.Width, o.Height))
	}
	if o.Rate < 0 || o.Rate > MaxRate {
		return utils.NewConfigValidationError(path, errors.Errorf("rate %d is outside [0, %d]", o.Rate, MaxRate))
	}
	return nil
}

// Attributes are everything a user can change on an object.
type Attributes struct {
	// Device is the index of the device in the enumeration order.
	Device int
	// OutCount is how many leading outputs are active.
	OutCount int
	Outputs  [MaxOutputs]Output
}

// Default returns the attributes of a new object: device 0 with one active output.
func Default() Attributes {
	a := Attributes{Device: 0, OutCount: 1}
	for i := range a.Outputs {
		a.Outputs[i] = DefaultOutput()
	}
	return a
}

// Active returns the first OutCount outputs.
func (a Attributes) Active() []Output {
	n := a.OutCount
	if n < 0 {
		n = 0
	}
	if n > MaxOutputs {
		n = MaxOutputs
	}
	out := make([]Output, n)
	copy(out, a.Outputs[:n])
	return out
}

// Equal reports whether two sets of attributes are identical, including inactive outputs.
func (a Attributes) Equal(other Attributes) bool {
	return a == other
}

// Validate ensures all parts of the attributes are valid.
func (a Attributes) Validate(path string) ([]string, error) {
	if a.Device < 0 {
		return nil, utils.NewConfigValidationError(path, errors.Errorf("got illegal negative device index %d", a.Device))
	}
	if a.OutCount < 0 || a.OutCount > MaxOutputs {
		return nil, utils.NewConfigValidationError(path,
			errors.Errorf("out_count %d is outside [0, %d]", a.OutCount, MaxOutputs))
	}
	for i, o := range a.Outputs {
		if err := o.Validate(fmt.Sprintf("%s.outputs.%d", path, i)); err != nil {
			return nil, err
		}
	}
	return []string{}, nil
}

// Change is what has to be redone to go from one set of attributes to another.
type Change int

const (
	// NoChange means the running configuration can be kept.
	NoChange Change = iota
	// StreamsChanged means the device stays open but its streams have to be reconfigured.
	StreamsChanged
	// DeviceChanged means the device has to be reopened and its streams reconfigured.
	DeviceChanged
)

func (c Change) String() string {
	switch c {
	case NoChange:
		return "none"
	case StreamsChanged:
		return "streams"
	case DeviceChanged:
		return "device"
	default:
		return fmt.Sprintf("Change(%d)", int(c))
	}
}

// Diff returns the change needed to go from applied to wanted. Only active outputs are compared,
// so edits to outputs beyond OutCount never cause work.
func Diff(applied, wanted Attributes) Change {
	if applied.Device != wanted.Device || applied.OutCount != wanted.OutCount {
		return DeviceChanged
	}
	for i, o := range wanted.Active() {
		if applied.Outputs[i] != o {
			return StreamsChanged
		}
	}
	return NoChange
}
