package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/stream"
)

// Backends that can provide devices.
const (
	BackendFake       = "fake"
	BackendWebcam     = "webcam"
	BackendRealSense  = "realsense"
	DefaultTickRate   = 30.0
	DefaultConfigPath = "jitrealsense.toml"
)

// Backends lists the valid backend names.
var Backends = []string{BackendFake, BackendWebcam, BackendRealSense}

// DeviceSection selects the device.
type DeviceSection struct {
	Index int `toml:"index"`
}

// OutputSection configures one output. Zero fields take the output defaults.
type OutputSection struct {
	Stream string `toml:"stream"`
	Index  int    `toml:"index"`
	Rate   int    `toml:"rate"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

// HostSection configures the process driving the object.
type HostSection struct {
	Backend string `toml:"backend"`
	// TickRate is how many times per second outputs are computed.
	TickRate float64 `toml:"tick_rate"`
	// FrameTimeout is how long to wait for a frame set, e.g. "15s". A unit is required.
	FrameTimeout string `toml:"frame_timeout"`
	// SnapshotDir, when set, receives an image of every output every SnapshotEvery ticks.
	SnapshotDir   string `toml:"snapshot_dir"`
	SnapshotEvery int    `toml:"snapshot_every"`
	Debug         bool   `toml:"debug"`
	// LogFile, when set, also writes logs to a size-rotated file.
	LogFile string `toml:"log_file"`
}

// Timeout returns the frame timeout, or the SDK default when none is set.
func (h HostSection) Timeout() (time.Duration, error) {
	if h.FrameTimeout == "" {
		return rs.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(h.FrameTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid frame_timeout %q", h.FrameTimeout)
	}
	if d <= 0 {
		return 0, errors.Errorf("frame_timeout %q must be positive", h.FrameTimeout)
	}
	return d, nil
}

// File is the on-disk configuration.
type File struct {
	Device  DeviceSection   `toml:"device"`
	Outputs []OutputSection `toml:"output"`
	Host    HostSection     `toml:"host"`
}

// DefaultFile returns the configuration used when no file is given.
func DefaultFile() *File {
	return &File{
		Outputs: []OutputSection{{}},
		Host: HostSection{
			Backend:       BackendFake,
			TickRate:      DefaultTickRate,
			SnapshotEvery: 1,
		},
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse config file %q", path)
	}
	return f, nil
}

// Parse decodes TOML over the defaults. A file without [[output]] tables has one default output.
func Parse(data []byte) (*File, error) {
	f := DefaultFile()
	f.Outputs = nil
	if err := toml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	if f.Outputs == nil {
		f.Outputs = []OutputSection{{}}
	}
	if _, err := f.Validate("config"); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate ensures all parts of the file are valid.
func (f *File) Validate(path string) ([]string, error) {
	if !lo.Contains(Backends, f.Host.Backend) {
		return nil, utils.NewConfigValidationError(path+".host",
			errors.Errorf("unknown backend %q, expected one of %v", f.Host.Backend, Backends))
	}
	if f.Host.TickRate <= 0 {
		return nil, utils.NewConfigValidationError(path+".host",
			errors.Errorf("got illegal non-positive tick_rate %.2f", f.Host.TickRate))
	}
	if f.Host.SnapshotEvery < 0 {
		return nil, utils.NewConfigValidationError(path+".host",
			errors.Errorf("got illegal negative snapshot_every %d", f.Host.SnapshotEvery))
	}
	if _, err := f.Host.Timeout(); err != nil {
		return nil, utils.NewConfigValidationError(path+".host", err)
	}
	if len(f.Outputs) > MaxOutputs {
		return nil, utils.NewConfigValidationError(path,
			errors.Errorf("got %d outputs, at most %d are supported", len(f.Outputs), MaxOutputs))
	}
	a, err := f.Attributes()
	if err != nil {
		return nil, utils.NewConfigValidationError(path, err)
	}
	return a.Validate(path)
}

// Attributes converts the file into object attributes. Every listed output is active.
func (f *File) Attributes() (Attributes, error) {
	a := Default()
	a.Device = f.Device.Index
	a.OutCount = len(f.Outputs)
	for i, section := range f.Outputs {
		if i >= MaxOutputs {
			break
		}
		o := DefaultOutput()
		if section.Stream != "" {
			k, err := stream.ParseKind(section.Stream)
			if err != nil {
				return Attributes{}, errors.Wrapf(err, "output %d", i+1)
			}
			o.Stream = k
		}
		o.Index = section.Index
		if section.Rate != 0 {
			o.Rate = section.Rate
		}
		if section.Width != 0 {
			o.Width = section.Width
		}
		if section.Height != 0 {
			o.Height = section.Height
		}
		a.Outputs[i] = o
	}
	return a, nil
}

func (f *File) String() string {
	return fmt.Sprintf("device %d, %d outputs, backend %s at %.1f Hz",
		f.Device.Index, len(f.Outputs), f.Host.Backend, f.Host.TickRate)
}
