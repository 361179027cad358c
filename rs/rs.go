// Package rs is the boundary to the depth camera SDK: device enumeration, stream enabling,
// pipeline start and stop, and blocking frame set delivery. Backends live in subpackages.
package rs

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout is how long WaitForFrames blocks when no timeout is given. It matches the
// vendor SDK default.
const DefaultTimeout = 15 * time.Second

var (
	// ErrTimeout is returned when no frame set arrived before the timeout.
	ErrTimeout = errors.New("frame didn't arrive within the timeout")
	// ErrStreamNotEnabled is returned when a stream is requested that is not part of a profile or frame set.
	ErrStreamNotEnabled = errors.New("stream is not enabled")
	// ErrNotStarted is returned when waiting on a pipeline that was never started.
	ErrNotStarted = errors.New("pipeline is not started")
	// ErrNoMatchingProfile is returned when no sensor can satisfy a stream request.
	ErrNoMatchingProfile = errors.New("couldn't resolve requests")
)

// Stream identifies a native sensor stream.
type Stream int

// Native streams. The numbering follows the SDK.
const (
	StreamAny Stream = iota
	StreamDepth
	StreamColor
	StreamInfrared
	StreamFisheye
)

func (s Stream) String() string {
	switch s {
	case StreamAny:
		return "Any"
	case StreamDepth:
		return "Depth"
	case StreamColor:
		return "Color"
	case StreamInfrared:
		return "Infrared"
	case StreamFisheye:
		return "Fisheye"
	default:
		return fmt.Sprintf("Stream(%d)", int(s))
	}
}

// Format is a native pixel format.
type Format int

// Native pixel formats.
const (
	FormatAny Format = iota
	FormatZ16
	FormatDisparity16
	FormatXYZ32F
	FormatYUYV
	FormatRGB8
	FormatBGR8
	FormatRGBA8
	FormatBGRA8
	FormatY8
	FormatY16
	FormatRAW10
)

var formatNames = map[Format]string{
	FormatAny:         "any",
	FormatZ16:         "z16",
	FormatDisparity16: "disparity16",
	FormatXYZ32F:      "xyz32f",
	FormatYUYV:        "yuyv",
	FormatRGB8:        "rgb8",
	FormatBGR8:        "bgr8",
	FormatRGBA8:       "rgba8",
	FormatBGRA8:       "bgra8",
	FormatY8:          "y8",
	FormatY16:         "y16",
	FormatRAW10:       "raw10",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// BytesPerPixel returns the packed size of one pixel, or 0 when the format has no fixed size.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatY8:
		return 1
	case FormatZ16, FormatDisparity16, FormatY16, FormatYUYV:
		return 2
	case FormatRGB8, FormatBGR8:
		return 3
	case FormatRGBA8, FormatBGRA8:
		return 4
	case FormatXYZ32F:
		return 12
	default:
		return 0
	}
}

// DeviceInfo identifies a physical device.
type DeviceInfo struct {
	Name     string
	Serial   string
	Firmware string
}

// Context enumerates connected devices.
type Context interface {
	QueryDevices(ctx context.Context) ([]Device, error)
}

// Device is one connected camera.
type Device interface {
	Info() DeviceInfo
	// NewPipeline binds a capture pipeline to the device.
	NewPipeline() (Pipeline, error)
	// Release frees the device handle. Pipelines created from it must already be closed.
	Release() error
}

// Pipeline captures synchronized frame sets from the streams enabled in a Config. Streams cannot
// be changed while the pipeline is running.
type Pipeline interface {
	Start(ctx context.Context, cfg *Config) (*Profile, error)
	// Stop halts capture. Stopping a pipeline that is not running returns an error.
	Stop() error
	// WaitForFrames blocks until the next frame set arrives or the timeout elapses.
	WaitForFrames(ctx context.Context, timeout time.Duration) (*FrameSet, error)
	// Close stops a running pipeline and frees it. Closing twice is a no-op.
	Close() error
}
