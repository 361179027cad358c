package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/rs/fake"
	"go.viam.com/jitrealsense/stream"
)

func ops(c *fake.Context) []fake.Op {
	var out []fake.Op
	for _, e := range c.Events() {
		out = append(out, e.Op)
	}
	return out
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rsctx := fake.NewContext(2)
	s := New(rsctx, logger)
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
	test.That(t, s.DeviceIndex(), test.ShouldEqual, -1)

	test.That(t, s.Open(ctx, 1), test.ShouldBeNil)
	test.That(t, s.IsOpen(), test.ShouldBeTrue)
	test.That(t, s.Streaming(), test.ShouldBeFalse)
	test.That(t, s.DeviceIndex(), test.ShouldEqual, 1)
	test.That(t, s.ID(), test.ShouldNotEqual, uuid.Nil)
	info, ok := s.Identity()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, info.Serial, test.ShouldEqual, fake.DefaultDevice(1).Serial)

	test.That(t, logs.FilterMessage("There are 2 connected RealSense devices.").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("    Serial number: "+info.Serial).Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("    Firmware version: "+info.Firmware).Len(), test.ShouldEqual, 1)

	// reopening releases the held device before opening another
	first := s.ID()
	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)
	test.That(t, s.ID(), test.ShouldNotEqual, first)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 1)
	test.That(t, ops(rsctx), test.ShouldResemble, []fake.Op{
		fake.OpQuery, fake.OpRelease, fake.OpOpen,
		fake.OpClose, fake.OpRelease,
		fake.OpQuery, fake.OpRelease, fake.OpOpen,
	})

	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
	test.That(t, s.ID(), test.ShouldEqual, uuid.Nil)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 0)
	_, ok = s.Identity()
	test.That(t, ok, test.ShouldBeFalse)
}

// countingContext counts the device handles it hands out and how many of them are released.
type countingContext struct {
	rs.Context
	handed   int
	released int
}

func (c *countingContext) QueryDevices(ctx context.Context) ([]rs.Device, error) {
	devices, err := c.Context.QueryDevices(ctx)
	if err != nil {
		return nil, err
	}
	wrapped := make([]rs.Device, 0, len(devices))
	for _, d := range devices {
		c.handed++
		wrapped = append(wrapped, &countingDevice{Device: d, ctx: c})
	}
	return wrapped, nil
}

type countingDevice struct {
	rs.Device
	ctx      *countingContext
	released bool
}

func (d *countingDevice) Release() error {
	if !d.released {
		d.released = true
		d.ctx.released++
	}
	return d.Device.Release()
}

func TestOpenReleasesEveryHandle(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(3)
	counting := &countingContext{Context: rsctx}
	s := New(counting, logging.NewTestLogger(t))

	test.That(t, s.Open(ctx, 1), test.ShouldBeNil)
	test.That(t, counting.handed, test.ShouldEqual, 3)
	test.That(t, counting.released, test.ShouldEqual, 2)
	test.That(t, rsctx.Handles(), test.ShouldEqual, 1)
	test.That(t, rsctx.Pipelines(), test.ShouldEqual, 1)

	test.That(t, s.ConfigureStreams(ctx, []config.Output{config.DefaultOutput()}), test.ShouldBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
	test.That(t, counting.released, test.ShouldEqual, counting.handed)
	test.That(t, rsctx.Pipelines(), test.ShouldEqual, 0)
	test.That(t, rsctx.Count(fake.OpClose), test.ShouldEqual, 1)

	// an index past the enumeration releases everything it was handed
	err := s.Open(ctx, 7)
	test.That(t, errors.Is(err, ErrDeviceNotConnected), test.ShouldBeTrue)
	test.That(t, counting.handed, test.ShouldEqual, 6)
	test.That(t, counting.released, test.ShouldEqual, 6)

	rsctx.FailNext(fake.OpOpen, errors.New("busy"))
	test.That(t, s.Open(ctx, 2), test.ShouldNotBeNil)
	test.That(t, counting.released, test.ShouldEqual, counting.handed)

	// a failed configure closes the pipeline along with the device
	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)
	err = s.ConfigureStreams(ctx, []config.Output{{Stream: stream.Fisheye, Rate: 30, Width: 640, Height: 480}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, counting.released, test.ShouldEqual, counting.handed)
	test.That(t, rsctx.Handles(), test.ShouldEqual, 0)
	test.That(t, rsctx.Pipelines(), test.ShouldEqual, 0)
}

func TestOpenNotConnected(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rsctx := fake.NewContext(1)
	s := New(rsctx, logger)
	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)

	err := s.Open(ctx, 3)
	test.That(t, errors.Is(err, ErrDeviceNotConnected), test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("Device 3 is not connected.").Len(), test.ShouldEqual, 1)
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 0)

	rsctx.SetDevices()
	err = s.Open(ctx, 0)
	test.That(t, errors.Is(err, ErrDeviceNotConnected), test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("There are 0 connected RealSense devices.").Len(), test.ShouldEqual, 1)

	rsctx.FailNext(fake.OpQuery, errors.New("no usb"))
	err = s.Open(ctx, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no usb")
}

func TestOpenPipelineFailure(t *testing.T) {
	rsctx := fake.NewContext(1)
	rsctx.FailNext(fake.OpOpen, errors.New("busy"))
	s := New(rsctx, logging.NewTestLogger(t))
	err := s.Open(context.Background(), 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
}

func TestConfigureStreams(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	s := New(rsctx, logging.NewTestLogger(t))
	test.That(t, errors.Is(s.ConfigureStreams(ctx, []config.Output{config.DefaultOutput()}), ErrDeviceNotConnected),
		test.ShouldBeTrue)
	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)

	outputs := []config.Output{
		{Stream: stream.DepthAlignedToColor, Rate: 30, Width: 320, Height: 240},
		{Stream: stream.Infrared, Index: 1, Rate: 60, Width: 640, Height: 480},
	}
	test.That(t, s.ConfigureStreams(ctx, outputs), test.ShouldBeNil)
	test.That(t, s.Streaming(), test.ShouldBeTrue)

	events := rsctx.Events()
	start := events[len(events)-1]
	test.That(t, start.Op, test.ShouldEqual, fake.OpStart)
	test.That(t, start.Requests, test.ShouldResemble, []rs.StreamRequest{
		{Stream: rs.StreamDepth, Width: 320, Height: 240, Format: rs.FormatZ16, Rate: 30},
		{Stream: rs.StreamInfrared, Index: 1, Width: 640, Height: 480, Format: rs.FormatY8, Rate: 60},
		{Stream: rs.StreamColor},
	})

	profile := s.Profile()
	color, err := profile.Stream(rs.StreamColor, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, color.Width, test.ShouldEqual, 640)

	fs, err := s.WaitForFrames(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(fs.Frames), test.ShouldEqual, 3)

	// reconfiguring stops the running pipeline first
	rsctx.ResetEvents()
	test.That(t, s.ConfigureStreams(ctx, outputs[1:]), test.ShouldBeNil)
	test.That(t, ops(rsctx), test.ShouldResemble, []fake.Op{fake.OpStop, fake.OpStart})
	test.That(t, rsctx.Events()[1].Requests, test.ShouldHaveLength, 1)

	// no outputs leaves the device open but not streaming
	test.That(t, s.ConfigureStreams(ctx, nil), test.ShouldBeNil)
	test.That(t, s.IsOpen(), test.ShouldBeTrue)
	test.That(t, s.Streaming(), test.ShouldBeFalse)
	_, err = s.WaitForFrames(ctx)
	test.That(t, errors.Is(err, ErrNotStreaming), test.ShouldBeTrue)
}

func TestConfigureStreamsCompanionAlreadyEnabled(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	s := New(rsctx, logging.NewTestLogger(t))
	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)

	outputs := []config.Output{
		{Stream: stream.DepthAlignedToColor, Rate: 30, Width: 320, Height: 240},
		{Stream: stream.Color, Rate: 30, Width: 1280, Height: 720},
	}
	test.That(t, s.ConfigureStreams(ctx, outputs), test.ShouldBeNil)
	events := rsctx.Events()
	test.That(t, events[len(events)-1].Requests, test.ShouldResemble, []rs.StreamRequest{
		{Stream: rs.StreamDepth, Width: 320, Height: 240, Format: rs.FormatZ16, Rate: 30},
		{Stream: rs.StreamColor, Width: 1280, Height: 720, Format: rs.FormatRGB8, Rate: 30},
	})
}

func TestConfigureStreamsFailureCloses(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rsctx := fake.NewContext(1)
	s := New(rsctx, logger)

	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)
	err := s.ConfigureStreams(ctx, []config.Output{{Stream: stream.Fisheye, Rate: 30, Width: 640, Height: 480}})
	test.That(t, errors.Is(err, rs.ErrNoMatchingProfile), test.ShouldBeTrue)
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 0)
	test.That(t, logs.FilterMessage("cannot configure streams").Len(), test.ShouldEqual, 1)

	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)
	err = s.ConfigureStreams(ctx, []config.Output{{Stream: stream.Any}})
	test.That(t, errors.Is(err, stream.ErrUnsupportedStream), test.ShouldBeTrue)
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	s := New(rsctx, logging.NewTestLogger(t))
	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)
	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, s.ConfigureStreams(ctx, []config.Output{config.DefaultOutput()}), test.ShouldBeNil)
	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, rsctx.Count(fake.OpStop), test.ShouldEqual, 1)
	test.That(t, s.Close(), test.ShouldBeNil)
}

func TestWaitForFramesTimeout(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	s := New(rsctx, logging.NewTestLogger(t))
	s.SetTimeout(time.Millisecond)
	test.That(t, s.timeout, test.ShouldEqual, time.Millisecond)
	s.SetTimeout(0)
	test.That(t, s.timeout, test.ShouldEqual, rs.DefaultTimeout)

	test.That(t, s.Open(ctx, 0), test.ShouldBeNil)
	test.That(t, s.ConfigureStreams(ctx, []config.Output{config.DefaultOutput()}), test.ShouldBeNil)
	rsctx.FailNext(fake.OpWait, rs.ErrTimeout)
	_, err := s.WaitForFrames(ctx)
	test.That(t, errors.Is(err, rs.ErrTimeout), test.ShouldBeTrue)
}
