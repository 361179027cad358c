package jit

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/matrix"
	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/rs/fake"
	"go.viam.com/jitrealsense/session"
	"go.viam.com/jitrealsense/stream"
)

func attrsWith(outputs ...config.Output) config.Attributes {
	a := config.Default()
	a.OutCount = len(outputs)
	copy(a.Outputs[:], outputs)
	return a
}

func newOutputs(t *testing.T) matrix.DenseList {
	t.Helper()
	list, err := matrix.NewDenseList(Outlets)
	test.That(t, err, test.ShouldBeNil)
	return list
}

var depth640 = config.Output{Stream: stream.Depth, Rate: 60, Width: 640, Height: 480}

func TestDepthEndToEnd(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t), WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)
	test.That(t, obj.Streaming(), test.ShouldBeTrue)

	outputs := newOutputs(t)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)

	m := outputs[0]
	info := m.Info()
	test.That(t, info.Width(), test.ShouldEqual, 640)
	test.That(t, info.Height(), test.ShouldEqual, 480)
	test.That(t, info.PlaneCount, test.ShouldEqual, 1)
	test.That(t, info.Type, test.ShouldEqual, matrix.Long)
	for _, p := range [][2]int{{0, 0}, {639, 0}, {17, 33}, {639, 479}} {
		test.That(t, m.Long(p[0], p[1], 0), test.ShouldEqual, int32(fake.Depth(p[0], p[1], 1)))
	}
	test.That(t, m.Locked(), test.ShouldBeFalse)
	test.That(t, obj.Stats().Frames, test.ShouldEqual, uint64(1))

	// unused outlets are left alone
	test.That(t, outputs[1].Resizes(), test.ShouldEqual, 0)
}

func TestNoReconfigurationWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t), WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	for i := 0; i < 3; i++ {
		test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	}
	// setting an attribute to its current value is not a change
	test.That(t, obj.Set("rs_dim", 640, 480), test.ShouldBeNil)
	// nor is editing an inactive output
	test.That(t, obj.Set("out4_rs_stream", "Color"), test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)

	test.That(t, rsctx.Count(fake.OpStart), test.ShouldEqual, 1)
	test.That(t, rsctx.Count(fake.OpStop), test.ShouldEqual, 0)
	test.That(t, rsctx.Count(fake.OpWait), test.ShouldEqual, 4)

	// the matrix was shaped once and never resized again
	test.That(t, outputs[0].Resizes(), test.ShouldEqual, 1)
	test.That(t, obj.Stats().Resizes, test.ShouldEqual, uint64(1))
	test.That(t, obj.Stats().Reconfigures, test.ShouldEqual, uint64(0))
	test.That(t, outputs[0].Long(3, 4, 0), test.ShouldEqual, int32(fake.Depth(3, 4, 4)))
}

func TestNoResizeWhenAlreadyShaped(t *testing.T) {
	ctx := context.Background()
	obj, err := New(ctx, fake.NewContext(1), logging.NewTestLogger(t), WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	m, err := matrix.NewDense(matrix.NewInfo(matrix.Long, 1, 640, 480))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, matrix.DenseList{m}), test.ShouldBeNil)
	test.That(t, m.Resizes(), test.ShouldEqual, 0)
	test.That(t, m.Long(10, 10, 0), test.ShouldEqual, int32(fake.Depth(10, 10, 1)))
}

func TestDeviceNotConnected(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rsctx := fake.NewContext(2)
	a := attrsWith(depth640)
	a.Device = 5
	obj, err := New(ctx, rsctx, logger, WithAttributes(a))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	test.That(t, logs.FilterMessage("There are 2 connected RealSense devices.").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("Device 5 is not connected.").Len(), test.ShouldEqual, 1)
	test.That(t, obj.Streaming(), test.ShouldBeFalse)
	_, ok := obj.Identity()
	test.That(t, ok, test.ShouldBeFalse)

	m, err := matrix.NewDense(matrix.NewInfo(matrix.Char, 1, 2, 2))
	test.That(t, err, test.ShouldBeNil)
	copy(m.Data(), []byte{1, 2, 3, 4})
	outputs := matrix.DenseList{m}
	for i := 0; i < 2; i++ {
		err := obj.MatrixCalc(ctx, outputs)
		test.That(t, errors.Is(err, ErrNoDevice), test.ShouldBeTrue)
	}
	test.That(t, logs.FilterMessage("No device").Len(), test.ShouldEqual, 2)
	test.That(t, m.Data(), test.ShouldResemble, []byte{1, 2, 3, 4})
	test.That(t, m.Resizes(), test.ShouldEqual, 0)
	// no retries
	test.That(t, rsctx.Count(fake.OpQuery), test.ShouldEqual, 1)

	// choosing a connected device recovers
	test.That(t, obj.Set("rs_device", 1), test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	info, ok := obj.Identity()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, info.Serial, test.ShouldEqual, fake.DefaultDevice(1).Serial)
	test.That(t, m.Info().Width(), test.ShouldEqual, 640)
}

func TestStreamChange(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t), WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	test.That(t, outputs[0].Info().Type, test.ShouldEqual, matrix.Long)

	rsctx.ResetEvents()
	test.That(t, obj.Set("rs_stream", int(stream.Color)), test.ShouldBeNil)
	test.That(t, obj.Set("rs_dim", 320, 240), test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)

	// streams are reconfigured on the open device
	ops := []fake.Op{}
	for _, e := range rsctx.Events() {
		ops = append(ops, e.Op)
	}
	test.That(t, ops, test.ShouldResemble, []fake.Op{fake.OpStop, fake.OpStart, fake.OpWait})
	test.That(t, obj.Stats().Reconfigures, test.ShouldEqual, uint64(1))

	m := outputs[0]
	info := m.Info()
	test.That(t, info.Width(), test.ShouldEqual, 320)
	test.That(t, info.Height(), test.ShouldEqual, 240)
	test.That(t, info.PlaneCount, test.ShouldEqual, 3)
	test.That(t, info.Type, test.ShouldEqual, matrix.Char)
	test.That(t, m.Resizes(), test.ShouldEqual, 2)
	r, g, b := fake.Color(100, 50, 1)
	test.That(t, m.Char(100, 50, 0), test.ShouldEqual, r)
	test.That(t, m.Char(100, 50, 1), test.ShouldEqual, g)
	test.That(t, m.Char(100, 50, 2), test.ShouldEqual, b)
}

func TestDeviceChangeClosesFirst(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(2)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t), WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)

	rsctx.ResetEvents()
	test.That(t, obj.Set("rs_device", 1), test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 1)

	events := rsctx.Events()
	releaseAt, openAt := -1, -1
	for i, e := range events {
		switch {
		case e.Op == fake.OpRelease && e.Serial == fake.DefaultDevice(0).Serial && releaseAt < 0:
			releaseAt = i
		case e.Op == fake.OpOpen && e.Serial == fake.DefaultDevice(1).Serial:
			openAt = i
		}
	}
	test.That(t, releaseAt, test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, openAt, test.ShouldBeGreaterThan, releaseAt)
	test.That(t, events[0].Op, test.ShouldEqual, fake.OpStop)
	test.That(t, obj.Stats().Rebuilds, test.ShouldEqual, uint64(2))
}

func TestOutCountChangeRebuilds(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t), WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	test.That(t, obj.Set("out2_rs_stream", "Infrared"), test.ShouldBeNil)
	test.That(t, obj.Set("rs_out_count", 2), test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	test.That(t, rsctx.Count(fake.OpOpen), test.ShouldEqual, 2)
	test.That(t, outputs[1].Info().Type, test.ShouldEqual, matrix.Char)
	test.That(t, outputs[1].Char(8, 0, 0), test.ShouldEqual, fake.Infrared(8, 0, 0, 1))

	test.That(t, obj.Set("rs_out_count", 0), test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	test.That(t, obj.Streaming(), test.ShouldBeFalse)
	_, ok := obj.Identity()
	test.That(t, ok, test.ShouldBeTrue)
}

func TestFailureForcesReopen(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logger, WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	before := outputs[0].Long(0, 0, 0)

	rsctx.FailNext(fake.OpWait, rs.ErrTimeout)
	err = obj.MatrixCalc(ctx, outputs)
	test.That(t, errors.Is(err, rs.ErrTimeout), test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("matrix_calc failed").Len(), test.ShouldEqual, 1)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 0)
	test.That(t, obj.Streaming(), test.ShouldBeFalse)
	test.That(t, outputs[0].Long(0, 0, 0), test.ShouldEqual, before)

	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 1)
	stats := obj.Stats()
	test.That(t, stats.Failures, test.ShouldEqual, uint64(1))
	test.That(t, stats.Rebuilds, test.ShouldEqual, uint64(2))
	test.That(t, stats.Ticks, test.ShouldEqual, uint64(3))
	test.That(t, stats.Frames, test.ShouldEqual, uint64(2))
}

func TestConstructionFailureRetries(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	rsctx.FailNext(fake.OpStart, errors.New("usb reset"))
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t), WithAttributes(attrsWith(depth640)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)
	test.That(t, obj.Streaming(), test.ShouldBeFalse)

	test.That(t, obj.MatrixCalc(ctx, newOutputs(t)), test.ShouldBeNil)
	test.That(t, obj.Streaming(), test.ShouldBeTrue)
}

func TestUnsupportedStream(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logger, WithAttributes(attrsWith(config.Output{Stream: stream.Any})))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)
	test.That(t, logs.FilterMessage("cannot configure streams").Len(), test.ShouldEqual, 1)

	outputs := newOutputs(t)
	err = obj.MatrixCalc(ctx, outputs)
	test.That(t, errors.Is(err, ErrNoDevice), test.ShouldBeTrue)
	test.That(t, rsctx.Count(fake.OpQuery), test.ShouldEqual, 1)

	test.That(t, obj.Set("rs_stream", "Depth"), test.ShouldBeNil)
	test.That(t, obj.Set("rs_dim", 64, 48), test.ShouldBeNil)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	test.That(t, outputs[0].Info().Width(), test.ShouldEqual, 64)
}

func TestMissingMatrix(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	rsctx := fake.NewContext(1)
	color := config.Output{Stream: stream.Color, Rate: 30, Width: 64, Height: 48}
	obj, err := New(ctx, rsctx, logger, WithAttributes(attrsWith(depth640, color)))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	err = obj.MatrixCalc(ctx, outputs[:1])
	test.That(t, errors.Is(err, ErrMissingMatrix), test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("Output 2 has no matrix").Len(), test.ShouldEqual, 1)
	test.That(t, outputs[0].Info().Width(), test.ShouldEqual, 640)
	// the device stays up
	test.That(t, obj.Streaming(), test.ShouldBeTrue)

	err = obj.MatrixCalc(ctx, nil)
	test.That(t, errors.Is(err, ErrMissingMatrix), test.ShouldBeTrue)
	test.That(t, obj.Stats().Failures, test.ShouldEqual, uint64(0))
}

func TestPointCloudOutput(t *testing.T) {
	ctx := context.Background()
	obj, err := New(ctx, fake.NewContext(1), logging.NewTestLogger(t),
		WithAttributes(attrsWith(config.Output{Stream: stream.Points, Rate: 30, Width: 64, Height: 48})))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	m := outputs[0]
	test.That(t, m.Info().Type, test.ShouldEqual, matrix.Float32)
	test.That(t, m.Info().PlaneCount, test.ShouldEqual, 3)
	test.That(t, m.Info().Width(), test.ShouldEqual, 64)
	z := float64(m.Float32(20, 10, 2))
	test.That(t, z, test.ShouldAlmostEqual, float64(fake.Depth(20, 10, 1))*0.001, 1e-6)
}

func TestAlignedOutput(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t),
		WithAttributes(attrsWith(config.Output{Stream: stream.DepthAlignedToColor, Rate: 30, Width: 320, Height: 240})))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	info := outputs[0].Info()
	// output takes the color resolution
	test.That(t, info.Width(), test.ShouldEqual, 640)
	test.That(t, info.Height(), test.ShouldEqual, 480)
	test.That(t, info.Type, test.ShouldEqual, matrix.Long)

	nonZero := 0
	for y := 0; y < 480; y += 10 {
		for x := 0; x < 640; x += 10 {
			v := outputs[0].Long(x, y, 0)
			test.That(t, v, test.ShouldBeBetweenOrEqual, int32(0), int32(1600))
			if v > 0 {
				nonZero++
			}
		}
	}
	test.That(t, nonZero, test.ShouldBeGreaterThan, 0)
}

func TestRowPaddingIsHonoured(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	rsctx.SetRowPadding(6)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t),
		WithAttributes(attrsWith(config.Output{Stream: stream.Depth, Rate: 30, Width: 32, Height: 8})))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	outputs := newOutputs(t)
	test.That(t, obj.MatrixCalc(ctx, outputs), test.ShouldBeNil)
	test.That(t, outputs[0].Long(31, 7, 0), test.ShouldEqual, int32(fake.Depth(31, 7, 1)))
}

func TestFree(t *testing.T) {
	ctx := context.Background()
	rsctx := fake.NewContext(1)
	obj, err := New(ctx, rsctx, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 1)

	test.That(t, obj.Free(ctx), test.ShouldBeNil)
	test.That(t, rsctx.OpenDevices(), test.ShouldEqual, 0)
	test.That(t, rsctx.Handles(), test.ShouldEqual, 0)
	test.That(t, rsctx.Pipelines(), test.ShouldEqual, 0)
	test.That(t, obj.Free(ctx), test.ShouldBeNil)
	test.That(t, errors.Is(obj.MatrixCalc(ctx, newOutputs(t)), ErrFreed), test.ShouldBeTrue)
}

func TestAttributes(t *testing.T) {
	ctx := context.Background()
	obj, err := New(ctx, fake.NewContext(1), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer obj.Free(ctx)

	test.That(t, obj.AttributeNames(), test.ShouldResemble, config.Names())
	vals, err := obj.Get("rs_stream")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vals, test.ShouldResemble, []any{int(stream.Infrared)})

	test.That(t, obj.Set("rs_rate", 1000), test.ShouldBeNil)
	vals, err = obj.Get("rs_rate")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vals, test.ShouldResemble, []any{config.MaxRate})

	bad := config.Default()
	bad.OutCount = 8
	test.That(t, obj.SetAttributes(bad), test.ShouldNotBeNil)
	_, err = New(ctx, fake.NewContext(1), logging.NewTestLogger(t), WithAttributes(bad))
	test.That(t, err, test.ShouldNotBeNil)

	good := attrsWith(depth640)
	test.That(t, obj.SetAttributes(good), test.ShouldBeNil)
	test.That(t, obj.Attributes(), test.ShouldResemble, good)
}

func TestRetryable(t *testing.T) {
	test.That(t, retryable(rs.ErrTimeout), test.ShouldBeTrue)
	test.That(t, retryable(errors.Wrap(session.ErrDeviceNotConnected, "device 4")), test.ShouldBeFalse)
	test.That(t, retryable(stream.ErrUnsupportedStream), test.ShouldBeFalse)
}
