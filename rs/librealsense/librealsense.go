//go:build realsense

package librealsense

/*
#cgo linux darwin LDFLAGS: -L/usr/local/lib/ -lrealsense2
#cgo CPPFLAGS: -I/usr/local/include
#include <stdlib.h>
#include <librealsense2/rs.h>
#include <librealsense2/h/rs_pipeline.h>
#include <librealsense2/h/rs_config.h>
*/
import "C"

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/jitrealsense/rs"
)

func errorFrom(err *C.rs2_error) error {
	if err == nil {
		return nil
	}
	defer C.rs2_free_error(err)
	msg := C.GoString(C.rs2_get_error_message(err))
	if strings.Contains(msg, "didn't arrive") {
		return errors.Wrap(rs.ErrTimeout, msg)
	}
	return errors.New(msg)
}

// Context is an SDK context. It must be closed.
type Context struct {
	mu  sync.Mutex
	ctx *C.rs2_context
}

// NewContext creates an SDK context.
func NewContext() (*Context, error) {
	var errc *C.rs2_error
	ctx := C.rs2_create_context(C.RS2_API_VERSION, &errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	return &Context{ctx: ctx}, nil
}

// Close deletes the SDK context.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		C.rs2_delete_context(c.ctx)
		c.ctx = nil
	}
	return nil
}

// QueryDevices enumerates connected devices in SDK order.
func (c *Context) QueryDevices(ctx context.Context) ([]rs.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, errors.New("context is closed")
	}

	var errc *C.rs2_error
	list := C.rs2_query_devices(c.ctx, &errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	defer C.rs2_delete_device_list(list)

	count := int(C.rs2_get_device_count(list, &errc))
	if errc != nil {
		return nil, errorFrom(errc)
	}
	devices := make([]rs.Device, 0, count)
	for i := 0; i < count; i++ {
		dev := C.rs2_create_device(list, C.int(i), &errc)
		if errc != nil {
			for _, d := range devices {
				goutils.UncheckedError(d.Release())
			}
			return nil, errorFrom(errc)
		}
		devices = append(devices, &device{
			ctx: c,
			dev: dev,
			info: rs.DeviceInfo{
				Name:     cameraInfo(dev, C.RS2_CAMERA_INFO_NAME),
				Serial:   cameraInfo(dev, C.RS2_CAMERA_INFO_SERIAL_NUMBER),
				Firmware: cameraInfo(dev, C.RS2_CAMERA_INFO_FIRMWARE_VERSION),
			},
		})
	}
	return devices, nil
}

func cameraInfo(dev *C.rs2_device, field C.rs2_camera_info) string {
	var errc *C.rs2_error
	if C.rs2_supports_device_info(dev, field, &errc) == 0 || errc != nil {
		C.rs2_free_error(errc)
		return ""
	}
	v := C.rs2_get_device_info(dev, field, &errc)
	if errc != nil {
		C.rs2_free_error(errc)
		return ""
	}
	return C.GoString(v)
}

type device struct {
	ctx  *Context
	dev  *C.rs2_device
	info rs.DeviceInfo
}

func (d *device) Info() rs.DeviceInfo {
	return d.info
}

func (d *device) NewPipeline() (rs.Pipeline, error) {
	if d.dev == nil {
		return nil, errors.New("device was released")
	}
	var errc *C.rs2_error
	p := C.rs2_create_pipeline(d.ctx.ctx, &errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	return &pipeline{dev: d, p: p}, nil
}

func (d *device) Release() error {
	if d.dev == nil {
		return nil
	}
	C.rs2_delete_device(d.dev)
	d.dev = nil
	return nil
}

type pipeline struct {
	dev     *device
	p       *C.rs2_pipeline
	started *C.rs2_pipeline_profile
	profile *rs.Profile
}

func (p *pipeline) Start(ctx context.Context, cfg *rs.Config) (*rs.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.p == nil {
		return nil, errors.New("pipeline was closed")
	}
	if p.started != nil {
		return nil, errors.New("pipeline is already started")
	}
	var errc *C.rs2_error
	conf := C.rs2_create_config(&errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	defer C.rs2_delete_config(conf)

	serial := C.CString(p.dev.info.Serial)
	defer C.free(unsafe.Pointer(serial))
	C.rs2_config_enable_device(conf, serial, &errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	for _, req := range cfg.Requests() {
		C.rs2_config_enable_stream(conf, C.rs2_stream(req.Stream), C.int(req.Index),
			C.int(req.Width), C.int(req.Height), C.rs2_format(req.Format), C.int(req.Rate), &errc)
		if errc != nil {
			return nil, errors.Wrapf(errorFrom(errc), "cannot enable %s", req)
		}
	}

	started := C.rs2_pipeline_start_with_config(p.p, conf, &errc)
	if errc != nil {
		return nil, errors.Wrap(rs.ErrNoMatchingProfile, errorFrom(errc).Error())
	}
	profile, err := p.describe(started)
	if err != nil {
		C.rs2_pipeline_stop(p.p, &errc)
		C.rs2_free_error(errc)
		C.rs2_delete_pipeline_profile(started)
		return nil, err
	}
	p.started = started
	p.profile = profile
	return profile, nil
}

// describe reads the resolved stream profiles, depth scale and extrinsics of a started pipeline.
func (p *pipeline) describe(started *C.rs2_pipeline_profile) (*rs.Profile, error) {
	var errc *C.rs2_error
	list := C.rs2_pipeline_profile_get_streams(started, &errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	defer C.rs2_delete_stream_profiles_list(list)
	count := int(C.rs2_get_stream_profiles_count(list, &errc))
	if errc != nil {
		return nil, errorFrom(errc)
	}

	scale, err := depthScale(started)
	if err != nil {
		return nil, err
	}
	natives := make([]*C.rs2_stream_profile, 0, count)
	streams := make([]rs.StreamProfile, 0, count)
	for i := 0; i < count; i++ {
		native := C.rs2_get_stream_profile(list, C.int(i), &errc)
		if errc != nil {
			return nil, errorFrom(errc)
		}
		sp, err := streamProfile(native)
		if err != nil {
			return nil, err
		}
		if sp.Stream == rs.StreamDepth {
			sp.DepthScale = scale
		}
		natives = append(natives, native)
		streams = append(streams, sp)
	}

	profile := rs.NewProfile(p.dev.info, streams)
	for i, from := range natives {
		for j, to := range natives {
			if i == j {
				continue
			}
			var ext C.rs2_extrinsics
			C.rs2_get_extrinsics(from, to, &ext, &errc)
			if errc != nil {
				C.rs2_free_error(errc)
				errc = nil
				continue
			}
			profile.SetExtrinsics(streams[i], streams[j], extrinsics(ext))
		}
	}
	return profile, nil
}

func streamProfile(native *C.rs2_stream_profile) (rs.StreamProfile, error) {
	var (
		errc   *C.rs2_error
		stream C.rs2_stream
		format C.rs2_format
		index  C.int
		uid    C.int
		rate   C.int
	)
	C.rs2_get_stream_profile_data(native, &stream, &format, &index, &uid, &rate, &errc)
	if errc != nil {
		return rs.StreamProfile{}, errorFrom(errc)
	}
	sp := rs.StreamProfile{
		Stream: rs.Stream(stream),
		Index:  int(index),
		Format: rs.Format(format),
		Rate:   int(rate),
	}
	if sp.Format > rs.FormatRAW10 {
		return rs.StreamProfile{}, errors.Errorf("unsupported format %d", int(format))
	}
	var w, h C.int
	C.rs2_get_video_stream_resolution(native, &w, &h, &errc)
	if errc != nil {
		return rs.StreamProfile{}, errorFrom(errc)
	}
	sp.Width, sp.Height = int(w), int(h)

	var intr C.rs2_intrinsics
	C.rs2_get_video_stream_intrinsics(native, &intr, &errc)
	if errc != nil {
		// motion and uncalibrated streams have none
		C.rs2_free_error(errc)
		return sp, nil
	}
	sp.Intrinsics = rs.Intrinsics{
		Width:  int(intr.width),
		Height: int(intr.height),
		Fx:     float64(intr.fx),
		Fy:     float64(intr.fy),
		Ppx:    float64(intr.ppx),
		Ppy:    float64(intr.ppy),
	}
	return sp, nil
}

// extrinsics converts the SDK's column major rotation into rows.
func extrinsics(ext C.rs2_extrinsics) rs.Extrinsics {
	rot := func(i int) float64 { return float64(ext.rotation[i]) }
	return rs.Extrinsics{
		Rotation: [3]r3.Vector{
			{X: rot(0), Y: rot(3), Z: rot(6)},
			{X: rot(1), Y: rot(4), Z: rot(7)},
			{X: rot(2), Y: rot(5), Z: rot(8)},
		},
		Translation: r3.Vector{
			X: float64(ext.translation[0]),
			Y: float64(ext.translation[1]),
			Z: float64(ext.translation[2]),
		},
	}
}

// depthScale returns the meters per unit of the device's depth sensor, or 0 without one.
func depthScale(started *C.rs2_pipeline_profile) (float64, error) {
	var errc *C.rs2_error
	dev := C.rs2_pipeline_profile_get_device(started, &errc)
	if errc != nil {
		return 0, errorFrom(errc)
	}
	defer C.rs2_delete_device(dev)
	sensors := C.rs2_query_sensors(dev, &errc)
	if errc != nil {
		return 0, errorFrom(errc)
	}
	defer C.rs2_delete_sensor_list(sensors)
	count := int(C.rs2_get_sensors_count(sensors, &errc))
	if errc != nil {
		return 0, errorFrom(errc)
	}
	for i := 0; i < count; i++ {
		sensor := C.rs2_create_sensor(sensors, C.int(i), &errc)
		if errc != nil {
			return 0, errorFrom(errc)
		}
		isDepth := C.rs2_is_sensor_extendable_to(sensor, C.RS2_EXTENSION_DEPTH_SENSOR, &errc) != 0
		if errc != nil {
			C.rs2_delete_sensor(sensor)
			return 0, errorFrom(errc)
		}
		if !isDepth {
			C.rs2_delete_sensor(sensor)
			continue
		}
		scale := float64(C.rs2_get_depth_scale(sensor, &errc))
		C.rs2_delete_sensor(sensor)
		if errc != nil {
			return 0, errorFrom(errc)
		}
		return scale, nil
	}
	return 0, nil
}

func (p *pipeline) Stop() error {
	if p.started == nil {
		return rs.ErrNotStarted
	}
	var errc *C.rs2_error
	C.rs2_pipeline_stop(p.p, &errc)
	C.rs2_delete_pipeline_profile(p.started)
	p.started = nil
	p.profile = nil
	return errorFrom(errc)
}

func (p *pipeline) Close() error {
	if p.p == nil {
		return nil
	}
	var err error
	if p.started != nil {
		err = p.Stop()
	}
	C.rs2_delete_pipeline(p.p)
	p.p = nil
	return err
}

// WaitForFrames blocks in the SDK. The context is only checked before waiting since the SDK call
// cannot be interrupted.
func (p *pipeline) WaitForFrames(ctx context.Context, timeout time.Duration) (*rs.FrameSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.started == nil {
		return nil, rs.ErrNotStarted
	}
	if timeout <= 0 {
		timeout = rs.DefaultTimeout
	}
	ms := uint64(timeout.Milliseconds())
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}

	var errc *C.rs2_error
	frames := C.rs2_pipeline_wait_for_frames(p.p, C.uint(ms), &errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	defer C.rs2_release_frame(frames)

	count := int(C.rs2_embedded_frames_count(frames, &errc))
	if errc != nil {
		return nil, errorFrom(errc)
	}
	fs := &rs.FrameSet{Frames: make([]*rs.Frame, 0, count)}
	for i := 0; i < count; i++ {
		native := C.rs2_extract_frame(frames, C.int(i), &errc)
		if errc != nil {
			return nil, errorFrom(errc)
		}
		f, err := p.copyFrame(native)
		C.rs2_release_frame(native)
		if err != nil {
			return nil, err
		}
		fs.Frames = append(fs.Frames, f)
	}
	return fs, nil
}

// copyFrame copies an SDK frame into Go memory and attaches its active profile.
func (p *pipeline) copyFrame(native *C.rs2_frame) (*rs.Frame, error) {
	var errc *C.rs2_error
	sp, err := streamProfile(C.rs2_get_frame_stream_profile(native, &errc))
	if errc != nil {
		return nil, errorFrom(errc)
	}
	if err != nil {
		return nil, err
	}
	if active, err := p.profile.Stream(sp.Stream, sp.Index); err == nil {
		sp = active
	}
	stride := int(C.rs2_get_frame_stride_in_bytes(native, &errc))
	if errc != nil {
		return nil, errorFrom(errc)
	}
	data := C.rs2_get_frame_data(native, &errc)
	if errc != nil {
		return nil, errorFrom(errc)
	}
	number := uint64(C.rs2_get_frame_number(native, &errc))
	if errc != nil {
		return nil, errorFrom(errc)
	}
	millis := float64(C.rs2_get_frame_timestamp(native, &errc))
	if errc != nil {
		return nil, errorFrom(errc)
	}
	return &rs.Frame{
		Profile:   sp,
		Data:      C.GoBytes(data, C.int(stride*sp.Height)),
		Stride:    stride,
		Number:    number,
		Timestamp: time.UnixMicro(int64(millis * 1000)),
	}, nil
}
