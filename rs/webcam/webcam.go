// Package webcam exposes video drivers found by mediadevices as single sensor devices. Drivers
// that deliver Z16 frames are depth sensors and everything else is a color sensor.
package webcam

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/rs"
)

// depthScale is the unit of Z16 webcam frames, which report millimeters.
const depthScale = 0.001

// Context enumerates video recorder drivers.
type Context struct {
	logger logging.Logger
	query  func() []driver.Driver
}

// NewContext returns a context over the system's video drivers.
func NewContext(logger logging.Logger) *Context {
	return &Context{
		logger: logger,
		query: func() []driver.Driver {
			mediadevicescamera.Initialize()
			return driver.GetManager().Query(driver.FilterVideoRecorder())
		},
	}
}

// QueryDevices lists the drivers that can record video and report at least one property.
func (c *Context) QueryDevices(ctx context.Context) ([]rs.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var devices []rs.Device
	for _, d := range c.query() {
		label := d.Info().Label
		if _, ok := d.(driver.VideoRecorder); !ok {
			c.logger.Debugw("driver cannot record video, skipping", "driver", label)
			continue
		}
		props, err := driverProperties(d)
		if err != nil {
			c.logger.Debugw("cannot access driver properties, skipping", "driver", label, "error", err)
			continue
		}
		if len(props) == 0 {
			c.logger.Debugw("no properties detected for driver, skipping", "driver", label)
			continue
		}
		devices = append(devices, newDevice(d, props))
	}
	return devices, nil
}

// driverProperties opens a closed driver long enough to read its properties.
func driverProperties(d driver.Driver) (_ []prop.Media, err error) {
	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			return nil, err
		}
		defer func() {
			if errClose := d.Close(); errClose != nil && err == nil {
				err = errClose
			}
		}()
	}
	return d.Properties(), nil
}

type device struct {
	mu       sync.Mutex
	driver   driver.Driver
	props    []prop.Media
	sensor   rs.Stream
	info     rs.DeviceInfo
	released bool
}

func newDevice(d driver.Driver, props []prop.Media) *device {
	sensor := rs.StreamColor
	if lo.ContainsBy(props, func(p prop.Media) bool { return p.FrameFormat == frame.FormatZ16 }) {
		sensor = rs.StreamDepth
		props = lo.Filter(props, func(p prop.Media, _ int) bool { return p.FrameFormat == frame.FormatZ16 })
	}
	name := strings.Split(d.Info().Label, mediadevicescamera.LabelSeparator)[0]
	return &device{
		driver: d,
		props:  props,
		sensor: sensor,
		info:   rs.DeviceInfo{Name: name, Serial: d.ID()},
	}
}

func (d *device) Info() rs.DeviceInfo {
	return d.info
}

func (d *device) NewPipeline() (rs.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, errors.New("device was released")
	}
	return &pipeline{dev: d}, nil
}

// Release closes the driver if a pipeline left it open.
func (d *device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	d.released = true
	if d.driver.Status() == driver.StateClosed {
		return nil
	}
	return d.driver.Close()
}

// pickMedia chooses the property that best satisfies req. Explicit dimensions must match exactly;
// otherwise the one closest to 640x480 wins. Ties go to the closest frame rate.
func pickMedia(props []prop.Media, req rs.StreamRequest) (prop.Media, error) {
	candidates := props
	if req.Width > 0 || req.Height > 0 {
		candidates = lo.Filter(props, func(p prop.Media, _ int) bool {
			return (req.Width == 0 || p.Width == req.Width) && (req.Height == 0 || p.Height == req.Height)
		})
	}
	if len(candidates) == 0 {
		return prop.Media{}, errors.Wrapf(rs.ErrNoMatchingProfile, "no %dx%d mode", req.Width, req.Height)
	}
	wantRate := float32(req.Rate)
	if wantRate == 0 {
		wantRate = 30
	}
	cost := func(p prop.Media) (int, float32) {
		dims := abs(p.Width-640) + abs(p.Height-480)
		if req.Width > 0 || req.Height > 0 {
			dims = 0
		}
		rate := p.FrameRate - wantRate
		if rate < 0 {
			rate = -rate
		}
		return dims, rate
	}
	return lo.MinBy(candidates, func(a, b prop.Media) bool {
		ad, ar := cost(a)
		bd, br := cost(b)
		if ad != bd {
			return ad < bd
		}
		return ar < br
	}), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// nominalIntrinsics assumes a centered principal point and roughly a 53 degree horizontal field
// of view, since webcams do not report calibration.
func nominalIntrinsics(w, h int) rs.Intrinsics {
	return rs.Intrinsics{
		Width:  w,
		Height: h,
		Fx:     float64(w),
		Fy:     float64(w),
		Ppx:    float64(w) / 2,
		Ppy:    float64(h) / 2,
	}
}

type pipeline struct {
	dev     *device
	reader  video.Reader
	profile *rs.Profile
	frame   uint64
	closed  bool
}

func (p *pipeline) Start(ctx context.Context, cfg *rs.Config) (*rs.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed {
		return nil, errors.New("pipeline was closed")
	}
	if p.profile != nil {
		return nil, errors.New("pipeline is already started")
	}
	reqs := cfg.Requests()
	if len(reqs) != 1 {
		return nil, errors.Wrapf(rs.ErrNoMatchingProfile, "webcams produce one stream, %d requested", len(reqs))
	}
	req := reqs[0]
	d := p.dev
	if req.Stream != d.sensor || req.Index != 0 {
		return nil, errors.Wrapf(rs.ErrNoMatchingProfile, "%s has no %s[%d] sensor", d.info.Name, req.Stream, req.Index)
	}
	format := rs.FormatRGB8
	if d.sensor == rs.StreamDepth {
		format = rs.FormatZ16
	}
	if req.Format != rs.FormatAny && req.Format != format {
		return nil, errors.Wrapf(rs.ErrNoMatchingProfile, "%s does not produce %s", req.Stream, req.Format)
	}
	media, err := pickMedia(d.props, req)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, errors.New("device was released")
	}
	if d.driver.Status() == driver.StateClosed {
		if err := d.driver.Open(); err != nil {
			return nil, errors.Wrap(err, "cannot open driver")
		}
	}
	recorder, ok := d.driver.(driver.VideoRecorder)
	if !ok {
		return nil, errors.Errorf("%s cannot record video", d.info.Name)
	}
	reader, err := recorder.VideoRecord(media)
	if err != nil {
		return nil, errors.Wrap(err, "cannot start recording")
	}

	sp := rs.StreamProfile{
		Stream:     d.sensor,
		Format:     format,
		Width:      media.Width,
		Height:     media.Height,
		Rate:       int(media.FrameRate),
		Intrinsics: nominalIntrinsics(media.Width, media.Height),
	}
	if d.sensor == rs.StreamDepth {
		sp.DepthScale = depthScale
	}
	p.reader = reader
	p.profile = rs.NewProfile(d.info, []rs.StreamProfile{sp})
	p.frame = 0
	return p.profile, nil
}

// Stop closes the driver, which ends recording.
func (p *pipeline) Stop() error {
	if p.profile == nil {
		return rs.ErrNotStarted
	}
	p.profile = nil
	p.reader = nil
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.driver.Status() == driver.StateClosed {
		return nil
	}
	return d.driver.Close()
}

// Close stops recording if it is running. The driver itself belongs to the device.
func (p *pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.profile == nil {
		return nil
	}
	return p.Stop()
}

type readResult struct {
	frame *rs.Frame
	err   error
}

// WaitForFrames reads one image. A read that outlives the timeout is abandoned and its image
// dropped when it arrives.
func (p *pipeline) WaitForFrames(ctx context.Context, timeout time.Duration) (*rs.FrameSet, error) {
	if p.profile == nil {
		return nil, rs.ErrNotStarted
	}
	if timeout <= 0 {
		timeout = rs.DefaultTimeout
	}
	sp := p.profile.Streams[0]
	p.frame++
	n := p.frame

	results := make(chan readResult, 1)
	reader := p.reader
	go func() {
		img, release, err := reader.Read()
		if release != nil {
			defer release()
		}
		if err != nil {
			results <- readResult{err: err}
			return
		}
		f, err := toFrame(img, sp, n)
		results <- readResult{frame: f, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, rs.ErrTimeout
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return &rs.FrameSet{Frames: []*rs.Frame{res.frame}}, nil
	}
}
