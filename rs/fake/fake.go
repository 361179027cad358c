// Package fake implements simulated depth cameras that produce deterministic synthetic frames.
// Every call that reaches a device is recorded so callers can check how the devices were driven.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/rs"
)

// Op names a call made against a simulated device.
type Op string

// Recorded operations.
const (
	OpQuery   Op = "query"
	OpOpen    Op = "open"
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpWait    Op = "wait"
	OpClose   Op = "close"
	OpRelease Op = "release"
)

// Event is one recorded call.
type Event struct {
	Op     Op
	Serial string
	// Requests holds the stream requests a start was made with.
	Requests []rs.StreamRequest
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name     string
	Serial   string
	Firmware string
	// Streams the device has sensors for. Empty means depth, color and infrared.
	Streams []rs.Stream
}

// DefaultDevice returns the spec of the i'th default device.
func DefaultDevice(i int) DeviceSpec {
	return DeviceSpec{
		Name:     "Intel RealSense D435",
		Serial:   fmt.Sprintf("8121220%05d", i),
		Firmware: "05.13.00.50",
	}
}

const (
	defaultWidth  = 640
	defaultHeight = 480
	defaultRate   = 30
	maxDim        = 4096
	depthScale    = 0.001
)

// sensor positions along x in meters, relative to the depth sensor
var sensorOffset = map[rs.Stream]float64{
	rs.StreamDepth:    0,
	rs.StreamInfrared: 0,
	rs.StreamColor:    0.015,
	rs.StreamFisheye:  -0.03,
}

// Context is a set of simulated devices.
type Context struct {
	mu         sync.Mutex
	devices    []DeviceSpec
	events     []Event
	failures   map[Op][]error
	open       int
	handles    int
	pipelines  int
	rowPadding int
}

// NewContext returns a context with n default devices attached.
func NewContext(n int) *Context {
	c := &Context{failures: map[Op][]error{}}
	for i := 0; i < n; i++ {
		c.devices = append(c.devices, DefaultDevice(i))
	}
	return c
}

// NewContextWithDevices returns a context with the given devices attached.
func NewContextWithDevices(specs ...DeviceSpec) *Context {
	c := &Context{failures: map[Op][]error{}}
	c.devices = append(c.devices, specs...)
	return c
}

// SetDevices replaces the attached devices. Handles to removed devices keep working until
// released.
func (c *Context) SetDevices(specs ...DeviceSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append([]DeviceSpec(nil), specs...)
}

// SetRowPadding adds padding bytes to the end of every frame row.
func (c *Context) SetRowPadding(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowPadding = n
}

// FailNext makes the next call of op return err. Failures queue up in order.
func (c *Context) FailNext(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// Events returns every call recorded so far.
func (c *Context) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Count returns how many times op was recorded.
func (c *Context) Count(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Op == op {
			n++
		}
	}
	return n
}

// ResetEvents forgets every recorded call.
func (c *Context) ResetEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// OpenDevices returns the number of devices with a pipeline that were not released.
func (c *Context) OpenDevices() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Handles returns the number of device handles handed out by QueryDevices and not yet released.
func (c *Context) Handles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles
}

// Pipelines returns the number of pipelines created and not yet closed.
func (c *Context) Pipelines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipelines
}

// record must be called with mu held. It returns the queued failure for op, if any.
func (c *Context) record(e Event) error {
	c.events = append(c.events, e)
	queued := c.failures[e.Op]
	if len(queued) == 0 {
		return nil
	}
	c.failures[e.Op] = queued[1:]
	return queued[0]
}

// QueryDevices returns handles to the attached devices.
func (c *Context) QueryDevices(ctx context.Context) ([]rs.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(Event{Op: OpQuery}); err != nil {
		return nil, err
	}
	devices := make([]rs.Device, 0, len(c.devices))
	for _, spec := range c.devices {
		devices = append(devices, &device{ctx: c, spec: spec})
	}
	c.handles += len(devices)
	return devices, nil
}

type device struct {
	ctx      *Context
	spec     DeviceSpec
	opened   bool
	released bool
}

func (d *device) Info() rs.DeviceInfo {
	return rs.DeviceInfo{Name: d.spec.Name, Serial: d.spec.Serial, Firmware: d.spec.Firmware}
}

func (d *device) hasSensor(s rs.Stream) bool {
	if len(d.spec.Streams) == 0 {
		return s == rs.StreamDepth || s == rs.StreamColor || s == rs.StreamInfrared
	}
	for _, have := range d.spec.Streams {
		if have == s {
			return true
		}
	}
	return false
}

func (d *device) NewPipeline() (rs.Pipeline, error) {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	if d.released {
		return nil, errors.New("device was released")
	}
	if err := d.ctx.record(Event{Op: OpOpen, Serial: d.spec.Serial}); err != nil {
		return nil, err
	}
	if !d.opened {
		d.opened = true
		d.ctx.open++
	}
	d.ctx.pipelines++
	return &pipeline{dev: d}, nil
}

func (d *device) Release() error {
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	if d.released {
		return nil
	}
	d.released = true
	d.ctx.handles--
	if d.opened {
		d.ctx.open--
	}
	return d.ctx.record(Event{Op: OpRelease, Serial: d.spec.Serial})
}

type pipeline struct {
	dev     *device
	profile *rs.Profile
	frame   uint64
	closed  bool
}

func bestFormat(s rs.Stream) rs.Format {
	switch s {
	case rs.StreamDepth:
		return rs.FormatZ16
	case rs.StreamColor:
		return rs.FormatRGB8
	default:
		return rs.FormatY8
	}
}

func supportedFormat(s rs.Stream, f rs.Format) bool {
	switch s {
	case rs.StreamDepth:
		return f == rs.FormatZ16
	case rs.StreamColor:
		switch f {
		case rs.FormatRGB8, rs.FormatBGR8, rs.FormatRGBA8, rs.FormatBGRA8, rs.FormatYUYV, rs.FormatY16:
			return true
		}
		return false
	default:
		return f == rs.FormatY8 || f == rs.FormatY16
	}
}

// intrinsics scales a fixed pinhole model to the requested resolution.
func intrinsics(w, h int) rs.Intrinsics {
	return rs.Intrinsics{
		Width:  w,
		Height: h,
		Fx:     821.32642889 * float64(w) / 1024,
		Fy:     821.68607359 * float64(h) / 768,
		Ppx:    494.95941428 * float64(w) / 1024,
		Ppy:    370.70529534 * float64(h) / 768,
	}
}

func (p *pipeline) resolve(req rs.StreamRequest) (rs.StreamProfile, error) {
	if req.Stream == rs.StreamAny || !p.dev.hasSensor(req.Stream) {
		return rs.StreamProfile{}, errors.Wrapf(rs.ErrNoMatchingProfile, "%s has no %s sensor", p.dev.spec.Name, req.Stream)
	}
	maxIndex := 0
	if req.Stream == rs.StreamInfrared {
		maxIndex = 2
	}
	if req.Index < 0 || req.Index > maxIndex {
		return rs.StreamProfile{}, errors.Wrapf(rs.ErrNoMatchingProfile, "%s index %d", req.Stream, req.Index)
	}
	sp := rs.StreamProfile{
		Stream: req.Stream,
		Index:  req.Index,
		Format: req.Format,
		Width:  req.Width,
		Height: req.Height,
		Rate:   req.Rate,
	}
	if sp.Format == rs.FormatAny {
		sp.Format = bestFormat(req.Stream)
	}
	if !supportedFormat(req.Stream, sp.Format) {
		return rs.StreamProfile{}, errors.Wrapf(rs.ErrNoMatchingProfile, "%s does not produce %s", req.Stream, sp.Format)
	}
	if sp.Width == 0 && sp.Height == 0 {
		sp.Width, sp.Height = defaultWidth, defaultHeight
	}
	if sp.Width <= 0 || sp.Height <= 0 || sp.Width > maxDim || sp.Height > maxDim {
		return rs.StreamProfile{}, errors.Wrapf(rs.ErrNoMatchingProfile, "%s resolution %dx%d", req.Stream, sp.Width, sp.Height)
	}
	if sp.Rate == 0 {
		sp.Rate = defaultRate
	}
	if sp.Rate < 0 || sp.Rate > 120 {
		return rs.StreamProfile{}, errors.Wrapf(rs.ErrNoMatchingProfile, "%s rate %d", req.Stream, sp.Rate)
	}
	sp.Intrinsics = intrinsics(sp.Width, sp.Height)
	if req.Stream == rs.StreamDepth {
		sp.DepthScale = depthScale
	}
	return sp, nil
}

func (p *pipeline) Start(ctx context.Context, cfg *rs.Config) (*rs.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := p.dev
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	reqs := cfg.Requests()
	if err := d.ctx.record(Event{Op: OpStart, Serial: d.spec.Serial, Requests: reqs}); err != nil {
		return nil, err
	}
	if d.released {
		return nil, errors.New("device was released")
	}
	if p.closed {
		return nil, errors.New("pipeline was closed")
	}
	if p.profile != nil {
		return nil, errors.New("pipeline is already started")
	}
	if len(reqs) == 0 {
		return nil, errors.Wrap(rs.ErrNoMatchingProfile, "no streams enabled")
	}

	streams := make([]rs.StreamProfile, 0, len(reqs))
	for _, req := range reqs {
		sp, err := p.resolve(req)
		if err != nil {
			return nil, err
		}
		streams = append(streams, sp)
	}
	profile := rs.NewProfile(d.Info(), streams)
	for _, from := range streams {
		for _, to := range streams {
			ext := rs.IdentityExtrinsics()
			ext.Translation = r3.Vector{X: sensorOffset[from.Stream] - sensorOffset[to.Stream]}
			profile.SetExtrinsics(from, to, ext)
		}
	}
	p.profile = profile
	p.frame = 0
	return profile, nil
}

func (p *pipeline) Stop() error {
	d := p.dev
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	if err := d.ctx.record(Event{Op: OpStop, Serial: d.spec.Serial}); err != nil {
		return err
	}
	if p.profile == nil {
		return rs.ErrNotStarted
	}
	p.profile = nil
	return nil
}

// Close ends a running capture without recording a stop.
func (p *pipeline) Close() error {
	d := p.dev
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.profile = nil
	d.ctx.pipelines--
	return d.ctx.record(Event{Op: OpClose, Serial: d.spec.Serial})
}

func (p *pipeline) WaitForFrames(ctx context.Context, timeout time.Duration) (*rs.FrameSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := p.dev
	d.ctx.mu.Lock()
	defer d.ctx.mu.Unlock()
	if err := d.ctx.record(Event{Op: OpWait, Serial: d.spec.Serial}); err != nil {
		return nil, err
	}
	if p.profile == nil {
		return nil, rs.ErrNotStarted
	}
	p.frame++
	fs := &rs.FrameSet{}
	for _, sp := range p.profile.Streams {
		fs.Frames = append(fs.Frames, render(sp, p.frame, d.ctx.rowPadding))
	}
	return fs, nil
}
