// Package jit is the matrix operator: an object that keeps a device session in step with its
// attributes and, once per tick, copies the newest frame set into the host's output matrices.
package jit

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/matrix"
	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/session"
	"go.viam.com/jitrealsense/stream"
)

// ClassName is the name the object is registered under in the host.
const ClassName = "jit.realsense"

// Outlets is the number of output matrices an object has.
const Outlets = config.MaxOutputs

var (
	// ErrNoDevice is returned by MatrixCalc when no device is open.
	ErrNoDevice = errors.New("no device")
	// ErrMissingMatrix is returned by MatrixCalc when an active output has no matrix bound.
	ErrMissingMatrix = errors.New("no matrix bound to output")
	// ErrFreed is returned when an object is used after Free.
	ErrFreed = errors.New("object was freed")
)

// Stats counts what an object has done.
type Stats struct {
	Ticks        uint64
	Frames       uint64
	Failures     uint64
	Rebuilds     uint64
	Reconfigures uint64
	Resizes      uint64
}

// Option configures an object at construction.
type Option func(*Object)

// WithAttributes replaces the default attributes.
func WithAttributes(a config.Attributes) Option {
	return func(o *Object) {
		o.attrs = a
	}
}

// WithTimeout sets how long a tick waits for a frame set.
func WithTimeout(d time.Duration) Option {
	return func(o *Object) {
		o.timeout = d
	}
}

// Object is one camera object. It is not safe for concurrent use; the host serialises calls.
type Object struct {
	logger  logging.Logger
	session *session.Session
	timeout time.Duration

	attrs config.Attributes
	// applied is the configuration last applied to the session, successfully or not.
	applied config.Attributes
	// reopen forces a full rebuild on the next tick after a runtime failure.
	reopen   bool
	bindings []binding
	freed    bool
	stats    Stats
}

// New constructs an object and opens and configures its device. Device failures are logged and
// left for MatrixCalc to report; only invalid attributes are returned as errors.
func New(ctx context.Context, rsctx rs.Context, logger logging.Logger, opts ...Option) (*Object, error) {
	o := &Object{
		logger: logger,
		attrs:  config.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if _, err := o.attrs.Validate("attributes"); err != nil {
		return nil, err
	}
	o.session = session.New(rsctx, logger.Sublogger("session"))
	o.session.SetTimeout(o.timeout)

	if err := o.rebuild(ctx); err != nil {
		o.logger.Warnw("device is not ready", "error", err)
		o.reopen = retryable(err)
	}
	return o, nil
}

// Free stops streaming and releases the device. It is safe to call more than once.
func (o *Object) Free(ctx context.Context) error {
	if o.freed {
		return nil
	}
	o.freed = true
	o.bindings = nil
	return o.session.Close()
}

// Set stores a named attribute. Changes take effect on the next tick.
func (o *Object) Set(name string, args ...any) error {
	return o.attrs.Set(name, args...)
}

// Get returns the values of a named attribute.
func (o *Object) Get(name string) ([]any, error) {
	return o.attrs.Get(name)
}

// AttributeNames lists every attribute the object has.
func (o *Object) AttributeNames() []string {
	return config.Names()
}

// Attributes returns a copy of the live attributes.
func (o *Object) Attributes() config.Attributes {
	return o.attrs
}

// SetAttributes replaces every attribute at once. Changes take effect on the next tick.
func (o *Object) SetAttributes(a config.Attributes) error {
	if _, err := a.Validate("attributes"); err != nil {
		return err
	}
	o.attrs = a
	return nil
}

// Identity returns the open device's name, serial and firmware.
func (o *Object) Identity() (rs.DeviceInfo, bool) {
	return o.session.Identity()
}

// Streaming reports whether the object's pipeline is running.
func (o *Object) Streaming() bool {
	return o.session.Streaming()
}

// Stats returns the object's counters.
func (o *Object) Stats() Stats {
	return o.stats
}

// rebuild closes the session, reopens the selected device and configures its streams.
func (o *Object) rebuild(ctx context.Context) error {
	o.stats.Rebuilds++
	o.applied = o.attrs
	o.reopen = false
	o.bindings = nil
	o.logger.Debugw("opening device", "device", o.attrs.Device, "outputs", o.attrs.OutCount)
	if err := o.session.Open(ctx, o.attrs.Device); err != nil {
		return err
	}
	return o.configure(ctx)
}

// configure restarts the session's streams for the active outputs and resolves their bindings.
func (o *Object) configure(ctx context.Context) error {
	o.applied = o.attrs
	o.bindings = nil
	active := o.attrs.Active()
	if err := o.session.ConfigureStreams(ctx, active); err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	bindings, err := bind(active, o.session.Profile())
	if err != nil {
		return err
	}
	o.bindings = bindings
	return nil
}

// sync brings the session in line with the attributes.
func (o *Object) sync(ctx context.Context) error {
	change := config.Diff(o.applied, o.attrs)
	switch {
	case o.reopen || change == config.DeviceChanged:
		return o.rebuild(ctx)
	case change == config.StreamsChanged && !o.session.IsOpen():
		return o.rebuild(ctx)
	case change == config.StreamsChanged:
		o.stats.Reconfigures++
		o.logger.Debugw("reconfiguring streams", "outputs", o.attrs.OutCount)
		return o.configure(ctx)
	default:
		return nil
	}
}

// fail logs a tick failure and tears the session down. Runtime failures schedule a reopen for the
// next tick; configuration errors wait for the attributes to change.
func (o *Object) fail(err error) error {
	o.stats.Failures++
	o.logger.Errorw("matrix_calc failed", "error", err)
	if closeErr := o.session.Close(); closeErr != nil {
		o.logger.Debugw("error closing device", "error", closeErr)
	}
	o.bindings = nil
	o.reopen = retryable(err)
	return err
}

// retryable reports whether reopening the device could make err go away without an attribute
// change.
func retryable(err error) bool {
	return !errors.Is(err, session.ErrDeviceNotConnected) && !errors.Is(err, stream.ErrUnsupportedStream)
}

// MatrixCalc runs one tick: it applies attribute changes, waits for one frame set and writes each
// active output into the matrix at the same index of outputs. Nothing is written when no device
// is open.
func (o *Object) MatrixCalc(ctx context.Context, outputs matrix.List) error {
	if o.freed {
		return ErrFreed
	}
	o.stats.Ticks++

	if err := o.sync(ctx); err != nil {
		return o.fail(err)
	}
	if !o.session.IsOpen() {
		o.logger.Error("No device")
		return ErrNoDevice
	}
	if len(o.bindings) == 0 {
		return nil
	}

	fs, err := o.session.WaitForFrames(ctx)
	if err != nil {
		return o.fail(errors.Wrap(err, "cannot get frames"))
	}
	missing, err := o.publish(fs, outputs)
	if err != nil {
		return o.fail(err)
	}
	o.stats.Frames++
	if missing > 0 {
		return errors.Wrapf(ErrMissingMatrix, "%d of %d outputs", missing, len(o.bindings))
	}
	return nil
}
