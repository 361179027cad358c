// Package session owns the one device and pipeline an object streams from.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/stream"
)

var (
	// ErrDeviceNotConnected is returned when the requested device index is not in the enumeration.
	ErrDeviceNotConnected = errors.New("device is not connected")
	// ErrNotStreaming is returned when frames are requested from a session that is not streaming.
	ErrNotStreaming = errors.New("session is not streaming")
)

// A Session holds at most one open device and its pipeline. It is not safe for concurrent use.
type Session struct {
	rsctx   rs.Context
	base    logging.Logger
	logger  logging.Logger
	timeout time.Duration

	id       uuid.UUID
	index    int
	device   rs.Device
	pipeline rs.Pipeline
	cfg      *rs.Config
	profile  *rs.Profile
}

// New returns a closed session.
func New(rsctx rs.Context, logger logging.Logger) *Session {
	return &Session{
		rsctx:   rsctx,
		base:    logger,
		logger:  logger,
		timeout: rs.DefaultTimeout,
		index:   -1,
		cfg:     rs.NewConfig(),
	}
}

// SetTimeout sets how long WaitForFrames blocks. Non-positive values restore the SDK default.
func (s *Session) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = rs.DefaultTimeout
	}
	s.timeout = d
}

// ID returns the id of the current open, or uuid.Nil when closed.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// IsOpen reports whether a device is held.
func (s *Session) IsOpen() bool {
	return s.device != nil
}

// Streaming reports whether the pipeline is started.
func (s *Session) Streaming() bool {
	return s.profile != nil
}

// Identity returns the held device's name, serial and firmware.
func (s *Session) Identity() (rs.DeviceInfo, bool) {
	if s.device == nil {
		return rs.DeviceInfo{}, false
	}
	return s.device.Info(), true
}

// DeviceIndex returns the index of the held device, or -1.
func (s *Session) DeviceIndex() int {
	return s.index
}

// Profile returns the active stream profiles, or nil when not streaming.
func (s *Session) Profile() *rs.Profile {
	return s.profile
}

// Open closes any held device, enumerates devices and opens the one at index.
func (s *Session) Open(ctx context.Context, index int) error {
	if err := s.Close(); err != nil {
		s.logger.Warnw("error closing previous device", "error", err)
	}

	devices, err := s.rsctx.QueryDevices(ctx)
	if err != nil {
		s.logger.Errorw("cannot query devices", "error", err)
		return errors.Wrap(err, "cannot query devices")
	}
	s.logger.Infof("There are %d connected RealSense devices.", len(devices))

	if index < 0 || index >= len(devices) {
		s.logger.Errorf("Device %d is not connected.", index)
		if relErr := release(devices, -1); relErr != nil {
			s.logger.Debugw("error releasing devices", "error", relErr)
		}
		return errors.Wrapf(ErrDeviceNotConnected, "device %d", index)
	}
	if relErr := release(devices, index); relErr != nil {
		s.logger.Debugw("error releasing unused devices", "error", relErr)
	}

	dev := devices[index]
	pipeline, err := dev.NewPipeline()
	if err != nil {
		s.logger.Errorw("cannot open device", "index", index, "error", err)
		if relErr := dev.Release(); relErr != nil {
			s.logger.Debugw("error releasing device", "error", relErr)
		}
		return errors.Wrapf(err, "cannot open device %d", index)
	}

	s.id = uuid.New()
	s.index = index
	s.device = dev
	s.pipeline = pipeline
	s.logger = s.base.WithFields("session", s.id.String())

	info := dev.Info()
	s.logger.Infof("Using device %d, an %s", index, info.Name)
	s.logger.Infof("    Serial number: %s", info.Serial)
	s.logger.Infof("    Firmware version: %s", info.Firmware)
	return nil
}

// release frees every device handle except the one at keep.
func release(devices []rs.Device, keep int) error {
	var err error
	for i, d := range devices {
		if i != keep {
			err = multierr.Append(err, d.Release())
		}
	}
	return err
}

// ConfigureStreams stops the pipeline and restarts it with the streams the outputs need. Native
// streams are enabled first at the requested profile. Companion streams of derived outputs follow
// with device defaults unless already enabled. With no outputs the pipeline stays stopped. Any
// error closes the session.
func (s *Session) ConfigureStreams(ctx context.Context, outputs []config.Output) (err error) {
	if s.device == nil {
		return errors.Wrap(ErrDeviceNotConnected, "no device is open")
	}
	if stopErr := s.Stop(); stopErr != nil {
		s.logger.Debugw("error stopping pipeline", "error", stopErr)
	}
	if len(outputs) == 0 {
		return nil
	}

	defer func() {
		if err == nil {
			return
		}
		s.logger.Errorw("cannot configure streams", "error", err)
		if closeErr := s.Close(); closeErr != nil {
			s.logger.Debugw("error closing device", "error", closeErr)
		}
	}()

	descs := make([]stream.Descriptor, len(outputs))
	for i, out := range outputs {
		d, err := stream.Lookup(out.Stream)
		if err != nil {
			return errors.Wrapf(err, "output %d", i+1)
		}
		descs[i] = d
		s.cfg.EnableStream(rs.StreamRequest{
			Stream: d.Source,
			Index:  out.Index,
			Width:  out.Width,
			Height: out.Height,
			Format: d.Format,
			Rate:   out.Rate,
		})
	}
	for _, d := range descs {
		for _, companion := range d.Companions() {
			if !s.cfg.IsStreamEnabled(companion, 0) && companion != d.Source {
				s.cfg.EnableStreamDefaults(companion, 0)
			}
		}
	}
	for _, req := range s.cfg.Requests() {
		s.logger.Debugw("enabling stream", "request", req.String())
	}

	profile, err := s.pipeline.Start(ctx, s.cfg)
	if err != nil {
		return errors.Wrap(err, "cannot start pipeline")
	}
	s.profile = profile
	return nil
}

// Stop halts streaming and disables every stream. It is safe to call at any time.
func (s *Session) Stop() error {
	s.cfg.DisableAllStreams()
	if s.profile == nil {
		return nil
	}
	s.profile = nil
	return s.pipeline.Stop()
}

// Close stops streaming, frees the pipeline and releases the device. It is safe to call at any
// time.
func (s *Session) Close() error {
	if s.device == nil {
		return nil
	}
	err := multierr.Combine(s.Stop(), s.pipeline.Close(), s.device.Release())
	s.logger.Debug("device closed")
	s.device = nil
	s.pipeline = nil
	s.index = -1
	s.id = uuid.Nil
	s.logger = s.base
	return err
}

// WaitForFrames blocks for the next frame set, up to the session timeout.
func (s *Session) WaitForFrames(ctx context.Context) (*rs.FrameSet, error) {
	if s.profile == nil {
		return nil, ErrNotStreaming
	}
	return s.pipeline.WaitForFrames(ctx, s.timeout)
}
