package cli

import (
	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/rs/fake"
	"go.viam.com/jitrealsense/rs/webcam"
)

// newBackend returns the device context for a backend and a function that releases it.
func newBackend(name string, fakeDevices int, logger logging.Logger) (rs.Context, func() error, error) {
	noop := func() error { return nil }
	switch name {
	case config.BackendFake:
		if fakeDevices < 0 {
			return nil, nil, errors.Errorf("got illegal negative device count %d", fakeDevices)
		}
		return fake.NewContext(fakeDevices), noop, nil
	case config.BackendWebcam:
		return webcam.NewContext(logger.Sublogger("webcam")), noop, nil
	case config.BackendRealSense:
		return newRealSense()
	default:
		return nil, nil, errors.Errorf("unknown backend %q, expected one of %v", name, config.Backends)
	}
}
