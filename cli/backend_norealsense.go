//go:build !realsense

package cli

import (
	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/rs"
)

func newRealSense() (rs.Context, func() error, error) {
	return nil, nil, errors.New("built without librealsense support, rebuild with -tags realsense")
}
