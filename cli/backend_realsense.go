//go:build realsense

package cli

import (
	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/rs/librealsense"
)

func newRealSense() (rs.Context, func() error, error) {
	ctx, err := librealsense.NewContext()
	if err != nil {
		return nil, nil, err
	}
	return ctx, ctx.Close, nil
}
