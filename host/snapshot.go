package host

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/lmittmann/ppm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/matrix"
)

// SnapshotSink writes every Nth tick's outputs to a directory as PPM images. Matrices that cannot
// be rendered, such as point clouds, are skipped.
type SnapshotSink struct {
	dir    string
	every  uint64
	logger logging.Logger
}

// NewSnapshotSink creates dir if needed. every below 1 is treated as 1.
func NewSnapshotSink(dir string, every int, logger logging.Logger) (*SnapshotSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "cannot create snapshot directory")
	}
	if every < 1 {
		every = 1
	}
	return &SnapshotSink{dir: dir, every: uint64(every), logger: logger}, nil
}

// SnapshotName is the file name output i (zero based) gets on a tick.
func SnapshotName(i int, tick uint64) string {
	return fmt.Sprintf("out%d_%06d.ppm", i+1, tick)
}

// Consume writes the outputs when tick is a multiple of the sink's interval.
func (s *SnapshotSink) Consume(ctx context.Context, tick uint64, outputs matrix.DenseList) error {
	if tick%s.every != 0 {
		return nil
	}
	for i, m := range outputs {
		if m == nil {
			continue
		}
		img, err := m.ToImage()
		if err != nil {
			s.logger.Debugw("skipping snapshot", "output", i+1, "error", err)
			continue
		}
		if err := writePPM(filepath.Join(s.dir, SnapshotName(i, tick)), img); err != nil {
			return err
		}
	}
	return nil
}

func writePPM(path string, img image.Image) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "cannot create snapshot")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ppm.Encode(f, img)
}
