package jit

import (
	"github.com/pkg/errors"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/matrix"
	"go.viam.com/jitrealsense/rimage"
	"go.viam.com/jitrealsense/rs"
	"go.viam.com/jitrealsense/stream"
)

// binding is an active output resolved against the running profile. It is rebuilt whenever
// streams are configured and reused every tick.
type binding struct {
	slot   int
	out    config.Output
	desc   stream.Descriptor
	source rs.StreamProfile
	target rs.StreamProfile
	ext    rs.Extrinsics
	info   matrix.Info
	copier stream.Copier
	// scratch holds derived frames between ticks.
	scratch []byte
}

func bind(outputs []config.Output, profile *rs.Profile) ([]binding, error) {
	bindings := make([]binding, 0, len(outputs))
	for i, out := range outputs {
		b, err := bindOutput(i, out, profile)
		if err != nil {
			return nil, errors.Wrapf(err, "output %d", i+1)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func bindOutput(slot int, out config.Output, profile *rs.Profile) (binding, error) {
	desc, err := stream.Lookup(out.Stream)
	if err != nil {
		return binding{}, err
	}
	b := binding{slot: slot, out: out, desc: desc}
	if b.source, err = profile.Stream(desc.Source, out.Index); err != nil {
		return binding{}, err
	}
	b.target = b.source
	if desc.Target != desc.Source {
		if b.target, err = profile.Stream(desc.Target, 0); err != nil {
			return binding{}, err
		}
		if b.ext, err = profile.Extrinsics(b.source, b.target); err != nil {
			return binding{}, err
		}
	}

	// native outputs follow the format the device actually delivers
	format := desc.OutputFormat
	if desc.IsNative() {
		format = b.source.Format
	}
	planes, err := stream.PlanesForFormat(format)
	if err != nil {
		return binding{}, err
	}
	typ, err := stream.TypeForFormat(format)
	if err != nil {
		return binding{}, err
	}
	if b.copier, err = stream.CopierFor(format); err != nil {
		return binding{}, err
	}
	b.info = matrix.NewInfo(typ, planes, b.target.Width, b.target.Height)
	return b, nil
}

// frame returns the frame the binding copies from, deriving it when needed.
func (b *binding) frame(fs *rs.FrameSet) (*rs.Frame, error) {
	src, err := fs.First(b.source.Stream, b.source.Index)
	if err != nil {
		return nil, err
	}
	var derived *rs.Frame
	switch b.desc.Kind {
	case stream.Points:
		derived, err = rimage.DeprojectDepth(b.scratch, src)
	case stream.DepthAlignedToColor:
		derived, err = rimage.AlignDepthToColor(b.scratch, src, b.target, b.ext)
	default:
		return src, nil
	}
	if err != nil {
		return nil, err
	}
	b.scratch = derived.Data
	return derived, nil
}

// publish writes each bound output into its matrix and returns how many had no matrix.
func (o *Object) publish(fs *rs.FrameSet, outputs matrix.List) (int, error) {
	missing := 0
	for i := range o.bindings {
		b := &o.bindings[i]
		var m matrix.Matrix
		if outputs != nil && b.slot < outputs.Len() {
			m = outputs.Index(b.slot)
		}
		if m == nil {
			o.logger.Errorf("Output %d has no matrix", b.slot+1)
			missing++
			continue
		}
		if err := o.write(b, fs, m); err != nil {
			return missing, errors.Wrapf(err, "output %d", b.slot+1)
		}
	}
	return missing, nil
}

func (o *Object) write(b *binding, fs *rs.FrameSet, m matrix.Matrix) error {
	src, err := b.frame(fs)
	if err != nil {
		return err
	}
	unlock := m.Lock()
	defer unlock()

	if !m.Info().SameShape(b.info) {
		if err := m.SetInfo(b.info); err != nil {
			return errors.Wrap(err, "cannot resize matrix")
		}
		o.stats.Resizes++
		o.logger.Debugw("resized output", "output", b.slot+1, "info", b.info.String())
	}
	return b.copier(m.Data(), m.Info(), src)
}
