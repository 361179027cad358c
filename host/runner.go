// Package host drives an object the way a patching environment would: it owns the output
// matrices, ticks the object at a fixed rate and passes the results to sinks.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/jit"
	"go.viam.com/jitrealsense/logging"
	"go.viam.com/jitrealsense/matrix"
)

// A Sink consumes the outputs of a successful tick. Only active outputs are passed.
type Sink interface {
	Consume(ctx context.Context, tick uint64, outputs matrix.DenseList) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, tick uint64, outputs matrix.DenseList) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, tick uint64, outputs matrix.DenseList) error {
	return f(ctx, tick, outputs)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock replaces the wall clock, usually with a clock.Mock.
func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithTickRate sets the number of ticks per second.
func WithTickRate(hz float64) RunnerOption {
	return func(r *Runner) {
		r.rate = hz
	}
}

// WithSink adds a sink.
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) {
		r.sinks = append(r.sinks, s)
	}
}

// Runner ticks one object. Ticks are serialised; attribute updates queued from other goroutines
// are applied at the start of the next tick.
type Runner struct {
	obj     *jit.Object
	logger  logging.Logger
	clock   clock.Clock
	rate    float64
	sinks   []Sink
	outputs matrix.DenseList

	tickMu sync.Mutex
	ticks  atomic.Uint64
	errs   atomic.Uint64

	pendingMu sync.Mutex
	pending   *config.Attributes
}

// NewRunner allocates the object's output matrices.
func NewRunner(obj *jit.Object, logger logging.Logger, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		obj:    obj,
		logger: logger,
		clock:  clock.New(),
		rate:   config.DefaultTickRate,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rate <= 0 {
		return nil, errors.Errorf("tick rate must be positive, got %v", r.rate)
	}
	outputs, err := matrix.NewDenseList(jit.Outlets)
	if err != nil {
		return nil, err
	}
	r.outputs = outputs
	return r, nil
}

// Period is the time between two ticks.
func (r *Runner) Period() time.Duration {
	return time.Duration(float64(time.Second) / r.rate)
}

// Outputs returns every output matrix, active or not.
func (r *Runner) Outputs() matrix.DenseList {
	return r.outputs
}

// Ticks returns how many ticks have run.
func (r *Runner) Ticks() uint64 {
	return r.ticks.Load()
}

// Errors returns how many ticks failed.
func (r *Runner) Errors() uint64 {
	return r.errs.Load()
}

// Queue stores attributes to apply on the next tick. A later update replaces an earlier one that
// has not been applied yet.
func (r *Runner) Queue(a config.Attributes) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending = &a
}

func (r *Runner) takePending() *config.Attributes {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	a := r.pending
	r.pending = nil
	return a
}

// Tick applies any queued update, runs the object once and hands the active outputs to each sink.
func (r *Runner) Tick(ctx context.Context) error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	if a := r.takePending(); a != nil {
		if err := r.obj.SetAttributes(*a); err != nil {
			r.logger.Warnw("ignoring invalid attributes", "error", err)
		} else {
			r.logger.Infow("attributes updated", "device", a.Device, "outputs", a.OutCount)
		}
	}

	n := r.ticks.Inc()
	if err := r.obj.MatrixCalc(ctx, r.outputs); err != nil {
		r.errs.Inc()
		return err
	}
	active := r.outputs[:r.obj.Attributes().OutCount]
	for _, s := range r.sinks {
		if err := s.Consume(ctx, n, active); err != nil {
			r.errs.Inc()
			return errors.Wrap(err, "sink failed")
		}
	}
	return nil
}

// Run ticks at the configured rate until ctx is done or, when maxTicks is positive, maxTicks ticks
// have run. Tick errors are logged and do not stop the runner.
func (r *Runner) Run(ctx context.Context, maxTicks uint64) error {
	ticker := r.clock.Ticker(r.Period())
	defer ticker.Stop()
	r.logger.Debugw("runner started", "period", r.Period().String(), "max_ticks", maxTicks)
	for {
		if maxTicks > 0 && r.Ticks() >= maxTicks {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := r.Tick(ctx); err != nil {
			r.logger.Debugw("tick failed", "tick", r.Ticks(), "error", err)
		}
	}
}
