package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/host"
	"go.viam.com/jitrealsense/jit"
	"go.viam.com/jitrealsense/logging"
)

// printf prints a line to w.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

func newLogger(c *cli.Context, debug bool) logging.Logger {
	if debug || c.Bool(generalFlagDebug) {
		return logging.NewDebugLogger("jitrealsense")
	}
	return logging.NewLogger("jitrealsense")
}

// DevicesAction lists the devices a backend reports.
func DevicesAction(c *cli.Context) error {
	logger := newLogger(c, false)
	backend := c.String(generalFlagBackend)
	if backend == "" {
		backend = config.BackendFake
	}
	rsctx, closeBackend, err := newBackend(backend, c.Int(generalFlagFakeDevices), logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(closeBackend)

	devices, err := rsctx.QueryDevices(c.Context)
	if err != nil {
		return errors.Wrap(err, "cannot query devices")
	}
	printf(c.App.Writer, "There are %d connected devices.", len(devices))
	if len(devices) == 0 {
		return nil
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Name", "Serial", "Firmware"})
	for i, d := range devices {
		info := d.Info()
		t.AppendRow(table.Row{i, info.Name, info.Serial, info.Firmware})
		goutils.UncheckedError(d.Release())
	}
	printf(c.App.Writer, "%s", t.Render())
	return nil
}

// AttributesAction prints the attribute table.
func AttributesAction(c *cli.Context) error {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Name", "Label", "Values"})
	for _, a := range config.Table() {
		t.AppendRow(table.Row{a.Name, a.Label, strings.Join(a.Enum, ", ")})
	}
	printf(c.App.Writer, "%s", t.Render())
	return nil
}

// loadFile reads the configuration. A missing file at the default path means defaults.
func loadFile(c *cli.Context) (*config.File, error) {
	path := c.String(runFlagConfig)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !c.IsSet(runFlagConfig) {
		return config.DefaultFile(), nil
	}
	return config.Load(path)
}

// RunAction runs an object against a backend until interrupted or the tick limit is reached.
func RunAction(c *cli.Context) error {
	file, err := loadFile(c)
	if err != nil {
		return err
	}
	if backend := c.String(generalFlagBackend); backend != "" {
		file.Host.Backend = backend
	}
	if dir := c.String(runFlagSnapshotDir); dir != "" {
		file.Host.SnapshotDir = dir
	}
	if _, err := file.Validate("config"); err != nil {
		return err
	}
	logger := newLogger(c, file.Host.Debug)
	if file.Host.LogFile != "" {
		appender := logging.NewFileAppender(file.Host.LogFile)
		logger.AddAppender(appender)
		defer goutils.UncheckedErrorFunc(appender.Close)
	}
	logger.Infow("starting", "config", file.String())

	timeout, err := file.Host.Timeout()
	if err != nil {
		return err
	}
	attrs, err := file.Attributes()
	if err != nil {
		return err
	}
	rsctx, closeBackend, err := newBackend(file.Host.Backend, c.Int(generalFlagFakeDevices), logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(closeBackend)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obj, err := jit.New(ctx, rsctx, logger.Sublogger(jit.ClassName),
		jit.WithAttributes(attrs), jit.WithTimeout(timeout))
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(obj.Free(context.Background()))
	}()
	if info, ok := obj.Identity(); ok {
		printf(c.App.Writer, "Streaming from %s (serial %s)", info.Name, info.Serial)
	}

	opts := []host.RunnerOption{host.WithTickRate(file.Host.TickRate)}
	if file.Host.SnapshotDir != "" {
		sink, err := host.NewSnapshotSink(file.Host.SnapshotDir, file.Host.SnapshotEvery, logger.Sublogger("snapshot"))
		if err != nil {
			return err
		}
		opts = append(opts, host.WithSink(sink))
	}
	runner, err := host.NewRunner(obj, logger.Sublogger("host"), opts...)
	if err != nil {
		return err
	}

	if c.Bool(runFlagWatch) {
		stopWatching, err := watch(ctx, c.String(runFlagConfig), runner, logger)
		if err != nil {
			return err
		}
		defer stopWatching()
	}

	if err := runner.Run(ctx, c.Uint64(runFlagTicks)); err != nil {
		return err
	}
	stats := obj.Stats()
	printf(c.App.Writer, "%d ticks, %d frames, %d failures, %d rebuilds",
		stats.Ticks, stats.Frames, stats.Failures, stats.Rebuilds)
	return nil
}

// watch forwards reloaded attributes to the runner until the returned function is called.
func watch(ctx context.Context, path string, runner *host.Runner, logger logging.Logger) (func(), error) {
	w, err := host.Watch(ctx, path, logger.Sublogger("watch"))
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	var forwarding sync.WaitGroup
	forwarding.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case f := <-w.Updates():
				a, err := f.Attributes()
				if err != nil {
					logger.Warnw("ignoring reloaded config", "error", err)
					continue
				}
				runner.Queue(a)
			}
		}
	}, forwarding.Done)
	return func() {
		cancel()
		forwarding.Wait()
		goutils.UncheckedError(w.Close())
	}, nil
}
