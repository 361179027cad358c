package host

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/jitrealsense/config"
	"go.viam.com/jitrealsense/logging"
)

// A Watcher reloads a config file whenever it is written and publishes the result. Files that
// fail to load are logged and skipped.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  logging.Logger
	updates chan *config.File

	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// Watch starts watching path. The directory is watched rather than the file so that editors that
// replace the file on save are followed.
func Watch(ctx context.Context, path string, logger logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		goutils.UncheckedError(fw.Close())
		return nil, errors.Wrapf(err, "cannot watch %s", path)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:    abs,
		watcher: fw,
		logger:  logger,
		updates: make(chan *config.File, 1),
		cancel:  cancel,
	}
	w.workers.Add(1)
	goutils.ManagedGo(func() {
		w.loop(cancelCtx)
	}, w.workers.Done)
	return w, nil
}

// Updates delivers reloaded files. Only the newest unread file is kept.
func (w *Watcher) Updates() <-chan *config.File {
	return w.updates
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			file, err := config.Load(w.path)
			if err != nil {
				w.logger.Warnw("cannot reload config", "path", w.path, "error", err)
				continue
			}
			w.logger.Infow("config reloaded", "path", w.path)
			w.publish(file)
		}
	}
}

func (w *Watcher) publish(file *config.File) {
	select {
	case <-w.updates:
	default:
	}
	w.updates <- file
}

// Close stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		err = w.watcher.Close()
		w.workers.Wait()
	})
	return err
}
