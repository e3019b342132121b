package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)
	settle  time.Duration
	log     *logrus.Entry

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Watch calls onLoad with every valid version of the file at path written
// after the call. Invalid versions are logged and skipped. The parent
// directory is watched so editors that replace the file are seen too.
func Watch(path string, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		onLoad:  onLoad,
		settle:  100 * time.Millisecond,
		log:     logrus.WithFields(logrus.Fields{"component": "config", "path": path}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	// Writes usually arrive as a burst; reload once the burst settles.
	var pending <-chan time.Time
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(w.settle)
			}
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("Config reload skipped")
				continue
			}
			w.log.Info("Config reloaded")
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
