package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads a config file whenever it changes on disk
type Watcher struct {
	path     string
	onChange func(*RawConfig)
	watcher  *fsnotify.Watcher

	stopCh    chan struct{}
	stopOnce  sync.Once
	stoppedCh chan struct{}
}

// Watch calls onChange with the new contents each time path is rewritten. A
// file that fails to parse is logged and skipped.
func Watch(path string, onChange func(*RawConfig)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// the directory, since editors tend to replace the file rather than write it
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %v: %w", path, err)
	}
	w := &Watcher{
		path:      abs,
		onChange:  onChange,
		watcher:   watcher,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	defer close(w.stoppedCh)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			raw, err := ParseConfig(w.path)
			if err != nil {
				log.Errorf("config reload failed: %v", err)
				continue
			}
			log.Debugf("reloaded %v", w.path)
			w.onChange(raw)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	err := w.watcher.Close()
	<-w.stoppedCh
	return err
}

// ApplyLogLevel sets the log level raw asks for. It is the only setting that
// takes effect without a restart.
func ApplyLogLevel(raw *RawConfig) {
	level, err := parseLevel(raw.LogLevel)
	if err != nil {
		log.Errorf("ignoring LogLevel: %v", err)
		return
	}
	if level != log.GetLevel() {
		log.Infof("log level is now %v", level)
		log.SetLevel(level)
	}
}
