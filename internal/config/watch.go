package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands the validated result
// to onReload. Invalid edits are logged and skipped so a half-saved file
// never replaces a working configuration.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	closed  chan struct{}
}

func Watch(path string, onReload func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch dies with the old inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		watcher: watcher,
		path:    path,
		closed:  make(chan struct{}),
	}
	go w.watchLoop(onReload)
	return w, nil
}

func (w *Watcher) watchLoop(onReload func(Config)) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("config: reload skipped: %v", err)
				continue
			}
			onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
