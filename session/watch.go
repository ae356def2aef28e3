package session

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watcher auto-adds .torrent files dropped into a watch directory,
// supplementing spec.md's CLI/control ingress with the folder-drop
// workflow original_source/app.rs's notify-based watcher provides.
// fsnotify is not used anywhere in the retrieval pack; it is the
// standard ecosystem choice for this concern.
type watcher struct {
	s  *Session
	fw *fsnotify.Watcher
}

func newWatcher(s *Session, dir string) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &watcher{s: s, fw: fw}
	go w.run()
	return w, nil
}

func (w *watcher) run() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.s.log.Warningln("watch folder:", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !strings.EqualFold(filepath.Ext(ev.Name), ".torrent") {
		return
	}
	if _, err := w.s.Add(ev.Name); err != nil {
		w.s.log.Warningln("watch folder: add", ev.Name, ":", err)
	}
}

func (w *watcher) Close() {
	w.fw.Close()
}
