package payload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// DefaultSettle is how long a capture file must stay unchanged before it is
// ingested.
const DefaultSettle = 500 * time.Millisecond

// Sink stores a settled capture.
type Sink interface {
	Ingest(data []byte) error
}

// Watcher ingests capture files dropped into a directory.
type Watcher struct {
	dir     string
	sink    Sink
	watcher *fsnotify.Watcher

	Settle time.Duration

	pending map[string]time.Time
}

// NewWatcher starts watching dir. Files whose names start with a dot are
// ignored so writers can create a temporary file and rename it.
func NewWatcher(dir string, sink Sink) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	glog.Infof("watching %s for captures", dir)
	return &Watcher{
		dir:     dir,
		sink:    sink,
		watcher: fw,
		Settle:  DefaultSettle,
		pending: make(map[string]time.Time),
	}, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	tick := w.Settle / 4
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			glog.V(2).Infof("capture event %s", event)
			w.pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			glog.Warningf("capture watcher: %v", err)

		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

// flush ingests files that have settled. Only the newest settled file is
// kept: each capture replaces the previous one.
func (w *Watcher) flush(now time.Time) {
	var newest string
	var newestAt time.Time
	for name, at := range w.pending {
		if now.Sub(at) < w.Settle {
			continue
		}
		delete(w.pending, name)
		if newest == "" || at.After(newestAt) {
			newest, newestAt = name, at
		}
	}
	if newest == "" {
		return
	}
	info, err := os.Stat(newest)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	data, err := os.ReadFile(newest)
	if err != nil {
		glog.Errorf("ingest: %v", err)
		return
	}
	if err := w.sink.Ingest(data); err != nil {
		glog.Errorf("ingest %s: %v", newest, err)
	}
}
