package db

import (
	"context"
	"path/filepath"

	"github.com/barryq93/promPSQL/internal/types"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// CertWatcher signals when any of a target's certificate files changes.
// Parent directories are watched so replaced files are still noticed, and
// each file's resolved symlink target is tracked so that swapping a
// directory link (as mounted Kubernetes secrets do) counts as a change.
type CertWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]string
	changes chan struct{}
	log     *logrus.Entry
}

// WatchCerts returns nil when files names no certificate.
func WatchCerts(files types.TLSFiles, log *logrus.Entry) (*CertWatcher, error) {
	paths := map[string]string{}
	for _, f := range []string{files.RootCert, files.Cert, files.Key} {
		if f != "" {
			p := filepath.Clean(f)
			paths[p] = resolve(p)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := map[string]struct{}{}
	for p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for d := range dirs {
		if err := watcher.Add(d); err != nil {
			log.WithError(err).WithField("dir", d).Error("failed to watch certificate directory")
		}
	}

	return &CertWatcher{
		watcher: watcher,
		files:   paths,
		changes: make(chan struct{}, 1),
		log:     log,
	}, nil
}

// Changes delivers at most one pending notification.
func (w *CertWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Run consumes file events until ctx is done or the watcher is closed.
func (w *CertWatcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			_, watched := w.files[filepath.Clean(event.Name)]
			if !w.retargeted() && !watched {
				continue
			}
			w.log.WithField("file", event.Name).Debug("certificate change detected")
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("certificate watcher error")
		case <-ctx.Done():
			return
		}
	}
}

// retargeted refreshes the resolved targets and reports whether any moved.
func (w *CertWatcher) retargeted() bool {
	moved := false
	for p, old := range w.files {
		if cur := resolve(p); cur != old {
			w.files[p] = cur
			moved = true
		}
	}
	return moved
}

// resolve follows symlinks in p. A missing file resolves to "".
func resolve(p string) string {
	target, err := filepath.EvalSymlinks(p)
	if err != nil {
		return ""
	}
	return target
}

func (w *CertWatcher) Close() error {
	return w.watcher.Close()
}
