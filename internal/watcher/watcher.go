// Package watcher submits new videos that appear under watched folders.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/pipeline"
)

const (
	DefaultDebounce     = 5 * time.Second
	DefaultReloadPeriod = time.Minute
)

// Folders is satisfied by *db.FolderCache.
type Folders interface {
	Get() []*db.Folder
	Reload(ctx context.Context) error
}

type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Submission, error)
	IsVideo(path string) bool
}

// Watcher waits until a video file has been quiet for Debounce before
// submitting it, so files still being copied are not picked up half-written.
type Watcher struct {
	folders      Folders
	submitter    Submitter
	Debounce     time.Duration
	ReloadPeriod time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
	roots   map[string]struct{}
	fsw     *fsnotify.Watcher
}

func New(folders Folders, submitter Submitter) *Watcher {
	return &Watcher{
		folders:      folders,
		submitter:    submitter,
		Debounce:     DefaultDebounce,
		ReloadPeriod: DefaultReloadPeriod,
		pending:      map[string]time.Time{},
		roots:        map[string]struct{}{},
	}
}

func (w *Watcher) Name() string { return "folder-watcher" }

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.syncRoots()
	return nil
}

func (w *Watcher) Shutdown(ctx context.Context) error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if w.fsw == nil {
		return errors.New("watcher not started")
	}
	flush := time.NewTicker(w.tickInterval())
	defer flush.Stop()
	reload := time.NewTicker(w.ReloadPeriod)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)
		case <-flush.C:
			w.flush(ctx, time.Now())
		case <-reload.C:
			if err := w.folders.Reload(ctx); err != nil {
				slog.Error("failed to reload watched folders", "error", err)
				continue
			}
			w.syncRoots()
		}
	}
}

func (w *Watcher) tickInterval() time.Duration {
	if d := w.Debounce / 4; d > 0 {
		return d
	}
	return time.Second
}

// syncRoots adds watches for any watched folder not yet being watched.
func (w *Watcher) syncRoots() {
	for _, f := range w.folders.Get() {
		if !f.Watch {
			continue
		}
		if _, ok := w.roots[f.Path]; ok {
			continue
		}
		if err := w.addTree(f.Path); err != nil {
			slog.Warn("failed to watch folder", "folder", f.Path, "error", err)
			continue
		}
		w.roots[f.Path] = struct{}{}
		slog.Info("watching folder", "folder", f.Path)
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				slog.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !w.submitter.IsVideo(ev.Name) {
		return
	}
	w.touch(ev.Name, time.Now())
}

func (w *Watcher) touch(path string, at time.Time) {
	w.mu.Lock()
	w.pending[path] = at
	w.mu.Unlock()
}

// flush submits every pending path quiet for at least Debounce. Paths that
// no longer exist (renamed away or deleted) are dropped.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	w.mu.Lock()
	for path, last := range w.pending {
		if now.Sub(last) >= w.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		sub, err := w.submitter.Submit(ctx, pipeline.Request{VideoPath: path})
		if err != nil {
			slog.Error("failed to submit watched video", "video_path", path, "error", err)
			continue
		}
		slog.Info("watched video submitted", "video_path", path, "job_id", sub.JobID)
	}
}
