// Package fswatch recursively enumerates configured directory roots and
// turns fsnotify events into the daemon's change-notification vocabulary,
// including move-pair correlation, mirroring the original daemon's
// inotify-based FileSystemWatcherLinux.
package fswatch

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType classifies a filesystem change delivered to the Listener.
type EventType int

const (
	FileDiscovered EventType = iota
	FileCreated
	FileDeleted
	FileMoved
	Unmounted
)

func (e EventType) String() string {
	switch e {
	case FileDiscovered:
		return "FileDiscovered"
	case FileCreated:
		return "FileCreated"
	case FileDeleted:
		return "FileDeleted"
	case FileMoved:
		return "FileMoved"
	case Unmounted:
		return "Unmounted"
	default:
		return "Unknown"
	}
}

// Listener receives classified filesystem changes. src/dst follow the same
// convention as the original's onFileSystemChange: for FileMoved both may be
// populated (paired rename) or only one (orphan half, observed alone).
type Listener interface {
	OnFileSystemChange(e EventType, src, dst string)
}

// DirSpec is one watched root. If Pattern is nil the whole subtree under Root
// is watched (a "literal path" spec); otherwise only directories whose full
// path matches Pattern are added to the watch set (a "pattern" spec), though
// the initial enumeration still walks the whole subtree to find them.
// Pattern is applied only during that enumeration: a directory created
// under a watched directory later is added whatever its path.
type DirSpec struct {
	Root    string
	Pattern *regexp.Regexp
}

// DefaultMoveTimeout is the window within which a rename's two halves
// (moved-from, moved-to) are correlated into a single FileMoved event before
// the first half is emitted on its own as an orphan.
const DefaultMoveTimeout = 250 * time.Millisecond

// createSettle is how long we wait after a Create before treating the write
// as finished and emitting FileCreated. fsnotify has no close-on-write
// event, so this approximates the original's close-after-write semantics.
const createSettle = 200 * time.Millisecond

// Watcher watches DirSpecs and delivers classified events to a Listener.
type Watcher struct {
	specs       []DirSpec
	listener    Listener
	moveTimeout time.Duration
	logger      *log.Logger

	fsw *fsnotify.Watcher

	mu           sync.Mutex
	havePending  bool
	pendingFrom  string
	pendingSince time.Time

	createMu    sync.Mutex
	createTimer map[string]*time.Timer

	dirMu       sync.Mutex
	watchedDirs map[string]struct{}
}

// New creates a Watcher over specs. Call Start to begin enumeration and
// event delivery; it blocks until ctx is cancelled.
func New(specs []DirSpec, listener Listener, moveTimeout time.Duration, logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if moveTimeout <= 0 {
		moveTimeout = DefaultMoveTimeout
	}
	return &Watcher{
		specs:       specs,
		listener:    listener,
		moveTimeout: moveTimeout,
		logger:      logger,
		fsw:         fsw,
		createTimer: make(map[string]*time.Timer),
		watchedDirs: make(map[string]struct{}),
	}, nil
}

// Start enumerates every configured root, emitting FileDiscovered for each
// regular file found, then delivers live events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, spec := range w.specs {
		if err := w.enumerate(spec); err != nil {
			return err
		}
	}

	timeoutTicker := time.NewTicker(w.moveTimeout)
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.fsw.Close()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("fswatch: watcher error: %v", err)

		case <-timeoutTicker.C:
			w.checkMoveTimeout()
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

func (w *Watcher) enumerate(spec DirSpec) error {
	return filepath.WalkDir(spec.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Printf("fswatch: enumerate %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if spec.Pattern != nil && path != spec.Root && !spec.Pattern.MatchString(path) {
				return nil
			}
			if err := w.fsw.Add(path); err != nil {
				w.logger.Printf("fswatch: add watch %s: %v", path, err)
			}
			w.addWatchedDir(path)
			return nil
		}
		w.listener.OnFileSystemChange(FileDiscovered, path, "")
		return nil
	})
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Rename):
		w.startPendingMove(ev.Name)

	case ev.Has(fsnotify.Create):
		if isDir(ev.Name) {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Printf("fswatch: add watch %s: %v", ev.Name, err)
			}
			w.addWatchedDir(ev.Name)
			return
		}
		if w.completePendingMove(ev.Name) {
			return
		}
		w.scheduleCreated(ev.Name)

	case ev.Has(fsnotify.Write):
		w.resetCreated(ev.Name)

	case ev.Has(fsnotify.Remove):
		if w.removeWatchedDir(ev.Name) {
			_ = w.fsw.Remove(ev.Name)
			w.listener.OnFileSystemChange(Unmounted, ev.Name, "")
			return
		}
		w.listener.OnFileSystemChange(FileDeleted, ev.Name, "")

	case ev.Has(fsnotify.Chmod):
		// not forwarded
	}
}

func (w *Watcher) startPendingMove(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.havePending {
		// a previous half is still unpaired; emit it as orphan
		w.emitOrphanLocked()
	}
	w.havePending = true
	w.pendingFrom = path
	w.pendingSince = time.Now()
}

func (w *Watcher) completePendingMove(dst string) bool {
	w.mu.Lock()
	if !w.havePending {
		w.mu.Unlock()
		return false
	}
	if time.Since(w.pendingSince) > w.moveTimeout {
		w.emitOrphanLocked()
		w.mu.Unlock()
		return false
	}
	src := w.pendingFrom
	w.havePending = false
	w.pendingFrom = ""
	w.mu.Unlock()

	w.listener.OnFileSystemChange(FileMoved, src, dst)
	return true
}

func (w *Watcher) checkMoveTimeout() {
	w.mu.Lock()
	if !w.havePending || time.Since(w.pendingSince) <= w.moveTimeout {
		w.mu.Unlock()
		return
	}
	w.emitOrphanLocked()
	w.mu.Unlock()
}

// emitOrphanLocked must be called with w.mu held; it clears the pending
// state and emits the one-sided FileMoved outside the lock is not possible
// here since callers hold it, so we emit while still holding it — the
// Listener call runs under w.mu.
func (w *Watcher) emitOrphanLocked() {
	src := w.pendingFrom
	w.havePending = false
	w.pendingFrom = ""
	w.listener.OnFileSystemChange(FileMoved, src, "")
}

func (w *Watcher) scheduleCreated(path string) {
	w.createMu.Lock()
	defer w.createMu.Unlock()
	if t, ok := w.createTimer[path]; ok {
		t.Stop()
	}
	w.createTimer[path] = time.AfterFunc(createSettle, func() {
		w.createMu.Lock()
		delete(w.createTimer, path)
		w.createMu.Unlock()
		w.listener.OnFileSystemChange(FileCreated, path, "")
	})
}

func (w *Watcher) resetCreated(path string) {
	w.createMu.Lock()
	defer w.createMu.Unlock()
	if t, ok := w.createTimer[path]; ok {
		t.Reset(createSettle)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// addWatchedDir records path as a directory under watch, so a later Remove
// event for it can be told apart from a plain file deletion.
func (w *Watcher) addWatchedDir(path string) {
	w.dirMu.Lock()
	w.watchedDirs[path] = struct{}{}
	w.dirMu.Unlock()
}

// removeWatchedDir drops path from the watched-directory set and reports
// whether it was one, so handleEvent's Remove case can emit Unmounted
// instead of FileDeleted for a watched directory disappearing (spec §4.2).
func (w *Watcher) removeWatchedDir(path string) bool {
	w.dirMu.Lock()
	defer w.dirMu.Unlock()
	if _, ok := w.watchedDirs[path]; !ok {
		return false
	}
	delete(w.watchedDirs, path)
	return true
}
