package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/event"
)

// fsnotifyOps maps an Op set to the fsnotify operations that report it.
func fsnotifyOps(ops Op) fsnotify.Op {
	var m fsnotify.Op
	if ops&OpCreate != 0 {
		m |= fsnotify.Create
	}
	if ops&OpWrite != 0 {
		m |= fsnotify.Write
	}
	if ops&OpRemove != 0 {
		m |= fsnotify.Remove
	}
	if ops&OpRename != 0 {
		m |= fsnotify.Rename
	}
	return m
}

// fsnotifySession tracks the directories registered with one fsnotify
// watcher. Unlike the inotify tree it prunes entries when a directory goes
// away, since fsnotify keys watches by path.
type fsnotifySession struct {
	w       *Watcher
	r       *run
	fw      *fsnotify.Watcher
	tracked map[string]struct{}
	publish fsnotify.Op
}

func (w *Watcher) runFsnotify(ctx context.Context, r *run) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchInit, "creating fsnotify watcher failed")
	}
	defer fw.Close()

	s := &fsnotifySession{
		w:       w,
		r:       r,
		fw:      fw,
		tracked: make(map[string]struct{}),
		publish: fsnotifyOps(w.cfg.Ops),
	}
	if err := s.addRecursive(ctx, r.root); err != nil {
		return err
	}
	w.logger.Debug(ctx, "Registered watch tree", "directories", len(s.tracked))
	w.markReady()

	for {
		select {
		case <-r.stopped:
			return nil
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn(ctx, err, "Event queue overflowed, events were lost")
				r.sender.Send(event.FileChange(r.root))
				continue
			}
			w.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

// addRecursive adds root and all subdirectories to watch
func (s *fsnotifySession) addRecursive(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.r.root {
				return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchAdd, "cannot walk watch root").WithPath(path)
			}
			s.w.logger.Debug(ctx, "Skipping unreadable path", "path", path, "error", err.Error())
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if s.w.ignored(s.r.root, path) {
			return filepath.SkipDir
		}

		if err := s.fw.Add(path); err != nil {
			if path == s.r.root {
				return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchAdd, "cannot watch directory").WithPath(path)
			}
			s.w.logger.Warn(ctx, err, "Cannot watch directory", "path", path)
			return filepath.SkipDir
		}
		s.tracked[path] = struct{}{}
		return nil
	})
}

func (s *fsnotifySession) handle(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if s.w.ignored(s.r.root, path) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := s.addRecursive(ctx, path); err != nil {
				s.w.logger.Warn(ctx, err, "Cannot watch new directory", "path", path)
			}
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		s.prune(path)
	}

	if ev.Op&s.publish != 0 {
		s.w.logger.Debug(ctx, "File changed", "path", path, "op", ev.Op.String())
		s.r.sender.Send(event.FileChange(path))
	}
}

// prune forgets path and everything tracked below it.
func (s *fsnotifySession) prune(path string) {
	prefix := path + string(filepath.Separator)
	for dir := range s.tracked {
		if dir == path || strings.HasPrefix(dir, prefix) {
			_ = s.fw.Remove(dir)
			delete(s.tracked, dir)
		}
	}
}
