//go:build linux

package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/event"
)

const inotifySupported = true

// readBufferSize fits at least 64 events with maximal names.
const readBufferSize = 64 * (recordHeaderSize + unix.NAME_MAX + 1)

// structural events are always requested so the tree can follow new
// directories.
const structuralMask = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_DELETE_SELF

// kernelOps maps an Op set to the inotify bits that report it.
func kernelOps(ops Op) uint32 {
	var m uint32
	if ops&OpCreate != 0 {
		m |= unix.IN_CREATE
	}
	if ops&OpWrite != 0 {
		m |= unix.IN_CLOSE_WRITE
	}
	if ops&OpRemove != 0 {
		m |= unix.IN_DELETE
	}
	if ops&OpRename != 0 {
		m |= unix.IN_MOVED_FROM | unix.IN_MOVED_TO
	}
	return m
}

// inotifySession is the state of one inotify watch loop.
type inotifySession struct {
	w       *Watcher
	r       *run
	fd      int
	tree    *watchTree
	publish uint32 // bits that produce a FileChange
	add     uint32 // mask passed to inotify_add_watch
	pb      *pathBuf
}

func (w *Watcher) runInotify(ctx context.Context, r *run) error {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchInit, "inotify_init1 failed")
	}
	defer unix.Close(fd)

	s := w.newInotifySession(r, fd)
	if err := s.addRecursive(ctx, r.root); err != nil {
		return err
	}
	w.logger.Debug(ctx, "Registered watch tree", "directories", s.tree.len())
	w.markReady()

	buf := make([]byte, readBufferSize)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN):
			if r.flag.IsSet() {
				return nil
			}
			time.Sleep(w.cfg.PollInterval)
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchRead, "reading inotify events failed")
		}

		if err := s.handle(ctx, buf[:n]); err != nil {
			return err
		}
		if r.flag.IsSet() {
			return nil
		}
	}
}

func (w *Watcher) newInotifySession(r *run, fd int) *inotifySession {
	publish := kernelOps(w.cfg.Ops)
	return &inotifySession{
		w:       w,
		r:       r,
		fd:      fd,
		tree:    newWatchTree(),
		publish: publish,
		add:     publish | structuralMask | unix.IN_ONLYDIR,
		pb:      newPathBuf(maxPathLen),
	}
}

// addRecursive registers dir and every subdirectory, depth first. Only a
// failure on the root is fatal; other directories are logged and skipped.
func (s *inotifySession) addRecursive(ctx context.Context, dir string) error {
	wd, err := unix.InotifyAddWatch(s.fd, dir, s.add)
	if err != nil {
		if dir != s.r.root {
			if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
				s.w.logger.Debug(ctx, "Directory disappeared before it could be watched", "path", dir)
			} else {
				s.w.logger.Warn(ctx, err, "Cannot watch directory", "path", dir)
			}
			return nil
		}
		return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchAdd, "inotify_add_watch failed").WithPath(dir)
	}
	s.tree.add(int32(wd), dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if dir == s.r.root {
			return hwerrors.WrapIO(err, hwerrors.ErrCodeWatchAdd, "cannot list directory").WithPath(dir)
		}
		s.w.logger.Warn(ctx, err, "Cannot list directory", "path", dir)
		return nil
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if s.w.ignored(s.r.root, sub) {
			continue
		}
		if err := s.addRecursive(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// handle processes every record of one read.
func (s *inotifySession) handle(ctx context.Context, buf []byte) error {
	dec := newRecordDecoder(buf)
	for dec.more() {
		rec, err := dec.next()
		if err != nil {
			return err
		}
		if err := s.handleRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *inotifySession) handleRecord(ctx context.Context, rec record) error {
	if rec.mask&unix.IN_Q_OVERFLOW != 0 {
		s.w.logger.Warn(ctx, nil, "inotify queue overflowed, events were lost")
		s.r.sender.Send(event.FileChange(s.r.root))
		return nil
	}
	if rec.mask&unix.IN_IGNORED != 0 {
		return nil
	}

	dir, ok := s.tree.path(rec.wd)
	if !ok {
		return hwerrors.NewInternalError(hwerrors.ErrCodeUnmappedWatch,
			"watch descriptor has no registered path", nil).
			WithComponent("watcher").
			WithContext("wd", rec.wd).
			WithContext("mask", rec.mask)
	}

	if rec.mask&unix.IN_DELETE_SELF != 0 {
		s.w.logger.Debug(ctx, "Watched directory removed", "path", dir)
		return nil
	}

	if err := s.pb.set(dir); err != nil {
		s.w.logger.Warn(ctx, err, "Skipping event")
		return nil
	}
	if err := s.pb.join(rec.name); err != nil {
		s.w.logger.Warn(ctx, err, "Skipping event")
		return nil
	}
	path := s.pb.String()

	if s.w.ignored(s.r.root, path) {
		return nil
	}

	if rec.mask&unix.IN_ISDIR != 0 && rec.mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
		if err := s.addRecursive(ctx, path); err != nil {
			return err
		}
	}

	if rec.mask&s.publish != 0 {
		s.w.logger.Debug(ctx, "File changed", "path", path)
		s.r.sender.Send(event.FileChange(path))
	}
	return nil
}
