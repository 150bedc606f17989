package watcher

import (
	"os"

	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
)

// maxPathLen mirrors PATH_MAX on Linux.
const maxPathLen = 4096

// pathBuf composes "dir/name" paths in a reusable buffer that refuses to
// grow past its limit.
type pathBuf struct {
	buf   []byte
	limit int
}

func newPathBuf(limit int) *pathBuf {
	if limit <= 0 {
		limit = maxPathLen
	}
	return &pathBuf{buf: make([]byte, 0, 256), limit: limit}
}

// set replaces the contents with dir.
func (p *pathBuf) set(dir string) error {
	if len(dir) > p.limit {
		return p.tooLong(dir)
	}
	p.buf = append(p.buf[:0], dir...)
	return nil
}

// join appends a separator and name. On error the buffer is unchanged.
func (p *pathBuf) join(name string) error {
	if name == "" {
		return nil
	}

	sep := 0
	if len(p.buf) > 0 && p.buf[len(p.buf)-1] != os.PathSeparator {
		sep = 1
	}
	if len(p.buf)+sep+len(name) > p.limit {
		return p.tooLong(string(p.buf) + string(os.PathSeparator) + name)
	}

	if sep == 1 {
		p.buf = append(p.buf, os.PathSeparator)
	}
	p.buf = append(p.buf, name...)
	return nil
}

func (p *pathBuf) String() string {
	return string(p.buf)
}

func (p *pathBuf) tooLong(path string) error {
	return hwerrors.NewValidationError(hwerrors.ErrCodePathTooLong, "path exceeds the maximum path length").
		WithPath(path).
		WithContext("limit", p.limit)
}
