package watcher

import (
	"bytes"
	"encoding/binary"
	"fmt"

	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
)

// recordHeaderSize is sizeof(struct inotify_event) without the name.
const recordHeaderSize = 16

// record is one decoded inotify_event.
type record struct {
	wd     int32
	mask   uint32
	cookie uint32
	name   string
}

// recordDecoder walks a buffer filled by one read(2) on an inotify fd. Each
// declared name length is checked against what is left before the cursor
// moves.
type recordDecoder struct {
	buf []byte
	off int
}

func newRecordDecoder(buf []byte) *recordDecoder {
	return &recordDecoder{buf: buf}
}

func (d *recordDecoder) more() bool {
	return d.off < len(d.buf)
}

func (d *recordDecoder) next() (record, error) {
	rest := d.buf[d.off:]
	if len(rest) < recordHeaderSize {
		return record{}, d.fail(fmt.Sprintf("truncated header: %d bytes left", len(rest)))
	}

	wd := int32(binary.NativeEndian.Uint32(rest[0:4]))
	mask := binary.NativeEndian.Uint32(rest[4:8])
	cookie := binary.NativeEndian.Uint32(rest[8:12])
	nameLen := binary.NativeEndian.Uint32(rest[12:16])

	if uint64(nameLen) > uint64(len(rest)-recordHeaderSize) {
		return record{}, d.fail(fmt.Sprintf("name length %d exceeds remaining %d bytes",
			nameLen, len(rest)-recordHeaderSize))
	}

	name := rest[recordHeaderSize : recordHeaderSize+int(nameLen)]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	d.off += recordHeaderSize + int(nameLen)

	return record{wd: wd, mask: mask, cookie: cookie, name: string(name)}, nil
}

func (d *recordDecoder) fail(msg string) error {
	return hwerrors.NewProtocolError(hwerrors.ErrCodeDecode, msg).
		WithComponent("watcher").
		WithContext("offset", d.off)
}
