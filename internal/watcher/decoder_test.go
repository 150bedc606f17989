package watcher

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
)

// encodeRecord lays out one inotify_event the way the kernel does: the name
// is NUL terminated and padded with pad extra NULs.
func encodeRecord(wd int32, mask uint32, name string, pad int) []byte {
	nameLen := 0
	if name != "" {
		nameLen = len(name) + 1 + pad
	}
	b := make([]byte, recordHeaderSize+nameLen)
	binary.NativeEndian.PutUint32(b[0:4], uint32(wd))
	binary.NativeEndian.PutUint32(b[4:8], mask)
	binary.NativeEndian.PutUint32(b[8:12], 0)
	binary.NativeEndian.PutUint32(b[12:16], uint32(nameLen))
	copy(b[recordHeaderSize:], name)
	return b
}

func TestDecoderReadsConsecutiveRecords(t *testing.T) {
	var buf []byte
	buf = append(buf, encodeRecord(1, 0x8, "index.html", 5)...)
	buf = append(buf, encodeRecord(2, 0x100, "", 0)...)
	buf = append(buf, encodeRecord(-1, 0x4000, "", 0)...)

	dec := newRecordDecoder(buf)
	var got []record
	for dec.more() {
		rec, err := dec.next()
		require.NoError(t, err)
		got = append(got, rec)
	}

	require.Len(t, got, 3)
	assert.Equal(t, record{wd: 1, mask: 0x8, name: "index.html"}, got[0])
	assert.Equal(t, record{wd: 2, mask: 0x100}, got[1])
	assert.Equal(t, int32(-1), got[2].wd)
}

func TestDecoderRejectsTruncatedHeader(t *testing.T) {
	buf := encodeRecord(1, 0x8, "a", 0)
	buf = append(buf, 0, 0, 0)

	dec := newRecordDecoder(buf)
	_, err := dec.next()
	require.NoError(t, err)

	_, err = dec.next()
	assert.ErrorIs(t, err, hwerrors.ErrDecode)
	assert.True(t, hwerrors.IsType(err, hwerrors.ErrorTypeProtocol))
}

func TestDecoderRejectsOversizedName(t *testing.T) {
	buf := encodeRecord(1, 0x8, "name", 3)
	// claim more name bytes than the buffer holds
	binary.NativeEndian.PutUint32(buf[12:16], uint32(len(buf)))

	dec := newRecordDecoder(buf)
	_, err := dec.next()
	assert.ErrorIs(t, err, hwerrors.ErrDecode)
	assert.Equal(t, 0, dec.off, "cursor must not move past a bad record")
}

func TestPathBuf(t *testing.T) {
	pb := newPathBuf(0)
	require.NoError(t, pb.set("/srv/site"))
	require.NoError(t, pb.join("css"))
	require.NoError(t, pb.join("main.css"))
	assert.Equal(t, "/srv/site/css/main.css", pb.String())

	require.NoError(t, pb.set("/"))
	require.NoError(t, pb.join("etc"))
	assert.Equal(t, "/etc", pb.String())

	require.NoError(t, pb.set("/srv"))
	require.NoError(t, pb.join(""))
	assert.Equal(t, "/srv", pb.String())
}

func TestPathBufTooLong(t *testing.T) {
	pb := newPathBuf(16)
	require.NoError(t, pb.set("/0123456789"))

	err := pb.join("abcdef")
	assert.ErrorIs(t, err, hwerrors.ErrPathTooLong)
	assert.Equal(t, "/0123456789", pb.String(), "failed join must leave the buffer intact")

	require.NoError(t, pb.join("abcd"))
	assert.Equal(t, "/0123456789/abcd", pb.String())

	assert.ErrorIs(t, pb.set("/a/very/long/directory/name"), hwerrors.ErrPathTooLong)
}

func TestWatchTree(t *testing.T) {
	tree := newWatchTree()
	tree.add(1, "/root")
	tree.add(2, "/root/sub")
	tree.add(2, "/root/renamed")

	p, ok := tree.path(2)
	assert.True(t, ok)
	assert.Equal(t, "/root/renamed", p)

	_, ok = tree.path(3)
	assert.False(t, ok)
	assert.Equal(t, 2, tree.len())
}
