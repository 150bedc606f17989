package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	testCases := []struct {
		kind     Kind
		expected string
	}{
		{KindStart, "start"},
		{KindFileChange, "file_change"},
		{KindCmdFinished, "cmd_finished"},
		{KindHTTPRequest, "http_request"},
		{KindStreamClosed, "stream_closed"},
		{KindQuit, "quit"},
		{Kind(99), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.kind.String())
		})
	}
}

func TestEventFor(t *testing.T) {
	a := ConnID("127.0.0.1:5000")
	b := ConnID("127.0.0.1:5001")

	assert.True(t, HTTPRequest(a).For(a))
	assert.False(t, HTTPRequest(a).For(b))
	assert.True(t, StreamClosed(b).For(b))
	assert.False(t, CmdFinished().For(a))
	assert.False(t, Quit().For(a))
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "file_change(/tmp/a.txt)", FileChange("/tmp/a.txt").String())
	assert.Equal(t, "http_request(1.2.3.4:80)", HTTPRequest("1.2.3.4:80").String())
	assert.Equal(t, "quit", Quit().String())
}
