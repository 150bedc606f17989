package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInjectReload(t *testing.T) {
	snippet := []byte("<script>x</script>")

	tests := []struct {
		name     string
		doc      string
		want     string
		injected bool
	}{
		{
			name:     "after head",
			doc:      "<!DOCTYPE html><html><head><title>t</title></head><body></body></html>",
			want:     "<!DOCTYPE html><html><head><script>x</script><title>t</title></head><body></body></html>",
			injected: true,
		},
		{
			name:     "head with attributes",
			doc:      `<html><HEAD lang="en"></HEAD></html>`,
			want:     `<html><HEAD lang="en"><script>x</script></HEAD></html>`,
			injected: true,
		},
		{
			name: "body before head",
			doc:  "<html><body><head></head></body></html>",
			want: "<html><body><head></head></body></html>",
		},
		{
			name: "no head",
			doc:  "<p>plain</p>",
			want: "<p>plain</p>",
		},
		{
			name: "head inside comment",
			doc:  "<!-- <head> --><p>x</p>",
			want: "<!-- <head> --><p>x</p>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := InjectReload([]byte(tt.doc), snippet)
			assert.Equal(t, tt.injected, ok)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestReloadSnippet(t *testing.T) {
	s := string(ReloadSnippet())
	assert.True(t, strings.HasPrefix(s, "<script>"))
	assert.True(t, strings.HasSuffix(s, "</script>"))
	assert.Contains(t, s, `EventSource("/sse")`)
	assert.Contains(t, s, "location.reload()")
}
