// Package testutils builds throwaway project trees for tests that run a
// real watcher and file server.
package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// IndexHTML is the index page written into every Site's serve directory.
const IndexHTML = "<html><head><title>b</title></head><body>served</body></html>"

// Site is a temporary project: Watch is the watched source tree and Serve
// the directory handed to the file server. The two are siblings.
type Site struct {
	Root  string
	Watch string
	Serve string
}

// NewSite creates Root/a (watched) and Root/b (served, with index.html).
func NewSite(t *testing.T) Site {
	t.Helper()
	root := t.TempDir()
	s := Site{
		Root:  root,
		Watch: filepath.Join(root, "a"),
		Serve: filepath.Join(root, "b"),
	}
	require.NoError(t, os.Mkdir(s.Watch, 0o755))
	require.NoError(t, os.Mkdir(s.Serve, 0o755))
	WriteFile(t, s.Serve, "index.html", IndexHTML)
	return s
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
