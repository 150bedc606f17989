package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSite(t *testing.T) {
	s := NewSite(t)

	for _, dir := range []string{s.Watch, s.Serve} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, s.Root, filepath.Dir(dir))
	}

	data, err := os.ReadFile(filepath.Join(s.Serve, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, IndexHTML, string(data))
}

func TestWriteFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := WriteFile(t, dir, "x/y/z.txt", "hi")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}
