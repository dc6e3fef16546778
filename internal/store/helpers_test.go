package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// corruptSidecar truncates the document sidecar mid-stream.
func corruptSidecar(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, docsFileName)
	require.NoError(t, os.WriteFile(path, []byte("not gob data"), 0o644))
}
