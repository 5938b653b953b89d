package zip

import (
	stdzip "archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchive(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "job.json"), []byte(`{"id":"j1"}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets", "source"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "source", "img.png"), []byte("png-bytes"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, Archive(&buf, root, []string{"job.json", "assets", "history"}))

	zr, err := stdzip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	names := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		var content bytes.Buffer
		_, err = content.ReadFrom(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		names[f.Name] = content.Bytes()
	}

	assert.Equal(t, []byte(`{"id":"j1"}`), names["job.json"])
	assert.Equal(t, []byte("png-bytes"), names["assets/source/img.png"])
	assert.Len(t, names, 2, "the missing history entry is skipped, not an error")
}

func TestArchiveEmptyRoot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Archive(&buf, t.TempDir(), []string{"job.json", "assets"}))

	zr, err := stdzip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Empty(t, zr.File)
}
