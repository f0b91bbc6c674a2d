package documents

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubIdentifier(t *testing.T) {
	body := []byte("<edgarSubmission><form13FFileNumber>28-12345</form13FFileNumber></edgarSubmission>")

	id, ok := SubIdentifier("13F-HR", body)
	assert.True(t, ok)
	assert.Equal(t, "28-12345", id)

	id, ok = SubIdentifier("13F-HR/A", []byte("<SEC-DOCUMENT>no tag here"))
	assert.True(t, ok)
	assert.Equal(t, UnknownSubIdentifier, id)

	id, ok = SubIdentifier("10-K", body)
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestSavePathShape(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, ".txt")

	path, err := s.Save("1234", "0000001234-05-000009", []byte("doc"), "28-12345")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "0000001234", "0000001234-05-000009_28-12345.txt"), path)

	path, err = s.Save("0000001234", "A2", []byte("doc"), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "0000001234", "A2.txt"), path)
}

func TestSaveOverwrites(t *testing.T) {
	s := NewStore(t.TempDir(), "txt")

	_, err := s.Save("0000001234", "A1", []byte("first"), UnknownSubIdentifier)
	require.NoError(t, err)
	path, err := s.Save("0000001234", "A1", []byte("second"), UnknownSubIdentifier)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestSaveWriteError(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "0000000001")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	s := NewStore(root, "txt")
	_, err := s.Save("1", "A1", []byte("x"), "")

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Contains(t, writeErr.Path, "A1.txt")
}

func TestSanitizedSubIdentifier(t *testing.T) {
	s := NewStore("/out", "txt")
	assert.Equal(t, filepath.Join("/out", "0000000007", "A1_28_1.txt"), s.Path("7", "A1", "28/1"))
}
