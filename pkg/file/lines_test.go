package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLines(t *testing.T) {
	got, err := ReadLines(strings.NewReader("https://modrinth.com/mod/a\r\n\r\n  https://modrinth.com/mod/b  \n\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://modrinth.com/mod/a", "https://modrinth.com/mod/b"}, got)

	got, err = ReadLines(strings.NewReader(""))
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestReadLines_LineTooLong(t *testing.T) {
	_, err := ReadLines(strings.NewReader(strings.Repeat("x", maxLineBytes+1)))
	require.Error(t, err)
}

func TestReadLinesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mods.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\n"), 0o644))

	got, err := ReadLinesFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = ReadLinesFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
