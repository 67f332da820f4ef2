package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	ret := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		ret[f.Name] = string(data)
	}
	return ret
}

func TestPackager_FlattensRegularFiles(t *testing.T) {
	tmp := t.TempDir()
	workspace := filepath.Join(tmp, "job_1")
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "b.jar"), []byte("bbb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.jar"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "nested", "skip.jar"), []byte("x"), 0o644))

	out := filepath.Join(tmp, "downloads")
	name, err := NewPackager(out).Package(workspace, "1")
	require.NoError(t, err)
	assert.Equal(t, "mods_1.zip", name)

	files := readArchive(t, filepath.Join(out, name))
	assert.Equal(t, map[string]string{"a.jar": "aaa", "b.jar": "bbb"}, files)

	zr, err := zip.OpenReader(filepath.Join(out, name))
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 2)
	assert.Equal(t, "a.jar", zr.File[0].Name)
	assert.Equal(t, zip.Deflate, zr.File[0].Method)
}

func TestPackager_NamesArtifactsPerJob(t *testing.T) {
	tmp := t.TempDir()
	out := filepath.Join(tmp, "downloads")
	p := NewPackager(out)

	for _, id := range []string{"1", "2"} {
		ws := filepath.Join(tmp, "job_"+id)
		require.NoError(t, os.MkdirAll(ws, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(ws, id+".jar"), []byte(id), 0o644))
		_, err := p.Package(ws, id)
		require.NoError(t, err)
	}

	assert.Equal(t, map[string]string{"1.jar": "1"}, readArchive(t, filepath.Join(out, "mods_1.zip")))
	assert.Equal(t, map[string]string{"2.jar": "2"}, readArchive(t, filepath.Join(out, "mods_2.zip")))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestPackager_MissingWorkspace(t *testing.T) {
	tmp := t.TempDir()
	_, err := NewPackager(filepath.Join(tmp, "downloads")).Package(filepath.Join(tmp, "missing"), "1")
	require.Error(t, err)
}

func TestPackager_RequiresJobID(t *testing.T) {
	_, err := NewPackager(t.TempDir()).Package(t.TempDir(), " ")
	require.Error(t, err)
}

func TestIsArtifactFile(t *testing.T) {
	assert.True(t, IsArtifactFile(ArtifactName("1-1")))
	assert.True(t, IsArtifactFile(".mods_4821.tmp"))
	assert.False(t, IsArtifactFile("notes.txt"))
	assert.False(t, IsArtifactFile("upload.tmp"))
	assert.False(t, IsArtifactFile(".mods_4821"))
}
