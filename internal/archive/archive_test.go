package archive

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faa_sync/internal/registry"
)

type member struct {
	name    string
	content string
}

func writeZip(t *testing.T, members ...member) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "ReleasableAircraft.zip")
	f, err := os.Create(p)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(m.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func dataMembers() []member {
	return []member{
		{"MASTER.txt", "N-NUMBER,\n12345,\n"},
		{"ACFTREF.txt", "CODE,\n2072738,\n"},
		{"ENGINE.txt", "CODE,\n41514,\n"},
	}
}

func requireKind(t *testing.T, err error, want ErrorKind) *Error {
	t.Helper()
	var extractErr *Error
	require.True(t, errors.As(err, &extractErr), "want *archive.Error, got %v", err)
	assert.Equal(t, want, extractErr.Kind)
	return extractErr
}

func TestExtract(t *testing.T) {
	members := append(dataMembers(),
		member{"DEALER.txt", "ignored"},
		member{"ardata.pdf", "%PDF"},
	)
	zipPath := writeZip(t, members...)
	target := filepath.Join(t.TempDir(), "runs", "run-1")

	files, err := Extract(zipPath, target)
	require.NoError(t, err)

	assert.Equal(t, target, files.Dir)
	assert.Equal(t, filepath.Join(target, "MASTER.txt"), files.Path(registry.KindAircraft))
	assert.Equal(t, filepath.Join(target, "ACFTREF.txt"), files.Path(registry.KindModel))
	assert.Equal(t, filepath.Join(target, "ENGINE.txt"), files.Path(registry.KindEngine))

	got, err := os.ReadFile(files.AircraftFile)
	require.NoError(t, err)
	assert.Equal(t, "N-NUMBER,\n12345,\n", string(got))

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "companion members are not extracted")
}

func TestExtractCaseInsensitiveNames(t *testing.T) {
	zipPath := writeZip(t,
		member{"master.TXT", "a"},
		member{"AcftRef.txt", "b"},
		member{"ReleasableAircraft/engine.txt", "c"},
	)

	files, err := Extract(zipPath, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	got, err := os.ReadFile(files.EngineFile)
	require.NoError(t, err)
	assert.Equal(t, "c", string(got))
}

func TestExtractMissingMember(t *testing.T) {
	zipPath := writeZip(t, dataMembers()[:2]...)
	target := filepath.Join(t.TempDir(), "out")

	_, err := Extract(zipPath, target)
	e := requireKind(t, err, KindMissingMember)
	assert.Equal(t, "ENGINE.txt", e.Member)
	assert.NoDirExists(t, target)
}

func TestExtractUnexpectedMember(t *testing.T) {
	zipPath := writeZip(t, append(dataMembers(), member{"NOTES.txt", "?"})...)

	_, err := Extract(zipPath, filepath.Join(t.TempDir(), "out"))
	e := requireKind(t, err, KindUnexpectedMember)
	assert.Equal(t, "NOTES.txt", e.Member)
}

func TestExtractDuplicateMember(t *testing.T) {
	zipPath := writeZip(t, append(dataMembers(), member{"sub/MASTER.TXT", "again"})...)

	_, err := Extract(zipPath, filepath.Join(t.TempDir(), "out"))
	requireKind(t, err, KindUnexpectedMember)
}

func TestExtractCorruptArchive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(p, []byte("this is not a zip file"), 0o644))

	_, err := Extract(p, filepath.Join(t.TempDir(), "out"))
	requireKind(t, err, KindCorruptArchive)
}

func TestExtractRejectsTraversal(t *testing.T) {
	zipPath := writeZip(t, append(dataMembers(), member{"../MASTER.txt", "evil"})...)

	_, err := Extract(zipPath, filepath.Join(t.TempDir(), "out"))
	requireKind(t, err, KindCorruptArchive)
}

func TestExtractNeverReusesTargetDir(t *testing.T) {
	zipPath := writeZip(t, dataMembers()...)
	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "MASTER.txt"), []byte("last good"), 0o644))

	_, err := Extract(zipPath, target)
	require.Error(t, err)

	got, err := os.ReadFile(filepath.Join(target, "MASTER.txt"))
	require.NoError(t, err)
	assert.Equal(t, "last good", string(got))
}
