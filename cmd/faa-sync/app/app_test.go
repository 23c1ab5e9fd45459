package app

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faa_sync/internal/storage"
)

func testArchive(t *testing.T) []byte {
	t.Helper()
	members := map[string]string{
		"ACFTREF.txt": "CODE,MFR,MODEL,TYPE-ACFT,TYPE-ENG,NO-ENG,NO-SEATS,\n" +
			"2072738,CESSNA,172S,4,1,01,004,\n",
		"ENGINE.txt": "CODE,MFR,MODEL,TYPE,HORSEPOWER,THRUST,\n" +
			"41514,LYCOMING,O-360-A4M,1,00180,000000,\n",
		"MASTER.txt": "N-NUMBER,SERIAL NUMBER,MFR MDL CODE,ENG MFR MDL,YEAR MFR,NAME,\n" +
			"N12345,S1,2072738,41514,1998,SMITH JOHN,\n" +
			"N54321,S2,2072738,,2001,DOE JANE,\n",
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// execute runs the command tree with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRunCommand(t *testing.T) {
	data := testArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "registry.db")
	textfile := filepath.Join(dir, "faa_sync.prom")
	common := []string{
		"--source-url", srv.URL + "/ReleasableAircraft.zip",
		"--work-dir", filepath.Join(dir, "work"),
		"--sqlite-path", dbPath,
		"--log-level", "error",
	}

	out, err := execute(t, append([]string{"run", "--metrics-textfile", textfile}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "2 aircraft, 1 models, 1 engines")

	prom, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `faa_sync_runs_total{outcome="success"} 1`)

	out, err = execute(t, append([]string{"run"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "skipped")

	out, err = execute(t, append([]string{"run", "--force"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "0 inserted, 0 updated, 0 deleted")

	out, err = execute(t, "runs", "--json", "--sqlite-path", dbPath, "--work-dir", dir)
	require.NoError(t, err)
	var runs []storage.SyncRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 3)
	assert.Equal(t, storage.OutcomeSuccess, runs[0].Outcome)
	assert.Equal(t, storage.OutcomeSkipped, runs[1].Outcome)
	assert.Equal(t, storage.OutcomeSuccess, runs[2].Outcome)

	out, err = execute(t, "runs", "--limit", "1", "--sqlite-path", dbPath, "--work-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OUTCOME")
	assert.Contains(t, out, runs[0].ID)
	assert.NotContains(t, out, runs[1].ID)
}

func TestRunCommandRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "registry.db")
	out, err := execute(t, "run",
		"--source-url", srv.URL+"/ReleasableAircraft.zip",
		"--work-dir", dir,
		"--sqlite-path", dbPath,
		"--log-level", "disabled",
	)
	require.Error(t, err)
	assert.Contains(t, out, "failed at fetching")

	out, err = execute(t, "runs", "--json", "--sqlite-path", dbPath, "--work-dir", dir)
	require.NoError(t, err)
	var runs []storage.SyncRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, storage.OutcomeFailure, runs[0].Outcome)
	assert.Equal(t, "fetching", runs[0].FailedStep)
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	out, err := execute(t, "migrate", "--sqlite-path", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "schema up to date (sqlite)\n", out)
	assert.FileExists(t, dbPath)
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("FAA_SYNC_STORE_POSTGRES_PASSWORD", "s3cret")
	t.Setenv("FAA_SYNC_LOADER_BATCH_SIZE", "750")

	out, err := execute(t, "config", "--store-driver", "postgres")
	require.NoError(t, err)
	assert.Contains(t, out, "driver: postgres")
	assert.Contains(t, out, "batch_size: 750")
	assert.NotContains(t, out, "s3cret")
}

func TestInvalidConfig(t *testing.T) {
	_, err := execute(t, "config", "--store-driver", "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestVersionCommand(t *testing.T) {
	// Loads no configuration, so an invalid setting is ignored.
	t.Setenv("FAA_SYNC_STORE_DRIVER", "oracle")

	out, err := execute(t, "version", "--format", "json")
	require.NoError(t, err)

	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}
