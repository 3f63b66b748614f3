package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lensvault/internal/embedding"
	"lensvault/internal/scanner"
)

// bakeFixture runs runBake against testCorpus so a subsequent scan has a
// calibrated index to read from.
func bakeFixture(t *testing.T, ws string) {
	t.Helper()
	corpusPath := filepath.Join(ws, "corpus.md")
	require.NoError(t, os.WriteFile(corpusPath, []byte(testCorpus), 0o644))
	require.NoError(t, runBake(&cobra.Command{}, []string{corpusPath}))
}

func TestRunScanSucceedsAfterBake(t *testing.T) {
	logger = zap.NewNop()
	ws := t.TempDir()
	workspace = ws
	appCfg = testConfig(ws)
	timeout = 30_000_000_000
	defer func() { workspace = ""; appCfg = nil }()

	bakeFixture(t, ws)

	docPath := filepath.Join(ws, "doc.md")
	doc := "Ship it, I believe in this and we will make the deadline.\n"
	require.NoError(t, os.WriteFile(docPath, []byte(doc), 0o644))

	reading, err := runScan(&cobra.Command{}, []string{docPath})
	require.NoError(t, err)
	require.Equal(t, 0, scanExitCode(err))
	require.NotZero(t, reading.LinesScanned)
}

func TestRunScanOnUnbakedIndexIsModelMismatch(t *testing.T) {
	logger = zap.NewNop()
	ws := t.TempDir()
	workspace = ws
	appCfg = testConfig(ws)
	timeout = 30_000_000_000
	defer func() { workspace = ""; appCfg = nil }()

	docPath := filepath.Join(ws, "doc.md")
	doc := "Some ordinary prose line long enough to be scannable today.\n"
	require.NoError(t, os.WriteFile(docPath, []byte(doc), 0o644))

	_, err := runScan(&cobra.Command{}, []string{docPath})
	require.Error(t, err)
	require.Equal(t, 5, scanExitCode(err))
}

func TestRunScanMismatchedModelIsExitCode5(t *testing.T) {
	logger = zap.NewNop()
	ws := t.TempDir()
	workspace = ws
	appCfg = testConfig(ws)
	timeout = 30_000_000_000
	defer func() { workspace = ""; appCfg = nil }()

	bakeFixture(t, ws)
	appCfg.Embedding.ModelID = "some-other-model-id"

	docPath := filepath.Join(ws, "doc.md")
	doc := "Some ordinary prose line long enough to be scannable today.\n"
	require.NoError(t, os.WriteFile(docPath, []byte(doc), 0o644))

	_, err := runScan(&cobra.Command{}, []string{docPath})
	require.Error(t, err)

	var mismatch *scanner.ModelMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, 5, scanExitCode(err))
}

func TestScanExitCodeForProviderError(t *testing.T) {
	err := &embedding.ProviderError{Provider: "deterministic", Err: os.ErrClosed}
	require.Equal(t, 3, scanExitCode(err))
}
