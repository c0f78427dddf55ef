package cmd

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chilleregeravi/agents/internal/corpus"
	"github.com/chilleregeravi/agents/pkg/version"
)

// executeCommand runs the CLI with args and captures combined output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	root := NewRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dataDir := filepath.Join(home, "corpus")
	t.Setenv("CORPUSD_DATA_DIR", dataDir)
	return dataDir
}

func TestRootHasSubcommands(t *testing.T) {
	root := NewRootCmd()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ingest", "retrieve", "status", "check", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	isolateEnv(t)

	out, err := executeCommand(t, "version", "--short")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)

	out, err = executeCommand(t, "version", "--json")
	require.NoError(t, err)
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)
}

func TestInvalidConfigRejected(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CORPUSD_FINGERPRINT", "md5")

	_, err := executeCommand(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint")
}

func writeDocFile(t *testing.T, dir, url, text string) string {
	t.Helper()
	sum := sha256.Sum256([]byte(text))
	doc := &corpus.NormalizedDocument{
		DocID:       uuid.New(),
		URL:         url,
		Text:        text,
		Language:    "en",
		Hash:        hex.EncodeToString(sum[:]),
		CollectedAt: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestIngestRetrieveStatusRoundTrip(t *testing.T) {
	isolateEnv(t)

	docPath := writeDocFile(t, t.TempDir(), "https://example.com/foxes",
		"The quick brown fox jumps over the lazy dog. Red foxes hunt at dusk "+
			"along the hedgerows and keep to well-worn trails through the brush.")

	out, err := executeCommand(t, "ingest", docPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ingested 1 documents")

	out, err = executeCommand(t, "retrieve", "--json", "--k", "3", "quick brown fox")
	require.NoError(t, err)
	var result corpus.RetrievalResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotEmpty(t, result.Results)
	assert.Equal(t, "https://example.com/foxes", result.Results[0].Citation.SourceURL)
	assert.Equal(t, uint64(1), result.Epoch)

	out, err = executeCommand(t, "status", "--json")
	require.NoError(t, err)
	var status corpusStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 1, status.Documents)
	assert.Equal(t, 1, status.CanonicalDocuments)
	assert.Positive(t, status.Chunks)
	assert.Equal(t, uint64(1), status.Epoch)
}

func TestCheckReportsConsistentIndexes(t *testing.T) {
	isolateEnv(t)

	docPath := writeDocFile(t, t.TempDir(), "https://example.com/owls",
		"Barn owls fly in near silence. Their feather edges break up the "+
			"turbulence that would otherwise give away their approach.")

	_, err := executeCommand(t, "ingest", docPath)
	require.NoError(t, err)

	out, err := executeCommand(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "indexes are consistent")
}
