package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/app"
	"finrag/internal/embedding/embeddingtest"
	"finrag/internal/models"
)

// setup writes a config rooted in a temp dir plus two documents, and routes
// every app.Open through the keyword embedder.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	docs := filepath.Join(dir, "pdfs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "fees.txt"),
		[]byte(strings.Repeat("The overdraft fee is 12 EUR per month. ", 8)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "cards.md"),
		[]byte("# Cards\n\nCard replacement costs 10 EUR.\n"), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`data_dir: %q
db_url: %q
faiss_index_path: %q
llm_provider: none
chunk_size: 200
chunk_overlap: 40
log_format: json
`, dir, "sqlite:///"+filepath.Join(dir, "finrag.sqlite"), filepath.Join(dir, "index", "faiss.index"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	kw := embeddingtest.NewKeyword("overdraft", "card", "mortgage")
	appOptions = []app.Option{app.WithEmbedder(kw)}
	t.Cleanup(func() { appOptions = nil })
	return cfgPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	askJSON, ingestReset, ingestTitle, ingestDir, evalWorkers = false, false, "", "", 4

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestIngestAndAsk(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, "--config", cfgPath, "ingest")
	require.NoError(t, err)
	assert.Contains(t, out, "2 ingested, 0 skipped, 0 failed")

	out, err = run(t, "--config", cfgPath, "ingest")
	require.NoError(t, err)
	assert.Contains(t, out, "0 ingested, 2 skipped")

	out, err = run(t, "--config", cfgPath, "ask", "What is the overdraft fee?")
	require.NoError(t, err)
	assert.Contains(t, out, models.NoLLMMessage)
	assert.Contains(t, out, "Sources:")
	assert.Contains(t, out, "fees.txt")

	out, err = run(t, "--config", cfgPath, "ask", "--json", "overdraft")
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, false, resp["idk"])
	assert.Equal(t, true, resp["used_context"])
	assert.NotEmpty(t, resp["citations"])
}

func TestAsk_WithoutIndex(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "--config", cfgPath, "ask", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index")
}

func TestIngest_FilesWithTitle(t *testing.T) {
	cfgPath := setup(t)
	file := filepath.Join(filepath.Dir(cfgPath), "pdfs", "fees.txt")

	out, err := run(t, "--config", cfgPath, "ingest", "--title", "Fee schedule", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested")
	assert.Contains(t, out, "Index saved to")

	out, err = run(t, "--config", cfgPath, "ask", "overdraft")
	require.NoError(t, err)
	assert.Contains(t, out, "Fee schedule")

	_, err = run(t, "--config", cfgPath, "ingest", "--title", "x")
	assert.Error(t, err, "title needs a single file")
}

func TestIngest_EmptyDir(t *testing.T) {
	cfgPath := setup(t)
	empty := t.TempDir()
	out, err := run(t, "--config", cfgPath, "ingest", "--dir", empty)
	require.NoError(t, err)
	assert.Contains(t, out, "No documents found in: "+empty)
}

func TestEval(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "--config", cfgPath, "ingest")
	require.NoError(t, err)

	out, err := run(t, "--config", cfgPath, "eval")
	require.NoError(t, err)
	assert.Contains(t, out, "No evaluation data found")

	out, err = run(t, "--config", cfgPath, "gold", "add", "overdraft fee", "1,2")
	require.NoError(t, err)
	assert.Contains(t, out, "Added gold query")

	out, err = run(t, "--config", cfgPath, "gold", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "overdraft fee")

	out, err = run(t, "--config", cfgPath, "eval", "--workers", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Eval samples: 1")
	assert.Contains(t, out, "precision@1:")
	assert.Contains(t, out, "recall@10:")
}

func TestGoldAdd_BadIDs(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "--config", cfgPath, "gold", "add", "q", "1,x")
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("top_k: 0\n"), 0o600))
	_, err := run(t, "--config", path, "eval")
	assert.Error(t, err)
}

func TestIngest_FailureStillSaves(t *testing.T) {
	cfgPath := setup(t)
	dir := filepath.Dir(cfgPath)
	bad := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(bad, []byte("png"), 0o600))

	out, err := run(t, "--config", cfgPath, "ingest", filepath.Join(dir, "pdfs", "fees.txt"), bad)
	require.Error(t, err)
	assert.Contains(t, out, "Failed "+bad)
	assert.Contains(t, out, "Index saved to")

	out, err = run(t, "--config", cfgPath, "ask", "overdraft")
	require.NoError(t, err)
	assert.Contains(t, out, "fees.txt")
}
