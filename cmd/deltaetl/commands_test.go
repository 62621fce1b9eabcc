package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/statemachine"
)

// writeConfig writes a config with in-memory components. suffix keeps the
// queue names of each invocation apart.
func writeConfig(t *testing.T, suffix string) string {
	t.Helper()
	name := strings.ToLower(t.Name()) + suffix
	content := `storage:
  bucket_url: mem://
queues:
  copy:
    topic_url: mem://` + name + `
    subscription_url: mem://` + name + `
    dead_letter_topic_url: mem://` + name + `-dlq
    dead_letter_subscription_url: mem://` + name + `-dlq
catalog:
  database: analytics
logging:
  level: error
  output: stderr
pipelines:
  - id: app1
    type: processor
    src_path: staging/app1
    archive_path: archive/app1
    table: app1_delta
    partition_key: dt
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute("validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration validation successful")
	assert.Contains(t, out, "(1 pipelines)")

	_, err = execute("validate")
	assert.ErrorContains(t, err, "config flag")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("storage: {}\n"), 0o600))
	_, err = execute("validate", "--config", bad)
	assert.ErrorContains(t, err, "bucket_url")
}

func TestVersion(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, out, "deltaetl dev")
}

func TestRunErrors(t *testing.T) {
	_, err := execute("run", "-c", writeConfig(t, "-1"))
	assert.ErrorContains(t, err, "pipeline")

	_, err = execute("run", "-c", writeConfig(t, "-2"), "--pipeline", "nope")
	assert.ErrorIs(t, err, app.ErrUnknownPipeline)

	_, err = execute("run", "-c", writeConfig(t, "-3"), "--pipeline", "app1", "--timestamp", "yesterday")
	assert.ErrorContains(t, err, "timestamp")
}

func TestResumeUnknownExecution(t *testing.T) {
	path := writeConfig(t, "")

	_, err := execute("resume", "-c", path, "--execution", "missing")
	assert.ErrorIs(t, err, statemachine.ErrCheckpointNotFound)
}
