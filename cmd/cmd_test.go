package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "manifest.yml")
	require.NoError(t, os.WriteFile(manifestPath, []byte("version: v1\noffline_page: /offline.html\n"), 0o600))

	cfg := "origin:\n  url: https://example.com\n" +
		"manifest:\n  path: " + manifestPath + "\n" +
		"storage:\n  driver: memory\n" +
		"logging:\n  output_paths: [stderr]\n" + extra
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { cfgFile = "" })

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: s3cret\n")

	out, err := run(t, "--config", path, "token", "--subject", "ops")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)
}

func TestTokenCommand_NoSecret(t *testing.T) {
	path := writeConfig(t, "")

	_, err := run(t, "--config", path, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestCachesCommand_Empty(t *testing.T) {
	path := writeConfig(t, "")

	out, err := run(t, "--config", path, "caches")
	require.NoError(t, err)
	assert.Contains(t, out, "No caches found")
}

func TestSyncCommand_EmptyQueue(t *testing.T) {
	path := writeConfig(t, "")

	out, err := run(t, "--config", path, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "form-submission")
}

func TestMigrateCommand_RejectsDirection(t *testing.T) {
	path := writeConfig(t, "")

	_, err := run(t, "--config", path, "migrate", "sideways")
	require.Error(t, err)
}
