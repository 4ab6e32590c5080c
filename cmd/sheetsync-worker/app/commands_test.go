package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheetsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := NewRootCmd()
	names := make([]string, 0, len(cmd.Commands()))
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "bootstrap", "migrate-floors"})
}

func TestMigrateFloorsCmd_EmptyStore(t *testing.T) {
	path := writeConfig(t, "remote:\n  enabled: false\nlog:\n  level: error\n")

	out, err := execute(t, "migrate-floors", "--config", path, "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "0 records migrated\n", out)
}

func TestBootstrapCmd_ReportsMissingTemplates(t *testing.T) {
	path := writeConfig(t, "remote:\n  enabled: false\nlog:\n  level: error\ntemplates:\n  dir: "+t.TempDir()+"\n")

	_, err := execute(t, "bootstrap", "--config", path)
	assert.Error(t, err, "template files are absent")
}

func TestCommands_RejectInvalidConfig(t *testing.T) {
	path := writeConfig(t, "store:\n  type: cassandra\n")

	_, err := execute(t, "migrate-floors", "--config", path)
	assert.Error(t, err)
}
