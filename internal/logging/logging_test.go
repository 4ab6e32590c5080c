package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	assert.Nil(t, closer)

	logger.Info().Msg("hidden")
	component := Component(logger, "drainer")
	component.Warn().Str("record_id", "p1").Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"drainer"`)
	assert.Contains(t, out, `"record_id":"p1"`)
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	logger, closer, err := New(Config{Path: path}, nil)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestNew_InvalidSettings(t *testing.T) {
	_, _, err := New(Config{Level: "loud"}, nil)
	assert.Error(t, err)

	_, _, err = New(Config{Format: "xml"}, nil)
	assert.Error(t, err)
}
