package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mahaj/mingle-realtime/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, closeLog, err := New(config.Log{Level: "debug", Format: "json", File: path}, "gateway")
	require.NoError(t, err)

	logger.Debug("client connected", "user_id", "A")
	require.NoError(t, closeLog())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(raw, &line))
	assert.Equal(t, "client connected", line["msg"])
	assert.Equal(t, "gateway", line["service"])
	assert.Equal(t, "A", line["user_id"])
}

func TestNew_RejectsBadSettings(t *testing.T) {
	_, _, err := New(config.Log{Level: "loud"}, "api")
	assert.Error(t, err)
	_, _, err = New(config.Log{Level: "info", Format: "xml"}, "api")
	assert.Error(t, err)
}
