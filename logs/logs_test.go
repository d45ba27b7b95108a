package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinic.log")
	cfg := &config.Config{
		Server:  config.ServerConfig{Env: "test"},
		Logging: config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1},
	}

	logger := New(cfg)
	logger.Info().Str("appointment_id", "a1").Msg("appointment created")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"appointment_id":"a1"`)
	assert.Contains(t, string(data), `"service":"clinic-engine"`)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}
