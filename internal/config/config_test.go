package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadFlashConfigFromEnv(t *testing.T) {
	Reset()
	t.Setenv("FLASH_PORT", "/dev/ttyACM0")
	t.Setenv("FLASH_BOARD", "arduino:avr:uno")
	t.Setenv("FLASH_MONITOR_BAUD", "9600")
	t.Setenv("FLASH_ARTIFACT_DIR", "/tmp/artifacts")

	cfg, err := LoadFlashConfig()
	assert.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.Port)
	assert.Equal(t, "arduino:avr:uno", cfg.Board)
	assert.Equal(t, 9600, cfg.MonitorBaud)
	assert.Equal(t, "/tmp/artifacts", cfg.ArtifactDir)
	Reset()
}

func TestLoadFlashConfigDefaults(t *testing.T) {
	Reset()
	t.Setenv("FLASH_PORT", "")
	t.Setenv("FLASH_BOARD", "")
	t.Setenv("FLASH_MONITOR_BAUD", "not-a-number")
	t.Setenv("FLASH_ARTIFACT_DIR", "")

	cfg, err := LoadFlashConfig()
	assert.NoError(t, err)
	assert.Empty(t, cfg.Port)
	assert.Zero(t, cfg.MonitorBaud)
	assert.Equal(t, ".", cfg.ArtifactDir)

	// The loaded config is cached until Reset.
	again, _ := LoadFlashConfig()
	assert.Same(t, cfg, again)
	Reset()
}
