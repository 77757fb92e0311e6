// Package config resolves the CLI's runtime defaults from environment
// variables, with a .env file in the project root as fallback.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type FlashConfig struct {
	Port        string // OS device path, e.g. /dev/ttyACM0
	Board       string // FQBN, e.g. arduino:avr:uno
	MonitorBaud int    // 0 means autodetect
	ArtifactDir string // where UF2 hand-off artifacts land
}

var (
	flashConfig  *FlashConfig
	configLoaded bool
)

func LoadFlashConfig() (*FlashConfig, error) {
	if flashConfig != nil && configLoaded {
		return flashConfig, nil
	}

	// .env is optional; environment variables win over it.
	_ = godotenv.Load(filepath.Join(findProjectRoot(), ".env"))

	cfg := &FlashConfig{
		ArtifactDir: ".",
	}
	if p := os.Getenv("FLASH_PORT"); p != "" {
		cfg.Port = p
	}
	if b := os.Getenv("FLASH_BOARD"); b != "" {
		cfg.Board = b
	}
	if d := os.Getenv("FLASH_ARTIFACT_DIR"); d != "" {
		cfg.ArtifactDir = d
	}
	if v := os.Getenv("FLASH_MONITOR_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil && baud > 0 {
			cfg.MonitorBaud = baud
		}
	}

	flashConfig = cfg
	configLoaded = true
	return cfg, nil
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// Reset clears the cached config. Tests only.
func Reset() {
	flashConfig = nil
	configLoaded = false
}
