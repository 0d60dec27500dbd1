package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnChange(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blkvfs.ini")
	require.NoError(t, os.WriteFile(file, []byte("[Default]\ndebug = false\n"), 0644))

	updates := make(chan AppConfig, 4)
	stop, err := Watch(file, AppConfig{Debug: false, Console: true}, func(cfg AppConfig) {
		updates <- cfg
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(file, []byte("[Default]\ndebug = true\n"), 0644))

	// The rewrite may surface as more than one event; wait for the one
	// carrying the new value.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.Debug {
				// Keys that are not runtime-reloadable keep their values.
				assert.True(t, cfg.Console)
				return
			}
		case <-deadline:
			t.Fatal("no reload with debug=true observed")
		}
	}
}

func TestWatchMissingFile(t *testing.T) {
	_, err := Watch(filepath.Join(t.TempDir(), "absent.ini"), AppConfig{}, func(AppConfig) {})
	assert.Error(t, err)
}
