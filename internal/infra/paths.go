// Package infra resolves the on-disk locations saltpeterd uses for its
// daemon lock, PID file and logs, plus data and cache directories that
// no component currently writes to.
package infra

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/syscollective/saltpeter/internal/config"
)

// Paths holds commonly used directories, resolved once at package load and
// re-resolvable via the individual resolve* functions for tests.
var Paths = struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
	LogDir    string
}{
	ConfigDir: resolveConfigDir(),
	DataDir:   resolveDataDir(),
	CacheDir:  resolveCacheDir(),
	LogDir:    resolveLogDir(),
}

func resolveConfigDir() string {
	return config.StateDir()
}

func resolveDataDir() string {
	stateDir := config.StateDir()

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(stateDir, "data")
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData != "" {
			return filepath.Join(localAppData, "Saltpeter", "data")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Saltpeter", "data")
	default:
		xdg := os.Getenv("XDG_DATA_HOME")
		if xdg != "" {
			return filepath.Join(xdg, "saltpeter")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "saltpeter")
	}
}

func resolveCacheDir() string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "saltpeter")
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData != "" {
			return filepath.Join(localAppData, "Saltpeter", "cache")
		}
		return filepath.Join(home, "Saltpeter", "cache")
	default:
		xdg := os.Getenv("XDG_CACHE_HOME")
		if xdg != "" {
			return filepath.Join(xdg, "saltpeter")
		}
		return filepath.Join(home, ".cache", "saltpeter")
	}
}

func resolveLogDir() string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "saltpeter")
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData != "" {
			return filepath.Join(localAppData, "Saltpeter", "logs")
		}
		return filepath.Join(home, "Saltpeter", "logs")
	default:
		return filepath.Join(home, ".local", "state", "saltpeter", "logs")
	}
}

// EnsureDirs creates all required directories.
func EnsureDirs() error {
	dirs := []string{
		Paths.ConfigDir,
		Paths.DataDir,
		Paths.CacheDir,
		Paths.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}
