package config

import (
	"os"
	"path/filepath"
)

// ResolvePath finds the orchestrator's config file using a fixed priority
// order: an explicit flag value, then the AGENTROUTER_CONFIG_PATH
// environment variable, then config/<name> relative to the current working
// directory, then config/<name> relative to the running binary. Returns ""
// if none exist, leaving the caller to decide whether that's fatal.
func ResolvePath(flagValue, name string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("AGENTROUTER_CONFIG_PATH"); env != "" {
		return env
	}
	if cwdPath := filepath.Join("config", name); fileExists(cwdPath) {
		return cwdPath
	}
	if exe, err := os.Executable(); err == nil {
		if binPath := filepath.Join(filepath.Dir(exe), "config", name); fileExists(binPath) {
			return binPath
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
