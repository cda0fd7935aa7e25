package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	// Clear environment for testing
	envVars := []string{"RELAY_ADDR", "RELAY_FORMAT", "RELAY_VERBOSE"}
	originalValues := make(map[string]string)
	for _, key := range envVars {
		originalValues[key] = os.Getenv(key)
		os.Unsetenv(key)
	}
	defer func() {
		for key, val := range originalValues {
			if val == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, val)
			}
		}
	}()

	t.Run("default values", func(t *testing.T) {
		cfg := DefaultConfig()

		if cfg.ServerAddr != "http://localhost:8080" {
			t.Errorf("ServerAddr = %v, want http://localhost:8080", cfg.ServerAddr)
		}
		if cfg.Format != "table" {
			t.Errorf("Format = %v, want table", cfg.Format)
		}
		if cfg.Verbose {
			t.Error("Verbose = true, want false")
		}
	})

	t.Run("from environment", func(t *testing.T) {
		os.Setenv("RELAY_ADDR", "http://relay.example.com:9090")
		os.Setenv("RELAY_FORMAT", "json")
		os.Setenv("RELAY_VERBOSE", "true")
		defer func() {
			for _, key := range envVars {
				os.Unsetenv(key)
			}
		}()

		cfg := DefaultConfig()

		if cfg.ServerAddr != "http://relay.example.com:9090" {
			t.Errorf("ServerAddr = %v", cfg.ServerAddr)
		}
		if cfg.Format != "json" {
			t.Errorf("Format = %v, want json", cfg.Format)
		}
		if !cfg.Verbose {
			t.Error("Verbose = false, want true")
		}
	})

	t.Run("invalid verbose flag", func(t *testing.T) {
		os.Setenv("RELAY_VERBOSE", "not-a-bool")
		defer os.Unsetenv("RELAY_VERBOSE")

		cfg := DefaultConfig()
		if cfg.Verbose {
			t.Error("invalid boolean should fall back to false")
		}
	})
}
