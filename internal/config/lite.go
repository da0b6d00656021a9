// Package config provides configuration management for the target evidence core.
// This file contains the lightweight profile for standalone operation.
package config

import (
	"os"
	"path/filepath"

	"github.com/target-evidence-core/internal/domain"
)

// DefaultDataDir returns the directory used by lite mode when none is given
func DefaultDataDir() string {
	if v := os.Getenv("TEC_DATA_DIR"); v != "" {
		return v
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".target-evidence-core")
}

// ApplyLite switches a configuration to embedded storage under dataDir.
// No PostgreSQL, Redis or broker is required afterwards.
func ApplyLite(cfg *domain.Config, dataDir string) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	// Data storage
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(dataDir, "facts.db")
	cfg.Storage.AuditDriver = "badger"
	cfg.Storage.AuditPath = filepath.Join(dataDir, "audit")

	// Shared cache and ingestion broker are disabled
	cfg.Cache.RedisURL = ""
	cfg.AMQP.Enabled = false
}
