// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
)

// appFs is the file system used for config, logs, keys and images
var appFs = afero.NewOsFs()

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// OutputFormat controls output formatting (json, text, table)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool

	// TPMMode and TPMDevice override the configured hardware root
	TPMMode   string
	TPMDevice string

	// LogLevel overrides the configured log level
	LogLevel string

	// EventLogPath overrides the configured measurement log
	EventLogPath string
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
	}
}

// bind copies flag and environment settings into c
func (c *Config) bind(v *viper.Viper) error {
	c.ConfigFile = v.GetString("config")
	c.OutputFormat = v.GetString("output")
	c.Verbose = v.GetBool("verbose")
	c.TPMMode = v.GetString("tpm-mode")
	c.TPMDevice = v.GetString("tpm-device")
	c.LogLevel = v.GetString("log-level")
	c.EventLogPath = ""
	return nil
}

// Load reads the subsystem configuration and applies CLI overrides
func (c *Config) Load() (*config.Config, error) {
	bootstrap := logging.New(logging.Options{Level: "warn"})
	cfg, err := config.LoadFs(appFs, c.ConfigFile, bootstrap)
	if err != nil {
		return nil, err
	}
	if c.TPMMode != "" {
		cfg.TPM.Mode = c.TPMMode
	}
	if c.TPMDevice != "" {
		cfg.TPM.Device = c.TPMDevice
	}
	if c.EventLogPath != "" {
		cfg.EventLog.Path = c.EventLogPath
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	if c.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Logger creates the logger described by cfg
func (c *Config) Logger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}
