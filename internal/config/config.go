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

// Package config loads the fwtrust configuration from YAML with
// environment variable overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FWTRUST_"

const (
	ModeDevice    = "device"
	ModeSimulator = "simulator"
	ModeSoftware  = "software"

	ProtectedSealed = "sealed"
	ProtectedNV     = "nv"

	StorageMemory = "memory"
	StorageDisk   = "disk"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete fwtrust configuration
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	TPM         TPMConfig         `yaml:"tpm"`
	EventLog    EventLogConfig    `yaml:"eventlog"`
	Policy      PolicyConfig      `yaml:"policy"`
	Attestation AttestationConfig `yaml:"attestation"`
	Rollback    RollbackConfig    `yaml:"rollback"`
	KeyStore    KeyStoreConfig    `yaml:"keystore"`
	SecureBoot  SecureBootConfig  `yaml:"secureboot"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TPMConfig selects the hardware root
type TPMConfig struct {
	Mode           string        `yaml:"mode"` // device, simulator, software
	Device         string        `yaml:"device"`
	SimulatorSeed  int64         `yaml:"seed"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	OwnerAuth      string        `yaml:"owner_auth"`
}

// EventLogConfig controls measurement log ingestion
type EventLogConfig struct {
	Path             string `yaml:"path"`
	MaxRecords       int    `yaml:"max_records"`
	MaxEventSize     int    `yaml:"max_event_size"`
	MaxExportPayload int    `yaml:"max_export_payload"`
	TPMHash          bool   `yaml:"tpm_hash"`
}

// PolicyConfig controls policy digest computation
type PolicyConfig struct {
	PCRMask  uint32        `yaml:"pcr_mask"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// AttestationConfig controls the session table
type AttestationConfig struct {
	MaxSessions    int           `yaml:"max_sessions"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	VerifyTimeout  time.Duration `yaml:"verify_timeout"`
	FirmwarePCR    uint32        `yaml:"firmware_pcr"`
	ConfigPCR      uint32        `yaml:"config_pcr"`
	KeyPCR         uint32        `yaml:"key_pcr"`
	ChallengeRate  float64       `yaml:"challenge_rate"`
	ChallengeBurst int           `yaml:"challenge_burst"`
}

// RollbackConfig locates the version counter
type RollbackConfig struct {
	NVIndex uint32 `yaml:"nv_index"`
}

// KeyStoreConfig controls protected key storage
type KeyStoreConfig struct {
	Protected       string `yaml:"protected"` // sealed, nv
	Storage         string `yaml:"storage"`   // memory, disk
	Path            string `yaml:"path"`
	NVBaseIndex     uint32 `yaml:"nv_base_index"`
	NVMaxSize       int    `yaml:"nv_max_size"`
	DuplicatePolicy string `yaml:"duplicate_policy"`
	// SealingSecret is a hex encoded secret of at least 32 bytes. When
	// empty an ephemeral secret is drawn from the hardware RNG.
	SealingSecret string `yaml:"sealing_secret"`
}

// SecureBootConfig controls firmware admission
type SecureBootConfig struct {
	PublicKey       string `yaml:"public_key"`
	MeasureFirmware bool   `yaml:"measure_firmware"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Listen   string        `yaml:"listen"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		TPM: TPMConfig{
			Mode:           ModeDevice,
			Device:         "/dev/tpmrm0",
			SimulatorSeed:  1234567890,
			CommandTimeout: 10 * time.Second,
		},
		EventLog: EventLogConfig{
			Path:             "/sys/kernel/security/tpm0/binary_bios_measurements",
			MaxRecords:       4096,
			MaxEventSize:     64 * 1024,
			MaxExportPayload: 4096,
		},
		Policy: PolicyConfig{
			PCRMask:  1<<0 | 1<<1 | 1<<8,
			CacheTTL: 300 * time.Second,
		},
		Attestation: AttestationConfig{
			MaxSessions:   16,
			SessionTTL:    5 * time.Minute,
			VerifyTimeout: 5 * time.Second,
			FirmwarePCR:   0,
			ConfigPCR:     1,
			KeyPCR:        8,
		},
		Rollback: RollbackConfig{
			NVIndex: 0x01500001,
		},
		KeyStore: KeyStoreConfig{
			Protected:       ProtectedSealed,
			Storage:         StorageMemory,
			NVBaseIndex:     0x01510000,
			NVMaxSize:       2048,
			DuplicatePolicy: "reject",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Listen:   "127.0.0.1:9464",
			Path:     "/metrics",
			Interval: 15 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file on the OS filesystem
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path, logging.DefaultLogger())
}

// LoadFs reads configuration from a YAML file on fs. Values missing from
// the file keep their defaults; environment overrides are applied last.
func LoadFs(fs afero.Fs, path string, logger *logging.Logger) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg, logger)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FWTRUST_* environment overrides
func applyEnvOverrides(cfg *Config, logger *logging.Logger) {
	setString := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Warnf("config: invalid %s%s value %q, keeping %s", EnvPrefix, name, v, *dst)
			return
		}
		*dst = d
	}
	setInt := func(name string, dst *int) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Warnf("config: invalid %s%s value %q, keeping %d", EnvPrefix, name, v, *dst)
			return
		}
		*dst = n
	}

	// Logging
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("LOG_FORMAT", &cfg.Logging.Format)

	// TPM
	setString("TPM_MODE", &cfg.TPM.Mode)
	setString("TPM_DEVICE", &cfg.TPM.Device)
	setString("TPM_OWNER_AUTH", &cfg.TPM.OwnerAuth)
	setDuration("TPM_COMMAND_TIMEOUT", &cfg.TPM.CommandTimeout)

	// Event log
	setString("EVENTLOG_PATH", &cfg.EventLog.Path)
	setInt("EVENTLOG_MAX_RECORDS", &cfg.EventLog.MaxRecords)

	// Attestation
	setInt("ATTESTATION_MAX_SESSIONS", &cfg.Attestation.MaxSessions)
	setDuration("ATTESTATION_SESSION_TTL", &cfg.Attestation.SessionTTL)
	setDuration("ATTESTATION_VERIFY_TIMEOUT", &cfg.Attestation.VerifyTimeout)

	// Key store
	setString("KEYSTORE_PROTECTED", &cfg.KeyStore.Protected)
	setString("KEYSTORE_STORAGE", &cfg.KeyStore.Storage)
	setString("KEYSTORE_PATH", &cfg.KeyStore.Path)
	setString("SEALING_SECRET", &cfg.KeyStore.SealingSecret)

	// Secure boot
	setString("SECUREBOOT_PUBLIC_KEY", &cfg.SecureBoot.PublicKey)

	// Metrics
	setString("METRICS_LISTEN", &cfg.Metrics.Listen)
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warnf("config: invalid %sMETRICS_ENABLED value %q", EnvPrefix, v)
		} else {
			cfg.Metrics.Enabled = enabled
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return invalid("log level %q (must be debug, info, warn, error, or fatal)", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "text" {
		return invalid("log format %q (must be json or text)", c.Logging.Format)
	}

	switch c.TPM.Mode {
	case ModeDevice:
		if c.TPM.Device == "" {
			return invalid("tpm device is required in device mode")
		}
	case ModeSimulator, ModeSoftware:
	default:
		return invalid("tpm mode %q (must be device, simulator, or software)", c.TPM.Mode)
	}
	if c.TPM.CommandTimeout < 0 {
		return invalid("tpm command_timeout must not be negative")
	}

	if c.EventLog.MaxRecords < 0 || c.EventLog.MaxEventSize < 0 || c.EventLog.MaxExportPayload < 0 {
		return invalid("eventlog limits must not be negative")
	}

	if c.Policy.PCRMask == 0 {
		return invalid("policy pcr_mask must select at least one PCR")
	}
	if c.Policy.PCRMask>>24 != 0 {
		return invalid("policy pcr_mask 0x%08x selects PCRs above 23", c.Policy.PCRMask)
	}

	a := c.Attestation
	if a.MaxSessions < 0 {
		return invalid("attestation max_sessions must not be negative")
	}
	for name, pcr := range map[string]uint32{
		"firmware_pcr": a.FirmwarePCR,
		"config_pcr":   a.ConfigPCR,
		"key_pcr":      a.KeyPCR,
	} {
		if pcr >= 24 {
			return invalid("attestation %s %d out of range", name, pcr)
		}
	}
	if a.ChallengeRate < 0 || a.ChallengeBurst < 0 {
		return invalid("attestation challenge rate and burst must not be negative")
	}

	switch c.KeyStore.Protected {
	case ProtectedSealed:
		switch c.KeyStore.Storage {
		case StorageMemory:
		case StorageDisk:
			if c.KeyStore.Path == "" {
				return invalid("keystore path is required for disk storage")
			}
		default:
			return invalid("keystore storage %q (must be memory or disk)", c.KeyStore.Storage)
		}
		if _, err := c.KeyStore.Secret(); err != nil {
			return invalid("keystore sealing_secret: %v", err)
		}
	case ProtectedNV:
	default:
		return invalid("keystore protected %q (must be sealed or nv)", c.KeyStore.Protected)
	}
	switch strings.ToLower(c.KeyStore.DuplicatePolicy) {
	case "", "reject", "replace":
	default:
		return invalid("keystore duplicate_policy %q (must be reject or replace)", c.KeyStore.DuplicatePolicy)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return invalid("metrics listen address is required when metrics are enabled")
	}
	return nil
}

// Secret decodes the sealing secret. A nil secret means none is
// configured.
func (k KeyStoreConfig) Secret() ([]byte, error) {
	if k.SealingSecret == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(k.SealingSecret)
	if err != nil {
		return nil, err
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("%d bytes, need at least 32", len(secret))
	}
	return secret, nil
}

// PCRs returns the PCR indices selected by the policy mask
func (p PolicyConfig) PCRs() []uint {
	var pcrs []uint
	for i := uint(0); i < 24; i++ {
		if p.PCRMask&(1<<i) != 0 {
			pcrs = append(pcrs, i)
		}
	}
	return pcrs
}

// Marshal encodes the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
