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
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/attestation"
	"github.com/jeremyhahn/go-fwtrust/pkg/eventlog"
	"github.com/jeremyhahn/go-fwtrust/pkg/keystore"
	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/policy"
	"github.com/jeremyhahn/go-fwtrust/pkg/storage"
	"github.com/jeremyhahn/go-fwtrust/pkg/storage/disk"
	"github.com/jeremyhahn/go-fwtrust/pkg/storage/memory"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

// openPlatform opens the hardware root selected by cfg
func openPlatform(ctx context.Context, cfg *config.Config, logger *logging.Logger) (tpm2.TrustedPlatformModule, error) {
	switch cfg.TPM.Mode {
	case config.ModeSoftware:
		logger.Warn("using the software root; state is lost on exit")
		return tpm2.NewPolicySimulator()
	case config.ModeSimulator:
		return tpm2.Open(ctx, &tpm2.Params{
			Config: &tpm2.Config{
				UseSimulator:   true,
				SimulatorSeed:  cfg.TPM.SimulatorSeed,
				CommandTimeout: cfg.TPM.CommandTimeout,
				OwnerAuth:      []byte(cfg.TPM.OwnerAuth),
			},
			Logger: logger,
		})
	default:
		return tpm2.Open(ctx, &tpm2.Params{
			Config: &tpm2.Config{
				Device:         cfg.TPM.Device,
				CommandTimeout: cfg.TPM.CommandTimeout,
				OwnerAuth:      []byte(cfg.TPM.OwnerAuth),
			},
			Logger: logger,
		})
	}
}

// newProtectedStorage builds the protected key storage selected by cfg
func newProtectedStorage(ctx context.Context, cfg *config.Config, tpm tpm2.TrustedPlatformModule, logger *logging.Logger) (keystore.ProtectedStorage, error) {
	ks := cfg.KeyStore
	if ks.Protected == config.ProtectedNV {
		return keystore.NewNVStorage(tpm, ks.NVBaseIndex, ks.NVMaxSize), nil
	}

	var backend storage.Backend
	switch ks.Storage {
	case config.StorageDisk:
		var err error
		if backend, err = disk.New(ks.Path); err != nil {
			return nil, err
		}
	default:
		backend = memory.New()
	}

	secret, err := ks.Secret()
	if err != nil {
		return nil, err
	}
	if secret == nil {
		logger.Warn("no sealing secret configured; sealed keys will not survive a restart")
		if secret, err = tpm.Random(ctx, 32); err != nil {
			return nil, err
		}
	}
	return keystore.NewSealedStorage(backend, secret)
}

// logSource returns the measurement log source, or nil when the log does
// not exist
func logSource(cfg *config.Config, logger *logging.Logger) eventlog.Source {
	if cfg.EventLog.Path == "" {
		return nil
	}
	if ok, _ := afero.Exists(appFs, cfg.EventLog.Path); !ok {
		logger.Warnf("measurement log %s not found", cfg.EventLog.Path)
		return nil
	}
	return &eventlog.FileSource{Fs: appFs, Path: cfg.EventLog.Path}
}

// newSubsystem opens the hardware root and assembles the subsystem
func newSubsystem(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*trust.Subsystem, error) {
	tpm, err := openPlatform(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	protected, err := newProtectedStorage(ctx, cfg, tpm, logger)
	if err != nil {
		_ = tpm.Close()
		return nil, err
	}
	duplicates, err := keystore.ParseDuplicatePolicy(strings.ToLower(cfg.KeyStore.DuplicatePolicy))
	if err != nil {
		_ = tpm.Close()
		return nil, err
	}

	a := cfg.Attestation
	s, err := trust.New(trust.Options{
		TPM:          tpm,
		LogSource:    logSource(cfg, logger),
		HardwareHash: cfg.EventLog.TPMHash,
		EventLog: eventlog.Options{
			MaxRecords:       cfg.EventLog.MaxRecords,
			MaxEventSize:     cfg.EventLog.MaxEventSize,
			MaxExportPayload: cfg.EventLog.MaxExportPayload,
		},
		KeyPolicy:      policy.Policy{PCRMask: cfg.Policy.PCRMask},
		PolicyCacheTTL: cfg.Policy.CacheTTL,
		Protected:      protected,
		Duplicates:     duplicates,
		Attestation: &attestation.Options{
			MaxSessions:    a.MaxSessions,
			SessionTTL:     a.SessionTTL,
			VerifyTimeout:  a.VerifyTimeout,
			FirmwarePCR:    a.FirmwarePCR,
			ConfigPCR:      a.ConfigPCR,
			KeyPCR:         a.KeyPCR,
			ChallengeRate:  a.ChallengeRate,
			ChallengeBurst: a.ChallengeBurst,
		},
		RollbackIndex:   cfg.Rollback.NVIndex,
		MeasureFirmware: cfg.SecureBoot.MeasureFirmware,
		Logger:          logger,
	})
	if err != nil {
		_ = tpm.Close()
		return nil, err
	}
	return s, nil
}

// withSubsystem loads the configuration, runs fn against a fresh
// subsystem and closes it
func withSubsystem(cmd *cobra.Command, fn func(ctx context.Context, s *trust.Subsystem, cfg *config.Config) error) error {
	cfg, err := getConfig().Load()
	if err != nil {
		return err
	}
	logger := getConfig().Logger(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := newSubsystem(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open trust subsystem: %w", err)
	}
	defer func() {
		logger.MaybeError(s.Close())
	}()
	printVerbose(cmd, "tpm mode %s", cfg.TPM.Mode)
	return fn(ctx, s, cfg)
}
