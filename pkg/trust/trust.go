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

// Package trust assembles the firmware trust components around one
// hardware root. A Subsystem owns its key registry, measurement cache,
// policy cache and session table, so independent instances can coexist in
// one process.
package trust

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-fwtrust/pkg/attestation"
	"github.com/jeremyhahn/go-fwtrust/pkg/eventlog"
	"github.com/jeremyhahn/go-fwtrust/pkg/keystore"
	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/policy"
	"github.com/jeremyhahn/go-fwtrust/pkg/rollback"
	"github.com/jeremyhahn/go-fwtrust/pkg/secureboot"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

// MaxCommitSteps bounds the counter increments performed by one
// CommitFirmware call.
const MaxCommitSteps = 1024

// measurementSequenceBase keeps runtime measurements clear of log ordinals.
const measurementSequenceBase uint64 = math.MaxUint32 + 1

var (
	ErrNoPlatform    = status.New(status.InvalidArgument, "trust: hardware root is required")
	ErrVersionJump   = status.New(status.InvalidArgument, "trust: version jump exceeds commit limit")
	ErrAlreadyClosed = status.New(status.InvalidArgument, "trust: subsystem closed")
)

// Options configures a Subsystem. Only TPM is required.
type Options struct {
	TPM tpm2.TrustedPlatformModule

	// LogSource supplies the measurement log. Without it Init skips the
	// initial ingestion.
	LogSource eventlog.Source
	// HardwareHash computes replay digests on the hardware root.
	HardwareHash bool
	EventLog     eventlog.Options

	// KeyPolicy selects the PCRs hardware-stored keys are bound to.
	KeyPolicy      policy.Policy
	PolicyCacheTTL time.Duration

	Protected  keystore.ProtectedStorage
	Duplicates keystore.DuplicatePolicy

	// Attestation tunes the session table; nil uses
	// attestation.DefaultOptions. Entropy and Validator are provided by
	// the subsystem.
	Attestation *attestation.Options

	RollbackIndex uint32

	// MeasureFirmware extends admitted images into the firmware PCR and
	// records them in the measurement cache.
	MeasureFirmware bool

	Clock  func() time.Time
	Logger *logging.Logger
}

// DefaultKeyPolicy binds keys to the firmware, configuration and key PCRs.
func DefaultKeyPolicy() policy.Policy {
	return policy.FromPCRs(
		uint(attestation.DefaultFirmwarePCR),
		uint(attestation.DefaultConfigPCR),
		uint(attestation.DefaultKeyPCR))
}

// Subsystem is the explicit context object owning every trust component.
type Subsystem struct {
	logger      *logging.Logger
	tpm         tpm2.TrustedPlatformModule
	events      *eventlog.Cache
	policy      *policy.Engine
	keyPolicy   policy.Policy
	keys        *keystore.KeyStore
	counter     *rollback.Counter
	verifier    *secureboot.Verifier
	sessions    *attestation.Service
	firmwarePCR uint32
	configPCR   uint32
	keyPCR      uint32
	measure     bool
	clock       func() time.Time
	measureSeq  atomic.Uint64
	closed      atomic.Bool
}

// New wires the components around opts.TPM. Nothing is read from the
// hardware until Init.
func New(opts Options) (*Subsystem, error) {
	if opts.TPM == nil {
		return nil, ErrNoPlatform
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.KeyPolicy.PCRMask == 0 {
		opts.KeyPolicy = DefaultKeyPolicy()
	}

	logOpts := opts.EventLog
	logOpts.Source = opts.LogSource
	logOpts.Logger = opts.Logger.With("component", metrics.ComponentEventLog)
	if logOpts.Clock == nil {
		logOpts.Clock = opts.Clock
	}
	if opts.HardwareHash {
		logOpts.Hash = eventlog.PlatformHash{TPM: opts.TPM}
	}
	events := eventlog.NewCache(logOpts)

	engine, err := policy.NewEngine(policy.Options{
		TPM:      opts.TPM,
		CacheTTL: opts.PolicyCacheTTL,
		Clock:    opts.Clock,
		Logger:   opts.Logger.With("component", metrics.ComponentPolicy),
	})
	if err != nil {
		return nil, err
	}

	keys, err := keystore.New(keystore.Options{
		Protected:  opts.Protected,
		Digester:   engine,
		Policy:     opts.KeyPolicy,
		Duplicates: opts.Duplicates,
		Clock:      opts.Clock,
		Logger:     opts.Logger.With("component", metrics.ComponentKeyStore),
	})
	if err != nil {
		return nil, err
	}

	attOpts := attestation.DefaultOptions()
	if opts.Attestation != nil {
		attOpts = *opts.Attestation
	}
	attOpts.Entropy = opts.TPM
	attOpts.Validator = events
	attOpts.Logger = opts.Logger.With("component", metrics.ComponentAttestation)
	if attOpts.Clock == nil {
		attOpts.Clock = opts.Clock
	}
	sessions, err := attestation.NewService(attOpts)
	if err != nil {
		return nil, err
	}

	return &Subsystem{
		logger:      opts.Logger,
		tpm:         opts.TPM,
		events:      events,
		policy:      engine,
		keyPolicy:   opts.KeyPolicy,
		keys:        keys,
		counter:     rollback.NewCounter(opts.TPM, opts.RollbackIndex, opts.Logger.With("component", metrics.ComponentRollback)),
		verifier:    secureboot.NewVerifier(opts.Logger.With("component", metrics.ComponentSecureBoot)),
		sessions:    sessions,
		firmwarePCR: attOpts.FirmwarePCR,
		configPCR:   attOpts.ConfigPCR,
		keyPCR:      attOpts.KeyPCR,
		measure:     opts.MeasureFirmware,
		clock:       opts.Clock,
	}, nil
}

func (s *Subsystem) TPM() tpm2.TrustedPlatformModule { return s.tpm }
func (s *Subsystem) EventLog() *eventlog.Cache { return s.events }
func (s *Subsystem) Policy() *policy.Engine { return s.policy }
func (s *Subsystem) KeyPolicy() policy.Policy { return s.keyPolicy }
func (s *Subsystem) Keys() *keystore.KeyStore { return s.keys }
func (s *Subsystem) Rollback() *rollback.Counter { return s.counter }
func (s *Subsystem) SecureBoot() *secureboot.Verifier { return s.verifier }
func (s *Subsystem) Attestation() *attestation.Service { return s.sessions }

// Init brings the subsystem to its operating state: the rollback counter
// is defined, the measurement log is ingested and protected keys are
// restored. A malformed log tail is logged and does not fail Init.
func (s *Subsystem) Init(ctx context.Context) error {
	if s.closed.Load() {
		return ErrAlreadyClosed
	}
	if err := s.counter.Init(ctx); err != nil {
		return err
	}
	if _, err := s.events.Update(ctx); err != nil {
		switch {
		case errors.Is(err, eventlog.ErrNoSource):
			s.logger.Debug("trust: no measurement log source configured")
		case errors.Is(err, eventlog.ErrMalformedLog):
			s.logger.Warn("trust: measurement log has a malformed tail", slog.String("error", err.Error()))
		default:
			return err
		}
	}
	restored, err := s.keys.Restore(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("trust: subsystem initialized",
		slog.Int("records", s.events.Len()),
		slog.Int("keys", restored))
	return nil
}

// CheckFirmwareVersion runs before an image is transferred and fails with
// rollback.ErrRollbackDetected for a downgrade.
func (s *Subsystem) CheckFirmwareVersion(ctx context.Context, candidate uint64) error {
	return s.counter.Verify(ctx, candidate)
}

// VerifyFirmwareImage runs after an image is transferred.
func (s *Subsystem) VerifyFirmwareImage(blob []byte, pub *rsa.PublicKey) (*secureboot.Header, error) {
	return s.verifier.Verify(blob, pub)
}

// AdmitFirmware runs both loader gates for an image declaring candidate as
// its version. Any error means the image must not be loaded. With
// MeasureFirmware set, an admitted image is extended into the firmware
// PCR and recorded in the measurement cache.
func (s *Subsystem) AdmitFirmware(ctx context.Context, candidate uint64, blob []byte, pub *rsa.PublicKey) (*secureboot.Header, error) {
	if s.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if err := s.CheckFirmwareVersion(ctx, candidate); err != nil {
		return nil, err
	}
	header, err := s.VerifyFirmwareImage(blob, pub)
	if err != nil {
		return nil, err
	}
	if s.measure {
		if err := s.measureImage(ctx, candidate, header); err != nil {
			return nil, err
		}
	}
	s.logger.Info("trust: firmware admitted",
		slog.Uint64("version", candidate),
		slog.Int("size", int(header.ImageSize)))
	return header, nil
}

// measureImage records the image in the cache before extending the PCR so
// a cache rejection leaves the PCR untouched. A failed extend withdraws
// the record again.
func (s *Subsystem) measureImage(ctx context.Context, version uint64, header *secureboot.Header) error {
	rec := eventlog.Record{
		PCRIndex:  s.firmwarePCR,
		EventType: eventlog.EventPostCode,
		Digest:    header.Hash,
		Data:      []byte(fmt.Sprintf("firmware image v%d", version)),
		Timestamp: s.clock(),
		Sequence:  measurementSequenceBase + s.measureSeq.Add(1),
	}
	if err := s.events.Insert(ctx, rec); err != nil {
		return err
	}
	if err := s.tpm.PCRExtend(ctx, uint(s.firmwarePCR), header.Hash[:]); err != nil {
		if rmErr := s.events.Remove(context.WithoutCancel(ctx), rec); rmErr != nil {
			s.logger.Error(rmErr)
		}
		return err
	}
	return nil
}

// CommitFirmware advances the rollback counter to version once an image
// has been installed, then write-locks the counter until the next restart
// so no later code in this boot can move it. It returns the resulting
// counter value.
func (s *Subsystem) CommitFirmware(ctx context.Context, version uint64) (uint64, error) {
	current, err := s.counter.Version(ctx)
	if err != nil {
		return 0, err
	}
	if version < current {
		return current, fmt.Errorf("%w: commit %d, installed %d", rollback.ErrRollbackDetected, version, current)
	}
	if version-current > MaxCommitSteps {
		return current, fmt.Errorf("%w: %d to %d", ErrVersionJump, current, version)
	}
	for current < version {
		if current, err = s.counter.Increment(ctx); err != nil {
			return current, err
		}
	}
	if err := s.counter.Lock(ctx); err != nil {
		return current, err
	}
	return current, nil
}

// SampleMetrics refreshes the component gauges. It never reaches the
// hardware root.
func (s *Subsystem) SampleMetrics() {
	s.events.Sample()
	s.sessions.Sample()
	metrics.SetKeysTotal(s.keys.Len())
}

// Close drops all sessions and in-memory keys and releases the hardware
// root. Protected key copies are kept.
func (s *Subsystem) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sessions.Shutdown()
	s.keys.Clear()
	s.events.Reset()
	s.policy.InvalidateCache()
	return s.tpm.Close()
}
