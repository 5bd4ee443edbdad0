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

package trust

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fwtrust/pkg/attestation"
	"github.com/jeremyhahn/go-fwtrust/pkg/eventlog"
	"github.com/jeremyhahn/go-fwtrust/pkg/keystore"
	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/rollback"
	"github.com/jeremyhahn/go-fwtrust/pkg/secureboot"
	"github.com/jeremyhahn/go-fwtrust/pkg/storage"
	"github.com/jeremyhahn/go-fwtrust/pkg/storage/memory"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

var (
	rsaOnce    sync.Once
	quoteKey   *rsa.PrivateKey
	signingKey *rsa.PrivateKey
)

var sealingSecret = []byte("fwtrust-test-sealing-secret-0001")

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	rsaOnce.Do(func() {
		var err error
		if quoteKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if signingKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return quoteKey, signingKey
}

func newSimulator(t *testing.T) *tpm2.PolicySimulator {
	t.Helper()
	ak, _ := testKeys(t)
	sim, err := tpm2.NewPolicySimulator(tpm2.WithAttestationKey(ak))
	require.NoError(t, err)
	return sim
}

func newSubsystem(t *testing.T, sim *tpm2.PolicySimulator, mutate func(*Options)) *Subsystem {
	t.Helper()
	opts := Options{
		TPM:    sim,
		Logger: logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func digest(data string) [32]byte {
	return sha256.Sum256([]byte(data))
}

func TestNewRequiresPlatform(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoPlatform)
}

func TestInitAndSelfTestOnCleanPlatform(t *testing.T) {
	ctx := context.Background()
	s := newSubsystem(t, newSimulator(t), nil)

	require.NoError(t, s.Init(ctx))
	version, err := s.Rollback().Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	// Idempotent.
	require.NoError(t, s.Init(ctx))

	report, err := s.SelfTest(ctx)
	require.NoError(t, err)
	assert.True(t, report.QuoteVerified)
	assert.Equal(t, uint64(1), report.ExportSeq)
	assert.Len(t, report.PCRs, 3)
	assert.Equal(t, 0, s.Attestation().Sessions())
}

func TestSelfTestFollowsMeasurementLog(t *testing.T) {
	ctx := context.Background()
	sim := newSimulator(t)

	manifest := digest("key manifest v3")
	log := eventlog.Encode([]eventlog.LogEvent{{
		PCRIndex:  8,
		EventType: eventlog.EventAction,
		Digests:   []eventlog.Digest{{Algorithm: eventlog.AlgSHA256, Value: manifest[:]}},
		Data:      []byte("key manifest v3"),
	}})
	require.NoError(t, sim.PCRExtend(ctx, 8, manifest[:]))

	s := newSubsystem(t, sim, func(o *Options) {
		o.LogSource = eventlog.StaticSource(log)
	})
	require.NoError(t, s.Init(ctx))
	assert.Equal(t, 1, s.EventLog().Len())

	_, err := s.SelfTest(ctx)
	require.NoError(t, err)

	// A measurement missing from the log breaks the replay.
	rogue := digest("unmeasured option rom")
	require.NoError(t, sim.PCRExtend(ctx, 8, rogue[:]))
	_, err = s.SelfTest(ctx)
	assert.ErrorIs(t, err, eventlog.ErrPCRMismatch)
}

func TestSelfTestRetriesFullSessionTable(t *testing.T) {
	ctx := context.Background()
	opts := attestation.DefaultOptions()
	opts.MaxSessions = 1
	s := newSubsystem(t, newSimulator(t), func(o *Options) { o.Attestation = &opts })
	require.NoError(t, s.Init(ctx))

	held, err := s.Attestation().Challenge(ctx, uuid.Nil)
	require.NoError(t, err)

	_, err = s.SelfTest(ctx)
	assert.ErrorIs(t, err, attestation.ErrSessionsExhausted)

	// A session released while the self-test waits lets it proceed.
	release := time.AfterFunc(10*time.Millisecond, func() {
		_ = s.Attestation().Close(held.SessionID)
	})
	defer release.Stop()

	report, err := s.SelfTest(ctx)
	require.NoError(t, err)
	assert.True(t, report.QuoteVerified)
}

func TestSelfTestDoesNotRetryPermanentFailure(t *testing.T) {
	ctx := context.Background()
	sim := newSimulator(t)
	s := newSubsystem(t, sim, nil)
	require.NoError(t, s.Init(ctx))

	sim.SetFault(tpm2.OpRandom, errors.New("entropy source offline"))
	start := time.Now()
	_, err := s.SelfTest(ctx)
	assert.ErrorIs(t, err, attestation.ErrEntropy)
	assert.Less(t, time.Since(start), selfTestRetryDelay)
}

func TestAdmitFirmware(t *testing.T) {
	ctx := context.Background()
	_, signer := testKeys(t)
	s := newSubsystem(t, newSimulator(t), func(o *Options) {
		o.MeasureFirmware = true
	})
	require.NoError(t, s.Init(ctx))
	_, err := s.CommitFirmware(ctx, 3)
	require.NoError(t, err)

	blob, err := secureboot.Build([]byte("firmware payload"), signer)
	require.NoError(t, err)

	_, err = s.AdmitFirmware(ctx, 2, blob, &signer.PublicKey)
	assert.ErrorIs(t, err, rollback.ErrRollbackDetected)

	header, err := s.AdmitFirmware(ctx, 3, blob, &signer.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, uint32(len("firmware payload")), header.ImageSize)

	// The admitted image is measured, and the cache still replays to the
	// live PCR.
	assert.Equal(t, 1, s.EventLog().Len())
	_, err = s.SelfTest(ctx)
	require.NoError(t, err)

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = s.AdmitFirmware(ctx, 4, tampered, &signer.PublicKey)
	assert.ErrorIs(t, err, secureboot.ErrHashMismatch)
	assert.Equal(t, 1, s.EventLog().Len())
}

func TestAdmitFirmwareCacheFullLeavesPCRUnchanged(t *testing.T) {
	ctx := context.Background()
	_, signer := testKeys(t)
	sim := newSimulator(t)
	s := newSubsystem(t, sim, func(o *Options) {
		o.MeasureFirmware = true
		o.EventLog.MaxRecords = 1
	})
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.EventLog().Insert(ctx, eventlog.Record{PCRIndex: 8, Digest: digest("key manifest")}))

	before, err := sim.PCRRead(ctx, []uint{0})
	require.NoError(t, err)

	blob, err := secureboot.Build([]byte("firmware payload"), signer)
	require.NoError(t, err)
	_, err = s.AdmitFirmware(ctx, 1, blob, &signer.PublicKey)
	assert.ErrorIs(t, err, eventlog.ErrCapacityExceeded)

	after, err := sim.PCRRead(ctx, []uint{0})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, s.EventLog().Len())
	assert.NoError(t, s.EventLog().ValidatePCR(ctx, 0, after[0]))
}

func TestAdmitFirmwareExtendFailureWithdrawsRecord(t *testing.T) {
	ctx := context.Background()
	_, signer := testKeys(t)
	sim := newSimulator(t)
	s := newSubsystem(t, sim, func(o *Options) {
		o.MeasureFirmware = true
	})
	require.NoError(t, s.Init(ctx))

	blob, err := secureboot.Build([]byte("firmware payload"), signer)
	require.NoError(t, err)

	sim.SetFault(tpm2.OpPCRExtend, errors.New("tpm busy"))
	_, err = s.AdmitFirmware(ctx, 1, blob, &signer.PublicKey)
	assert.ErrorIs(t, err, tpm2.ErrCommandFailed)
	assert.Equal(t, 0, s.EventLog().Len())

	sim.SetFault(tpm2.OpPCRExtend, nil)
	_, err = s.AdmitFirmware(ctx, 1, blob, &signer.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, 1, s.EventLog().Len())

	pcr, err := sim.PCRRead(ctx, []uint{0})
	require.NoError(t, err)
	assert.NoError(t, s.EventLog().ValidatePCR(ctx, 0, pcr[0]))
}

func TestCommitFirmware(t *testing.T) {
	ctx := context.Background()
	s := newSubsystem(t, newSimulator(t), nil)
	require.NoError(t, s.Init(ctx))

	version, err := s.CommitFirmware(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), version)

	version, err = s.CommitFirmware(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), version)

	_, err = s.CommitFirmware(ctx, 2)
	assert.ErrorIs(t, err, rollback.ErrRollbackDetected)

	_, err = s.CommitFirmware(ctx, 4+MaxCommitSteps+1)
	assert.ErrorIs(t, err, ErrVersionJump)

	// The commit locked the counter for the rest of this boot.
	locked, err := s.Rollback().Locked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)
	_, err = s.Rollback().Increment(ctx)
	assert.ErrorIs(t, err, rollback.ErrLocked)
	_, err = s.CommitFirmware(ctx, 5)
	assert.ErrorIs(t, err, rollback.ErrLocked)

	assert.NoError(t, s.CheckFirmwareVersion(ctx, 4))
	assert.ErrorIs(t, s.CheckFirmwareVersion(ctx, 3), rollback.ErrRollbackDetected)
}

func TestKeysRestoredAcrossInstances(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	newSealed := func(backend storage.Backend) keystore.ProtectedStorage {
		sealed, err := keystore.NewSealedStorage(backend, sealingSecret)
		require.NoError(t, err)
		return sealed
	}

	first := newSubsystem(t, newSimulator(t), func(o *Options) { o.Protected = newSealed(backend) })
	require.NoError(t, first.Init(ctx))
	require.NoError(t, first.Keys().Add(ctx, keystore.KeyRecord{
		ID:    42,
		Type:  keystore.KeyTypeECDSA256,
		Flags: keystore.FlagHardwareStored | keystore.FlagPrimary,
		Data:  []byte("device identity key"),
	}))
	require.NoError(t, first.Close())

	second := newSubsystem(t, newSimulator(t), func(o *Options) { o.Protected = newSealed(backend) })
	require.NoError(t, second.Init(ctx))
	rec, err := second.Keys().Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []byte("device identity key"), rec.Data)
	assert.True(t, rec.Flags.Has(keystore.FlagPrimary))
}

func TestSampleMetrics(t *testing.T) {
	ctx := context.Background()
	metrics.Enable()
	s := newSubsystem(t, newSimulator(t), nil)
	require.NoError(t, s.Keys().Add(ctx, keystore.KeyRecord{ID: 1, Type: keystore.KeyTypeRSA2048, Data: []byte("k1")}))
	require.NoError(t, s.Keys().Add(ctx, keystore.KeyRecord{ID: 2, Type: keystore.KeyTypeRSA2048, Data: []byte("k2")}))

	s.SampleMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.KeysTotal))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s := newSubsystem(t, newSimulator(t), nil)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	assert.ErrorIs(t, s.Init(ctx), ErrAlreadyClosed)
	_, err := s.SelfTest(ctx)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	_, err = s.AdmitFirmware(ctx, 1, nil, nil)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}
