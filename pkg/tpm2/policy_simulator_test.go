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

package tpm2

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

var (
	testAKOnce sync.Once
	testAK     *rsa.PrivateKey
)

// newTestSimulator returns a PolicySimulator sharing one attestation key
// across tests to avoid repeated RSA key generation.
func newTestSimulator(t *testing.T) *PolicySimulator {
	t.Helper()
	testAKOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testAK = key
	})
	sim, err := NewPolicySimulator(WithAttestationKey(testAK))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sim.Close() })
	return sim
}

func digestOf(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func TestSimulatorPCRExtend(t *testing.T) {
	ctx := context.Background()
	sim := newTestSimulator(t)

	require.NoError(t, sim.PCRExtend(ctx, 0, digestOf("bootloader")))
	require.NoError(t, sim.PCRExtend(ctx, 0, digestOf("kernel")))

	expected := ExtendDigest(ExtendDigest(make([]byte, 32), digestOf("bootloader")), digestOf("kernel"))
	values, err := sim.PCRRead(ctx, []uint{0, 1})
	require.NoError(t, err)
	assert.Equal(t, expected, values[0])
	assert.Equal(t, make([]byte, 32), values[1])

	assert.ErrorIs(t, sim.PCRExtend(ctx, 24, digestOf("x")), ErrInvalidPCR)
	assert.ErrorIs(t, sim.PCRExtend(ctx, 0, []byte{1, 2}), ErrInvalidDigest)
	_, err = sim.PCRRead(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidPCR)
}

func TestSimulatorTrialPolicyDigest(t *testing.T) {
	ctx := context.Background()
	sim := newTestSimulator(t)
	require.NoError(t, sim.PCRExtend(ctx, 7, digestOf("secureboot")))

	session, err := sim.StartTrialSession(ctx)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	// Order of the selection must not change the digest.
	require.NoError(t, session.PolicyPCR(ctx, []uint{7, 0}))
	digest, err := session.Digest(ctx)
	require.NoError(t, err)

	values, err := sim.PCRRead(ctx, []uint{0, 7})
	require.NoError(t, err)
	expected := ExtendPolicyPCR(make([]byte, 32), []uint{0, 7}, PCRDigest(values))
	assert.Equal(t, expected, digest)
	assert.Len(t, digest, 32)

	require.NoError(t, session.Close())
	_, err = session.Digest(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSimulatorCounter(t *testing.T) {
	ctx := context.Background()
	sim := newTestSimulator(t)
	const index = 0x01500100

	require.NoError(t, sim.NVDefine(ctx, NVSpace{Index: index, Counter: true}))
	assert.ErrorIs(t, sim.NVDefine(ctx, NVSpace{Index: index, Counter: true}), ErrNVAlreadyDefined)

	_, err := sim.NVRead(ctx, index)
	assert.ErrorIs(t, err, ErrNVUninitialized)

	pub, err := sim.NVPublic(ctx, index)
	require.NoError(t, err)
	assert.True(t, pub.Counter)
	assert.False(t, pub.Written)
	assert.EqualValues(t, CounterSize, pub.Size)

	require.NoError(t, sim.NVIncrement(ctx, index))
	require.NoError(t, sim.NVIncrement(ctx, index))
	data, err := sim.NVRead(ctx, index)
	require.NoError(t, err)
	assert.EqualValues(t, 2, binary.BigEndian.Uint64(data))

	// A redefined counter never restarts below the highest value seen.
	require.NoError(t, sim.NVUndefine(ctx, index))
	require.NoError(t, sim.NVDefine(ctx, NVSpace{Index: index, Counter: true}))
	require.NoError(t, sim.NVIncrement(ctx, index))
	data, err = sim.NVRead(ctx, index)
	require.NoError(t, err)
	assert.EqualValues(t, 3, binary.BigEndian.Uint64(data))

	assert.ErrorIs(t, sim.NVWrite(ctx, index, []byte{1}), ErrNVNotCounter)
}

func TestSimulatorNVWriteLock(t *testing.T) {
	ctx := context.Background()
	sim := newTestSimulator(t)
	const counter, plain = 0x01500110, 0x01500111

	require.NoError(t, sim.NVDefine(ctx, NVSpace{Index: counter, Counter: true, WriteLockable: true}))
	require.NoError(t, sim.NVDefine(ctx, NVSpace{Index: plain, Size: 4}))
	require.NoError(t, sim.NVIncrement(ctx, counter))

	assert.ErrorIs(t, sim.NVWriteLock(ctx, plain), ErrNVNotLockable)
	assert.ErrorIs(t, sim.NVWriteLock(ctx, 0x01500112), ErrNVNotDefined)

	require.NoError(t, sim.NVWriteLock(ctx, counter))
	pub, err := sim.NVPublic(ctx, counter)
	require.NoError(t, err)
	assert.True(t, pub.WriteLocked)
	assert.True(t, pub.WriteLockable)

	err = sim.NVIncrement(ctx, counter)
	assert.ErrorIs(t, err, ErrNVLocked)
	assert.Equal(t, status.HardwareFailure, status.CodeOf(err))
	_, err = sim.NVRead(ctx, counter)
	assert.NoError(t, err)

	require.NoError(t, sim.PCRExtend(ctx, 0, digestOf("boot")))
	sim.Restart()
	pcrs, err := sim.PCRRead(ctx, []uint{0})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, DigestSize), pcrs[0])

	require.NoError(t, sim.NVIncrement(ctx, counter))
	data, err := sim.NVRead(ctx, counter)
	require.NoError(t, err)
	assert.EqualValues(t, 2, binary.BigEndian.Uint64(data))
}

func TestSimulatorNVPolicyRead(t *testing.T) {
	ctx := context.Background()
	sim := newTestSimulator(t)
	const index = 0x01500200
	pcrs := []uint{0, 1}

	session, err := sim.StartTrialSession(ctx)
	require.NoError(t, err)
	require.NoError(t, session.PolicyPCR(ctx, pcrs))
	policy, err := session.Digest(ctx)
	require.NoError(t, err)
	require.NoError(t, session.Close())

	require.NoError(t, sim.NVDefine(ctx, NVSpace{
		Index:      index,
		Size:       16,
		AuthPolicy: policy,
		PolicyRead: true,
	}))
	require.NoError(t, sim.NVWrite(ctx, index, []byte("0123456789abcdef")))

	data, err := sim.NVReadPolicy(ctx, index, pcrs)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), data)

	_, err = sim.NVRead(ctx, index)
	assert.ErrorIs(t, err, ErrCommandFailed)

	require.NoError(t, sim.PCRExtend(ctx, 1, digestOf("config change")))
	_, err = sim.NVReadPolicy(ctx, index, pcrs)
	assert.ErrorIs(t, err, ErrPolicyCheckFailed)
	assert.Equal(t, status.VerificationFailure, status.CodeOf(err))

	assert.ErrorIs(t, sim.NVWrite(ctx, index, make([]byte, 17)), ErrInvalidNVSize)
	_, err = sim.NVPublic(ctx, 0x01500201)
	assert.ErrorIs(t, err, ErrNVNotDefined)
}

func TestSimulatorQuote(t *testing.T) {
	ctx := context.Background()
	sim := newTestSimulator(t)
	require.NoError(t, sim.PCRExtend(ctx, 8, digestOf("key manifest")))

	nonce := digestOf("nonce")
	quote, err := sim.Quote(ctx, []uint{8, 0}, nonce)
	require.NoError(t, err)
	require.Len(t, quote.PCRValues, 2)

	info, err := sim.VerifyQuote(quote)
	require.NoError(t, err)
	assert.Equal(t, nonce, info.Nonce)
	assert.Equal(t, []uint{0, 8}, info.PCRs)
	assert.Equal(t, PCRDigest(quote.PCRValues), info.PCRDigest)

	tampered := *quote
	tampered.Attest = append([]byte(nil), quote.Attest...)
	tampered.Attest[len(tampered.Attest)-1] ^= 0xff
	_, err = sim.VerifyQuote(&tampered)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = sim.VerifyQuote(&Quote{})
	assert.ErrorIs(t, err, ErrInvalidAttestation)
}

func TestSimulatorSignature(t *testing.T) {
	sim := newTestSimulator(t)
	data := []byte("quote data")
	sig, err := sim.Sign(data)
	require.NoError(t, err)
	assert.NoError(t, sim.VerifySignature(data, sig))
	assert.ErrorIs(t, sim.VerifySignature([]byte("other"), sig), ErrSignatureInvalid)
}

func TestSimulatorFaults(t *testing.T) {
	ctx := context.Background()
	sim := newTestSimulator(t)

	sim.SetFault(OpRandom, errors.New("rng failure"))
	_, err := sim.Random(ctx, 32)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, status.HardwareFailure, status.CodeOf(err))

	sim.SetFault(OpRandom, nil)
	random, err := sim.Random(ctx, 48)
	require.NoError(t, err)
	assert.Len(t, random, 48)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sim.Hash(canceled, []byte("x"))
	assert.ErrorIs(t, err, ErrCommandTimeout)

	digest, err := sim.Hash(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, digestOf("x"), digest)

	_, err = sim.Hash(ctx, make([]byte, NVBufferMax+1))
	assert.ErrorIs(t, err, ErrHashInputTooLarge)

	require.NoError(t, sim.Close())
	_, err = sim.PCRRead(ctx, []uint{0})
	assert.ErrorIs(t, err, ErrDeviceClosed)
}

func TestSortPCRs(t *testing.T) {
	assert.Equal(t, []uint{0, 1, 7}, SortPCRs([]uint{7, 1, 0, 7}))
	assert.Empty(t, SortPCRs(nil))
}
