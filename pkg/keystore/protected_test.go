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

package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/policy"
	"github.com/jeremyhahn/go-fwtrust/pkg/storage/memory"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

func TestSealedStorage(t *testing.T) {
	ctx := context.Background()
	sealed, err := NewSealedStorage(memory.New(), testSecret)
	require.NoError(t, err)

	binding := Binding{Digest: digestOf("policy"), PCRs: []uint{0}}
	require.NoError(t, sealed.Store(ctx, 1, []byte("secret"), binding))

	data, err := sealed.Load(ctx, 1, binding)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), data)

	_, err = sealed.Load(ctx, 1, Binding{Digest: digestOf("other policy"), PCRs: []uint{0}})
	assert.ErrorIs(t, err, ErrPolicyMismatch)

	_, err = sealed.Load(ctx, 2, binding)
	assert.ErrorIs(t, err, ErrProtectedNotFound)

	// Another secret cannot open the copy.
	other, err := NewSealedStorage(sealed.backend, []byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	_, err = other.Load(ctx, 1, binding)
	assert.ErrorIs(t, err, ErrPolicyMismatch)

	require.NoError(t, sealed.Invalidate(ctx, 1))
	assert.ErrorIs(t, sealed.Invalidate(ctx, 1), ErrProtectedNotFound)

	_, err = NewSealedStorage(memory.New(), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidSealingSecret)
}

func TestNVStorage(t *testing.T) {
	ctx := context.Background()
	sim, err := tpm2.NewPolicySimulator()
	require.NoError(t, err)
	defer func() { _ = sim.Close() }()

	engine, err := policy.NewEngine(policy.Options{TPM: sim, Logger: logging.Discard()})
	require.NoError(t, err)
	p := policy.FromPCRs(7)
	digest, err := engine.CalculatePolicyDigest(ctx, p, false)
	require.NoError(t, err)
	binding := Binding{Digest: digest, PCRs: p.PCRs()}

	nv := NewNVStorage(sim, 0, 0)
	require.NoError(t, nv.Store(ctx, 3, []byte("nv key record"), binding))

	pub, err := sim.NVPublic(ctx, DefaultNVBaseIndex+3)
	require.NoError(t, err)
	assert.True(t, pub.PolicyRead)
	assert.Equal(t, digest, pub.AuthPolicy)

	data, err := nv.Load(ctx, 3, binding)
	require.NoError(t, err)
	assert.Equal(t, []byte("nv key record"), data)

	// Storing again replaces the index.
	require.NoError(t, nv.Store(ctx, 3, []byte("replacement"), binding))
	data, err = nv.Load(ctx, 3, binding)
	require.NoError(t, err)
	assert.Equal(t, []byte("replacement"), data)

	require.NoError(t, sim.PCRExtend(ctx, 7, digestOf("new db entry")))
	_, err = nv.Load(ctx, 3, binding)
	assert.ErrorIs(t, err, ErrPolicyMismatch)

	require.NoError(t, nv.Invalidate(ctx, 3))
	_, err = nv.Load(ctx, 3, binding)
	assert.ErrorIs(t, err, ErrProtectedNotFound)
	assert.ErrorIs(t, nv.Invalidate(ctx, 3), ErrProtectedNotFound)

	assert.ErrorIs(t, nv.Store(ctx, 4, make([]byte, DefaultNVMaxSize+1), binding), ErrProtectedTooLarge)
	assert.ErrorIs(t, nv.Store(ctx, 4, []byte("x"), Binding{}), ErrInvalidKey)
}

func TestKeyStoreWithNVStorage(t *testing.T) {
	ctx := context.Background()
	sim, err := tpm2.NewPolicySimulator()
	require.NoError(t, err)
	defer func() { _ = sim.Close() }()

	engine, err := policy.NewEngine(policy.Options{TPM: sim, Logger: logging.Discard()})
	require.NoError(t, err)
	store := newPlainStore(t, Options{
		Protected: NewNVStorage(sim, 0, 0),
		Digester:  engine,
		Policy:    policy.FromPCRs(0, 7),
	})

	require.NoError(t, store.Add(ctx, KeyRecord{ID: 1, Type: KeyTypeECDSA256, Flags: FlagHardwareStored, Data: []byte("ec key")}))
	loaded, err := store.LoadProtected(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("ec key"), loaded.Data)

	require.NoError(t, store.Revoke(ctx, 1))
	_, err = sim.NVPublic(ctx, DefaultNVBaseIndex+1)
	assert.ErrorIs(t, err, tpm2.ErrNVNotDefined)
}
