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

package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fwtrust/pkg/storage"
)

func TestDiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(storage.SealedKeyPath(42), []byte("sealed-blob"), nil))
	got, err := store.Get(storage.SealedKeyPath(42))
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-blob"), got)

	exists, err := store.Exists(storage.SealedKeyPath(42))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Close())

	// Reopen and confirm persistence.
	reopened, err := New(dir)
	require.NoError(t, err)
	ids, err := storage.ListSealedKeys(reopened)
	require.NoError(t, err)
	assert.Equal(t, []uint32{42}, ids)

	require.NoError(t, reopened.Delete(storage.SealedKeyPath(42)))
	_, err = reopened.Get(storage.SealedKeyPath(42))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, reopened.Delete(storage.SealedKeyPath(42)), storage.ErrNotFound)
}

func TestDiskClosed(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Put("k", []byte("v"), nil), storage.ErrClosed)
	_, err = store.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestDiskInvalidPath(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}
