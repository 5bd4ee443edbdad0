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

package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fwtrust/pkg/storage"
)

func TestPutGet(t *testing.T) {
	store := New()
	defer func() { _ = store.Close() }()

	value := []byte{0x00, 0x01, 0xff}
	require.NoError(t, store.Put(storage.SealedKeyPath(7), value, nil))

	got, err := store.Get(storage.SealedKeyPath(7))
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// Mutating either copy must not affect the stored value.
	value[0] = 0xAA
	got[1] = 0xBB
	again, err := store.Get(storage.SealedKeyPath(7))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, again)
}

func TestGetMissing(t *testing.T) {
	store := New()
	_, err := store.Get("sealed/00000001")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.Delete("sealed/00000001"), storage.ErrNotFound)
	assert.ErrorIs(t, store.Put("", []byte("x"), nil), storage.ErrInvalidKey)
}

func TestListSealedKeys(t *testing.T) {
	store := New()
	for _, id := range []uint32{3, 1, 0xdeadbeef} {
		require.NoError(t, store.Put(storage.SealedKeyPath(id), []byte("blob"), nil))
	}
	require.NoError(t, store.Put("other/thing", []byte("x"), nil))

	ids, err := storage.ListSealedKeys(store)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 0xdeadbeef}, ids)

	exists, err := store.Exists("other/thing")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestClose(t *testing.T) {
	store := New()
	require.NoError(t, store.Put("k", []byte("v"), nil))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = store.List("")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = store.Exists("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	store := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("sealed/%08x", i)
			assert.NoError(t, store.Put(key, []byte{byte(i)}, nil))
			_, err := store.Get(key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	keys, err := store.List("sealed/")
	require.NoError(t, err)
	assert.Len(t, keys, 16)
}
