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

// Package disk provides a storage.Backend persisted to a directory through
// diskv. Keys are hex encoded into flat file names so that hierarchical
// keys such as "sealed/0000002a" map onto a single directory.
package disk

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/peterbourgon/diskv"

	"github.com/jeremyhahn/go-fwtrust/pkg/storage"
)

// DefaultCacheSize is the diskv read cache size in bytes.
const DefaultCacheSize = 1024 * 1024

// Storage is a diskv backed storage.Backend.
type Storage struct {
	db     *diskv.Diskv
	mu     sync.RWMutex
	closed bool
}

// New opens (creating if needed) a disk backend rooted at basePath.
func New(basePath string) (storage.Backend, error) {
	if basePath == "" {
		return nil, storage.ErrInvalidKey
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, err
	}
	return &Storage{
		db: diskv.New(diskv.Options{
			BasePath:     basePath,
			CacheSizeMax: DefaultCacheSize,
			FilePerm:     0600,
			PathPerm:     0700,
		}),
	}, nil
}

func encodeKey(key string) string {
	return hex.EncodeToString([]byte(key))
}

func decodeKey(name string) (string, bool) {
	b, err := hex.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Get reads the value stored under key.
func (s *Storage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	value, err := s.db.Read(encodeKey(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// Put writes value under key. Options are ignored; files are always
// created owner read/write.
func (s *Storage) Put(key string, value []byte, _ *storage.Options) error {
	if key == "" {
		return storage.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	return s.db.Write(encodeKey(key), value)
}

// Delete erases key.
func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	name := encodeKey(key)
	if !s.db.Has(name) {
		return storage.ErrNotFound
	}
	return s.db.Erase(name)
}

// List returns the sorted keys that start with prefix.
func (s *Storage) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	cancel := make(chan struct{})
	defer close(cancel)

	var keys []string
	for name := range s.db.Keys(cancel) {
		key, ok := decodeKey(name)
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key is present.
func (s *Storage) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, storage.ErrClosed
	}
	return s.db.Has(encodeKey(key)), nil
}

// Close marks the backend closed. Files on disk are left in place.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
