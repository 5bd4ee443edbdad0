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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/jeremyhahn/go-fwtrust/pkg/storage"
)

const (
	sealedVersion  = 1
	sealedSaltSize = 32
	sealedKeySize  = 32
)

type sealedBlob struct {
	Version    uint8  `cbor:"1,keyasint"`
	Salt       []byte `cbor:"2,keyasint"`
	Nonce      []byte `cbor:"3,keyasint"`
	Ciphertext []byte `cbor:"4,keyasint"`
}

// SealedStorage keeps protected copies in a storage backend, encrypted
// with AES-256-GCM under a key derived with HKDF-SHA256 from the sealing
// secret and the binding's policy digest. A copy only opens under the
// digest it was sealed with.
type SealedStorage struct {
	backend storage.Backend
	secret  []byte
	rand    io.Reader
}

// NewSealedStorage creates sealed storage over backend.
func NewSealedStorage(backend storage.Backend, secret []byte) (*SealedStorage, error) {
	if len(secret) < sealedKeySize {
		return nil, ErrInvalidSealingSecret
	}
	return &SealedStorage{
		backend: backend,
		secret:  append([]byte(nil), secret...),
		rand:    rand.Reader,
	}, nil
}

func (s *SealedStorage) aead(id uint32, salt []byte, b Binding) (cipher.AEAD, error) {
	ikm := make([]byte, 0, len(s.secret)+len(b.Digest))
	ikm = append(ikm, s.secret...)
	ikm = append(ikm, b.Digest...)
	info := fmt.Sprintf("fwtrust sealed key %08x", id)

	key := make([]byte, sealedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func sealedAAD(id uint32) []byte {
	aad := make([]byte, 4)
	binary.BigEndian.PutUint32(aad, id)
	return aad
}

// Store seals data for id.
func (s *SealedStorage) Store(ctx context.Context, id uint32, data []byte, b Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	salt := make([]byte, sealedSaltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return err
	}
	aead, err := s.aead(id, salt, b)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return err
	}
	blob, err := cbor.Marshal(sealedBlob{
		Version:    sealedVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, data, sealedAAD(id)),
	})
	if err != nil {
		return err
	}
	return s.backend.Put(storage.SealedKeyPath(id), blob, storage.DefaultOptions())
}

// Load unseals the copy stored for id.
func (s *SealedStorage) Load(ctx context.Context, id uint32, b Binding) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.backend.Get(storage.SealedKeyPath(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrProtectedNotFound, id)
		}
		return nil, err
	}
	var blob sealedBlob
	if err := cbor.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if blob.Version != sealedVersion || len(blob.Salt) != sealedSaltSize {
		return nil, fmt.Errorf("%w: unsupported sealed blob", ErrStorage)
	}
	aead, err := s.aead(id, blob.Salt, b)
	if err != nil {
		return nil, err
	}
	if len(blob.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce", ErrStorage)
	}
	data, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, sealedAAD(id))
	if err != nil {
		return nil, fmt.Errorf("%w: id %d", ErrPolicyMismatch, id)
	}
	return data, nil
}

// Invalidate deletes the sealed copy for id.
func (s *SealedStorage) Invalidate(ctx context.Context, id uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.backend.Delete(storage.SealedKeyPath(id)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: id %d", ErrProtectedNotFound, id)
		}
		return err
	}
	return nil
}

// IDs lists the identifiers with a sealed copy.
func (s *SealedStorage) IDs(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return storage.ListSealedKeys(s.backend)
}
