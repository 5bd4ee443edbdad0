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
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

const (
	// DefaultNVBaseIndex is the first owner NV index used for key records.
	DefaultNVBaseIndex uint32 = 0x01510000

	// DefaultNVMaxSize bounds a single protected record.
	DefaultNVMaxSize = 2048

	maxOwnerNVIndex uint32 = 0x01ffffff
)

// NVStorage keeps each protected copy in its own TPM NV index whose read
// authorization is the binding's PCR policy. Reads fail in hardware once
// the platform state diverges from the one the key was stored under.
type NVStorage struct {
	tpm       tpm2.TrustedPlatformModule
	baseIndex uint32
	maxSize   int
}

// NewNVStorage creates NV storage starting at baseIndex. Zero values use
// the defaults.
func NewNVStorage(tpm tpm2.TrustedPlatformModule, baseIndex uint32, maxSize int) *NVStorage {
	if baseIndex == 0 {
		baseIndex = DefaultNVBaseIndex
	}
	if maxSize <= 0 {
		maxSize = DefaultNVMaxSize
	}
	return &NVStorage{tpm: tpm, baseIndex: baseIndex, maxSize: maxSize}
}

// Index returns the NV index holding id.
func (s *NVStorage) Index(id uint32) uint32 {
	return s.baseIndex + id
}

// Store defines a policy-read NV index for id and writes data to it. A
// stale index left for the same id is replaced.
func (s *NVStorage) Store(ctx context.Context, id uint32, data []byte, b Binding) error {
	if len(data) == 0 || len(data) > s.maxSize {
		return fmt.Errorf("%w: %d bytes", ErrProtectedTooLarge, len(data))
	}
	if index := s.Index(id); index < s.baseIndex || index > maxOwnerNVIndex {
		return fmt.Errorf("%w: id %d outside the owner NV range", ErrInvalidKey, id)
	}
	if len(b.Digest) != tpm2.DigestSize || len(b.PCRs) == 0 {
		return fmt.Errorf("%w: binding requires a policy digest and PCRs", ErrInvalidKey)
	}
	space := tpm2.NVSpace{
		Index:      s.Index(id),
		Size:       uint16(len(data)),
		AuthPolicy: b.Digest,
		PolicyRead: true,
	}
	err := s.tpm.NVDefine(ctx, space)
	if errors.Is(err, tpm2.ErrNVAlreadyDefined) {
		if err := s.tpm.NVUndefine(ctx, space.Index); err != nil {
			return err
		}
		err = s.tpm.NVDefine(ctx, space)
	}
	if err != nil {
		return err
	}
	if err := s.tpm.NVWrite(ctx, space.Index, data); err != nil {
		_ = s.tpm.NVUndefine(ctx, space.Index)
		return err
	}
	return nil
}

// Load reads the index for id with a PCR policy session over b.PCRs.
func (s *NVStorage) Load(ctx context.Context, id uint32, b Binding) ([]byte, error) {
	data, err := s.tpm.NVReadPolicy(ctx, s.Index(id), b.PCRs)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, tpm2.ErrPolicyCheckFailed):
		return nil, fmt.Errorf("%w: %w", ErrPolicyMismatch, err)
	case errors.Is(err, tpm2.ErrNVNotDefined), errors.Is(err, tpm2.ErrNVUninitialized):
		return nil, fmt.Errorf("%w: %w", ErrProtectedNotFound, err)
	default:
		return nil, err
	}
}

// Invalidate undefines the index for id.
func (s *NVStorage) Invalidate(ctx context.Context, id uint32) error {
	err := s.tpm.NVUndefine(ctx, s.Index(id))
	if errors.Is(err, tpm2.ErrNVNotDefined) {
		return fmt.Errorf("%w: %w", ErrProtectedNotFound, err)
	}
	return err
}
