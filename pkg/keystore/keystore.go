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

// Package keystore keeps firmware key records and their TPM-protected
// copies.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/policy"
)

// DuplicatePolicy decides what Add does with an identifier already held.
type DuplicatePolicy int

const (
	// DuplicateReject fails with ErrDuplicateKey.
	DuplicateReject DuplicatePolicy = iota
	// DuplicateReplace replaces the held record, invalidating its
	// protected copy.
	DuplicateReplace
)

// ParseDuplicatePolicy parses "reject" or "replace".
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "reject":
		return DuplicateReject, nil
	case "replace":
		return DuplicateReplace, nil
	default:
		return 0, fmt.Errorf("%w: duplicate policy %q", ErrInvalidKey, s)
	}
}

// PolicyDigester computes the policy digest hardware-stored keys are
// bound to.
type PolicyDigester interface {
	CalculatePolicyDigest(ctx context.Context, p policy.Policy, useCache bool) ([]byte, error)
}

// Options configures a KeyStore.
type Options struct {
	// Protected holds hardware-stored keys. Required to add them.
	Protected ProtectedStorage
	// Digester and Policy produce the binding of hardware-stored keys.
	Digester   PolicyDigester
	Policy     policy.Policy
	Duplicates DuplicatePolicy
	Clock      func() time.Time
	Logger     *logging.Logger
}

// KeyStore is the key registry. Every operation holds the registry mutex
// for its whole duration, protected storage calls included.
type KeyStore struct {
	mu         sync.Mutex
	logger     *logging.Logger
	protected  ProtectedStorage
	digester   PolicyDigester
	policy     policy.Policy
	duplicates DuplicatePolicy
	clock      func() time.Time
	keys       map[uint32]*KeyRecord
	encMode    cbor.EncMode
}

// New creates an empty key store.
func New(opts Options) (*KeyStore, error) {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	encMode, err := cbor.EncOptions{
		Sort: cbor.SortCoreDeterministic,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		return nil, err
	}
	return &KeyStore{
		logger:     opts.Logger,
		protected:  opts.Protected,
		digester:   opts.Digester,
		policy:     opts.Policy,
		duplicates: opts.Duplicates,
		clock:      opts.Clock,
		keys:       make(map[uint32]*KeyRecord),
		encMode:    encMode,
	}, nil
}

// binding computes the current platform binding. The digest is always
// recomputed so keys are never bound to a stale platform state.
func (ks *KeyStore) binding(ctx context.Context) (Binding, error) {
	if ks.digester == nil {
		return Binding{}, ErrNoProtectedStorage
	}
	digest, err := ks.digester.CalculatePolicyDigest(ctx, ks.policy, false)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Digest: digest, PCRs: ks.policy.PCRs()}, nil
}

// Add stores a new key record. The fingerprint is computed from Data. A
// zero Created is set from the store clock, and Created and Expires are
// stored in UTC, so Get returns them in UTC whatever location they were
// added with. A hardware-stored record is first persisted to protected
// storage bound to the current policy digest; if that fails the record is
// not added.
func (ks *KeyStore) Add(ctx context.Context, rec KeyRecord) (err error) {
	defer metrics.Track(metrics.ComponentKeyStore, metrics.OpAdd)(&err)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.addLocked(ctx, rec)
}

func (ks *KeyStore) addLocked(ctx context.Context, rec KeyRecord) error {
	if len(rec.Data) == 0 {
		return fmt.Errorf("%w: empty key material", ErrInvalidKey)
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: key type %s", ErrInvalidKey, rec.Type)
	}
	existing, exists := ks.keys[rec.ID]
	if exists && ks.duplicates == DuplicateReject {
		return fmt.Errorf("%w: id %d", ErrDuplicateKey, rec.ID)
	}

	rec = rec.Clone()
	rec.Fingerprint = Fingerprint(rec.Data)
	if rec.Created.IsZero() {
		rec.Created = ks.clock()
	}
	rec.Created = rec.Created.UTC()
	if !rec.Expires.IsZero() {
		rec.Expires = rec.Expires.UTC()
	}

	if rec.Flags.Has(FlagHardwareStored) {
		if err := ks.storeProtected(ctx, &rec); err != nil {
			return err
		}
	} else if exists && existing.Flags.Has(FlagHardwareStored) {
		if err := ks.invalidate(ctx, existing.ID); err != nil {
			return err
		}
	}

	ks.keys[rec.ID] = &rec
	metrics.SetKeysTotal(len(ks.keys))
	ks.logger.Debug("keystore: key added",
		slog.Uint64("id", uint64(rec.ID)),
		slog.String("type", rec.Type.String()),
		slog.String("flags", rec.Flags.String()))
	return nil
}

func (ks *KeyStore) storeProtected(ctx context.Context, rec *KeyRecord) error {
	if ks.protected == nil {
		return ErrNoProtectedStorage
	}
	binding, err := ks.binding(ctx)
	if err != nil {
		ks.logger.Error(err)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	blob, err := ks.encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := ks.protected.Store(ctx, rec.ID, blob, binding); err != nil {
		ks.logger.Error(err)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// invalidate denies hardware access to the protected copy of id. A copy
// that is already gone is not an error.
func (ks *KeyStore) invalidate(ctx context.Context, id uint32) error {
	if ks.protected == nil {
		return ErrNoProtectedStorage
	}
	err := ks.protected.Invalidate(ctx, id)
	if err == nil || errors.Is(err, ErrProtectedNotFound) {
		return nil
	}
	ks.logger.Error(err)
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// Remove deletes a key record and, for hardware-stored keys, its
// protected copy.
func (ks *KeyStore) Remove(ctx context.Context, id uint32) (err error) {
	defer metrics.Track(metrics.ComponentKeyStore, metrics.OpRemove)(&err)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.removeLocked(ctx, id)
}

func (ks *KeyStore) removeLocked(ctx context.Context, id uint32) error {
	rec, ok := ks.keys[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	if rec.Flags.Has(FlagHardwareStored) {
		if err := ks.invalidate(ctx, id); err != nil {
			return err
		}
	}
	delete(ks.keys, id)
	metrics.SetKeysTotal(len(ks.keys))
	return nil
}

// Revoke marks a key revoked. The protected copy of a hardware-stored key
// is invalidated first, so a revoked key can no longer be read from the
// hardware. Revoking a revoked key is a no-op.
func (ks *KeyStore) Revoke(ctx context.Context, id uint32) (err error) {
	defer metrics.Track(metrics.ComponentKeyStore, metrics.OpRevoke)(&err)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.revokeLocked(ctx, id)
}

func (ks *KeyStore) revokeLocked(ctx context.Context, id uint32) error {
	rec, ok := ks.keys[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	if rec.Flags.Has(FlagRevoked) {
		return nil
	}
	if rec.Flags.Has(FlagHardwareStored) {
		if err := ks.invalidate(ctx, id); err != nil {
			return err
		}
	}
	rec.Flags |= FlagRevoked
	ks.logger.Info("keystore: key revoked", slog.Uint64("id", uint64(id)))
	return nil
}

// Get returns a copy of a key record.
func (ks *KeyStore) Get(ctx context.Context, id uint32) (KeyRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, ok := ks.keys[id]
	if !ok {
		return KeyRecord{}, fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	ks.markExpired(rec)
	return rec.Clone(), nil
}

// List returns copies of every key record ordered by identifier.
func (ks *KeyStore) List(ctx context.Context) ([]KeyRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	out := make([]KeyRecord, 0, len(ks.keys))
	for _, rec := range ks.keys {
		ks.markExpired(rec)
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ks *KeyStore) markExpired(rec *KeyRecord) {
	if !rec.Expires.IsZero() && !ks.clock().Before(rec.Expires) {
		rec.Flags |= FlagExpired
	}
}

// Rotate adds next and then revokes oldID. If revoking fails, next is
// removed again and the store is left as it was before the call.
func (ks *KeyStore) Rotate(ctx context.Context, oldID uint32, next KeyRecord) (err error) {
	defer metrics.Track(metrics.ComponentKeyStore, metrics.OpRotate)(&err)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.keys[oldID]; !ok {
		return fmt.Errorf("%w: id %d", ErrKeyNotFound, oldID)
	}
	if _, ok := ks.keys[next.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateKey, next.ID)
	}
	if err := ks.addLocked(ctx, next); err != nil {
		return err
	}
	if err := ks.revokeLocked(ctx, oldID); err != nil {
		if rbErr := ks.removeLocked(ctx, next.ID); rbErr != nil {
			ks.logger.Errorf("keystore: rotation rollback of key %d failed: %v", next.ID, rbErr)
			return errors.Join(err, rbErr)
		}
		return err
	}
	ks.logger.Info("keystore: key rotated",
		slog.Uint64("old", uint64(oldID)),
		slog.Uint64("new", uint64(next.ID)))
	return nil
}

// LoadProtected reads the authoritative copy of a hardware-stored key
// from protected storage under the current platform state.
func (ks *KeyStore) LoadProtected(ctx context.Context, id uint32) (KeyRecord, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, ok := ks.keys[id]
	if !ok {
		return KeyRecord{}, fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	if !rec.Flags.Has(FlagHardwareStored) {
		return KeyRecord{}, fmt.Errorf("%w: id %d", ErrNotHardwareStored, id)
	}
	if rec.Flags.Has(FlagRevoked) {
		return KeyRecord{}, fmt.Errorf("%w: id %d", ErrKeyRevoked, id)
	}
	return ks.loadProtected(ctx, id)
}

func (ks *KeyStore) loadProtected(ctx context.Context, id uint32) (KeyRecord, error) {
	if ks.protected == nil {
		return KeyRecord{}, ErrNoProtectedStorage
	}
	binding, err := ks.binding(ctx)
	if err != nil {
		return KeyRecord{}, err
	}
	blob, err := ks.protected.Load(ctx, id, binding)
	if err != nil {
		return KeyRecord{}, err
	}
	var stored KeyRecord
	if err := cbor.Unmarshal(blob, &stored); err != nil {
		return KeyRecord{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if stored.ID != id || stored.Fingerprint != Fingerprint(stored.Data) {
		return KeyRecord{}, fmt.Errorf("%w: id %d", ErrFingerprintMismatch, id)
	}
	return stored, nil
}

// Restore loads every protected copy not yet held in memory. Copies that
// cannot be opened under the current platform state are skipped. It
// returns the number of records restored.
func (ks *KeyStore) Restore(ctx context.Context) (int, error) {
	lister, ok := ks.protected.(Lister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	restored := 0
	for _, id := range ids {
		if _, held := ks.keys[id]; held {
			continue
		}
		rec, err := ks.loadProtected(ctx, id)
		if err != nil {
			ks.logger.Warn("keystore: skipping protected copy",
				slog.Uint64("id", uint64(id)),
				slog.String("error", err.Error()))
			continue
		}
		ks.keys[id] = &rec
		restored++
	}
	metrics.SetKeysTotal(len(ks.keys))
	return restored, nil
}

// Len returns the number of key records.
func (ks *KeyStore) Len() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.keys)
}

// Clear drops every in-memory record. Protected copies are left intact.
func (ks *KeyStore) Clear() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for id, rec := range ks.keys {
		for i := range rec.Data {
			rec.Data[i] = 0
		}
		delete(ks.keys, id)
	}
	metrics.SetKeysTotal(0)
}
