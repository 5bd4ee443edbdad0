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

// Package rollback guards against firmware downgrades with a TPM NV
// monotonic counter. The counter is defined with TPMA_NV_WRITE_STCLEAR so
// that, once the boot-time commit is done, Lock closes it to every further
// increment until the platform restarts.
package rollback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

// DefaultNVIndex is the owner NV index of the rollback counter.
const DefaultNVIndex uint32 = 0x01500001

var (
	ErrRollbackDetected = status.New(status.VerificationFailure, "rollback: candidate version is older than the installed version")
	ErrNotInitialized   = status.New(status.NotFound, "rollback: counter not initialized")
	ErrNotCounter       = status.New(status.StorageFailure, "rollback: NV index is not a counter")
	ErrCorruptCounter   = status.New(status.StorageFailure, "rollback: counter value is not 8 bytes")
	ErrLocked           = status.New(status.VerificationFailure, "rollback: counter is locked until restart")
	ErrNotLockable      = status.New(status.StorageFailure, "rollback: counter was defined without write lock support")
)

// Counter is the firmware version counter. Hardware calls are serialized
// on its mutex.
type Counter struct {
	mu     sync.Mutex
	logger *logging.Logger
	tpm    tpm2.TrustedPlatformModule
	index  uint32
}

// NewCounter returns a counter at index. Zero uses DefaultNVIndex.
func NewCounter(tpm tpm2.TrustedPlatformModule, index uint32, logger *logging.Logger) *Counter {
	if index == 0 {
		index = DefaultNVIndex
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Counter{
		logger: logger,
		tpm:    tpm,
		index:  index,
	}
}

// Index returns the NV index backing the counter.
func (c *Counter) Index() uint32 {
	return c.index
}

// Init defines the counter if it does not exist and gives it its first
// increment so it can be read. Calling Init on an initialized counter
// changes nothing.
func (c *Counter) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pub, err := c.tpm.NVPublic(ctx, c.index)
	switch {
	case errors.Is(err, tpm2.ErrNVNotDefined):
		space := tpm2.NVSpace{Index: c.index, Counter: true, WriteLockable: true}
		if err := c.tpm.NVDefine(ctx, space); err != nil {
			c.logger.Error(err)
			return err
		}
		c.logger.Info("rollback: counter defined", slog.String("index", fmt.Sprintf("0x%08x", c.index)))
	case err != nil:
		return err
	case !pub.Counter:
		return fmt.Errorf("%w: 0x%08x", ErrNotCounter, c.index)
	case pub.Written:
		return nil
	}

	if err := c.tpm.NVIncrement(ctx, c.index); err != nil {
		c.logger.Error(err)
		return err
	}
	return nil
}

// Version returns the current counter value.
func (c *Counter) Version(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionLocked(ctx)
}

func (c *Counter) versionLocked(ctx context.Context) (uint64, error) {
	data, err := c.tpm.NVRead(ctx, c.index)
	if err != nil {
		if errors.Is(err, tpm2.ErrNVNotDefined) || errors.Is(err, tpm2.ErrNVUninitialized) {
			return 0, fmt.Errorf("%w: %w", ErrNotInitialized, err)
		}
		return 0, err
	}
	if len(data) != tpm2.CounterSize {
		return 0, fmt.Errorf("%w: got %d", ErrCorruptCounter, len(data))
	}
	version := binary.BigEndian.Uint64(data)
	metrics.SetFirmwareVersion(version)
	return version, nil
}

// Increment advances the counter by one and returns the new value.
func (c *Counter) Increment(ctx context.Context) (version uint64, err error) {
	defer metrics.Track(metrics.ComponentRollback, metrics.OpIncrement)(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tpm.NVIncrement(ctx, c.index); err != nil {
		switch {
		case errors.Is(err, tpm2.ErrNVNotDefined):
			return 0, fmt.Errorf("%w: %w", ErrNotInitialized, err)
		case errors.Is(err, tpm2.ErrNVLocked):
			return 0, fmt.Errorf("%w: %w", ErrLocked, err)
		}
		c.logger.Error(err)
		return 0, err
	}
	version, err = c.versionLocked(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("rollback: counter incremented", slog.Uint64("version", version))
	return version, nil
}

// Lock write-locks the counter until the next TPM restart. Increment then
// fails with ErrLocked. Locking a locked counter succeeds.
func (c *Counter) Lock(ctx context.Context) (err error) {
	defer metrics.Track(metrics.ComponentRollback, metrics.OpLock)(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tpm.NVWriteLock(ctx, c.index); err != nil {
		switch {
		case errors.Is(err, tpm2.ErrNVNotDefined):
			return fmt.Errorf("%w: %w", ErrNotInitialized, err)
		case errors.Is(err, tpm2.ErrNVNotLockable):
			return fmt.Errorf("%w: 0x%08x", ErrNotLockable, c.index)
		}
		c.logger.Error(err)
		return err
	}
	c.logger.Debug("rollback: counter locked until restart")
	return nil
}

// Locked reports whether the counter is write locked.
func (c *Counter) Locked(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pub, err := c.tpm.NVPublic(ctx, c.index)
	if err != nil {
		if errors.Is(err, tpm2.ErrNVNotDefined) {
			return false, fmt.Errorf("%w: %w", ErrNotInitialized, err)
		}
		return false, err
	}
	return pub.WriteLocked, nil
}

// Verify fails with ErrRollbackDetected when candidate is lower than the
// current counter value.
func (c *Counter) Verify(ctx context.Context, candidate uint64) (err error) {
	defer metrics.Track(metrics.ComponentRollback, metrics.OpVerify)(&err)

	current, err := c.Version(ctx)
	if err != nil {
		return err
	}
	if candidate < current {
		c.logger.Warn("rollback: downgrade rejected",
			slog.Uint64("candidate", candidate),
			slog.Uint64("installed", current))
		return fmt.Errorf("%w: candidate %d, installed %d", ErrRollbackDetected, candidate, current)
	}
	return nil
}
