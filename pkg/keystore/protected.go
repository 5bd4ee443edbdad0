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
)

// Binding ties a protected copy to a platform state: the policy digest
// of PCRs at the time the key was stored.
type Binding struct {
	Digest []byte
	PCRs   []uint
}

// ProtectedStorage holds the authoritative copy of hardware-stored keys.
type ProtectedStorage interface {
	// Store persists data for id, bound to b.
	Store(ctx context.Context, id uint32, data []byte, b Binding) error

	// Load returns the data stored for id. It fails with
	// ErrPolicyMismatch when b does not match the binding it was stored
	// under, and ErrProtectedNotFound when nothing is stored.
	Load(ctx context.Context, id uint32, b Binding) ([]byte, error)

	// Invalidate permanently denies access to the copy stored for id.
	Invalidate(ctx context.Context, id uint32) error
}

// Lister is implemented by protected storage that can enumerate stored
// identifiers.
type Lister interface {
	IDs(ctx context.Context) ([]uint32, error)
}
