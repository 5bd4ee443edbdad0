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

import "github.com/jeremyhahn/go-fwtrust/pkg/status"

var (
	ErrInvalidKey           = status.New(status.InvalidArgument, "keystore: invalid key record")
	ErrDuplicateKey         = status.New(status.InvalidArgument, "keystore: key identifier already exists")
	ErrKeyNotFound          = status.New(status.NotFound, "keystore: key not found")
	ErrNotHardwareStored    = status.New(status.InvalidArgument, "keystore: key is not hardware stored")
	ErrKeyRevoked           = status.New(status.VerificationFailure, "keystore: key is revoked")
	ErrNoProtectedStorage   = status.New(status.StorageFailure, "keystore: no protected storage configured")
	ErrStorage              = status.New(status.StorageFailure, "keystore: protected storage failure")
	ErrProtectedNotFound    = status.New(status.NotFound, "keystore: protected copy not found")
	ErrPolicyMismatch       = status.New(status.VerificationFailure, "keystore: platform state does not satisfy key policy")
	ErrFingerprintMismatch  = status.New(status.VerificationFailure, "keystore: protected copy fingerprint mismatch")
	ErrProtectedTooLarge    = status.New(status.InvalidArgument, "keystore: key record too large for protected storage")
	ErrInvalidSealingSecret = status.New(status.InvalidArgument, "keystore: sealing secret must be at least 32 bytes")
)
