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

package eventlog

import (
	"context"
	"crypto/sha256"

	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

// HashEngine computes the SHA-256 digests used during PCR replay.
type HashEngine interface {
	Sum(ctx context.Context, data []byte) ([]byte, error)
}

// SoftwareHash hashes in process.
type SoftwareHash struct{}

func (SoftwareHash) Sum(_ context.Context, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return digest[:], nil
}

// PlatformHash hashes with the hardware root's TPM2_Hash command.
type PlatformHash struct {
	TPM tpm2.TrustedPlatformModule
}

func (h PlatformHash) Sum(ctx context.Context, data []byte) ([]byte, error) {
	return h.TPM.Hash(ctx, data)
}
