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

// Package tpm2 provides the hardware root used by the firmware trust
// components.
//
// # Overview
//
// TrustedPlatformModule is the narrow contract the rest of the module
// depends on: SHA-256 PCR read and extend, NV ordinary and counter
// indices, trial and real PCR policy sessions, quotes, randomness and
// hashing. Two implementations are provided.
//
//   - TPM2 drives a TPM 2.0 through go-tpm, either a character device,
//     an swtpm unix socket or the embedded reference simulator.
//   - PolicySimulator is an in-process software root with the same
//     contract. It computes policy digests exactly as TPM2_PolicyPCR does,
//     so digests taken from either root are interchangeable.
//
// # Usage
//
//	tpm, err := tpm2.Open(ctx, &tpm2.Params{
//		Config: &tpm2.Config{Device: "/dev/tpmrm0"},
//		Logger: logger,
//	})
//	if err != nil {
//		return err
//	}
//	defer tpm.Close()
//
//	values, err := tpm.PCRRead(ctx, []uint{0, 1, 8})
//
// # Concurrency
//
// Both implementations serialize hardware access internally. Every command
// honours the caller's context and the configured CommandTimeout.
package tpm2
