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

package tpm2

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

var (
	ErrOpeningDevice      = status.New(status.HardwareFailure, "tpm: error opening device")
	ErrDeviceClosed       = status.New(status.HardwareFailure, "tpm: device closed")
	ErrCommandFailed      = status.New(status.HardwareFailure, "tpm: command failed")
	ErrCommandTimeout     = status.New(status.HardwareFailure, "tpm: command timed out")
	ErrInvalidPCR         = status.New(status.InvalidArgument, "tpm: invalid PCR index")
	ErrInvalidDigest      = status.New(status.InvalidArgument, "tpm: invalid digest size")
	ErrInvalidNVSize      = status.New(status.InvalidArgument, "tpm: invalid NV size")
	ErrHashInputTooLarge  = status.New(status.InvalidArgument, "tpm: hash input exceeds max buffer")
	ErrNVNotDefined       = status.New(status.NotFound, "tpm: NV index not defined")
	ErrNVUninitialized    = status.New(status.NotFound, "tpm: NV index not written")
	ErrNVAlreadyDefined   = status.New(status.InvalidArgument, "tpm: NV index already defined")
	ErrNVNotCounter       = status.New(status.InvalidArgument, "tpm: NV index is not a counter")
	ErrNVLocked           = status.New(status.HardwareFailure, "tpm: NV index is write locked")
	ErrNVNotLockable      = status.New(status.InvalidArgument, "tpm: NV index is not write lockable")
	ErrPolicyCheckFailed  = status.New(status.VerificationFailure, "tpm: policy check failed")
	ErrSessionClosed      = status.New(status.InvalidArgument, "tpm: policy session closed")
	ErrInvalidAttestation = status.New(status.VerificationFailure, "tpm: malformed attestation")
	ErrSignatureInvalid   = status.New(status.VerificationFailure, "tpm: signature verification failed")
)

// wrapCommandError maps a go-tpm response code to a package sentinel. The
// original error is kept in the chain.
func wrapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var se *status.Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, tpm2.TPMRCHandle):
		return fmt.Errorf("%w: %w", ErrNVNotDefined, err)
	case errors.Is(err, tpm2.TPMRCNVUninitialized):
		return fmt.Errorf("%w: %w", ErrNVUninitialized, err)
	case errors.Is(err, tpm2.TPMRCNVDefined):
		return fmt.Errorf("%w: %w", ErrNVAlreadyDefined, err)
	case errors.Is(err, tpm2.TPMRCNVLocked):
		return fmt.Errorf("%w: %w", ErrNVLocked, err)
	case errors.Is(err, tpm2.TPMRCPolicyFail):
		return fmt.Errorf("%w: %w", ErrPolicyCheckFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
}
