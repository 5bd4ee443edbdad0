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

import "github.com/jeremyhahn/go-fwtrust/pkg/status"

var (
	ErrMalformedLog     = status.New(status.VerificationFailure, "eventlog: malformed measurement log")
	ErrPCRMismatch      = status.New(status.VerificationFailure, "eventlog: replayed PCR does not match expected value")
	ErrInvalidPCR       = status.New(status.InvalidArgument, "eventlog: invalid PCR index")
	ErrInvalidDigest    = status.New(status.InvalidArgument, "eventlog: expected digest must be 32 bytes")
	ErrDuplicateRecord  = status.New(status.InvalidArgument, "eventlog: duplicate record")
	ErrEventTooLarge    = status.New(status.InvalidArgument, "eventlog: event data exceeds limit")
	ErrCapacityExceeded = status.New(status.OutOfResources, "eventlog: record capacity exceeded")
	ErrSourceFailed     = status.New(status.HardwareFailure, "eventlog: measurement log source failed")
	ErrHashEngine       = status.New(status.HardwareFailure, "eventlog: hash engine failed")
	ErrNoSource         = status.New(status.InvalidArgument, "eventlog: no measurement log source")
	ErrRecordNotFound   = status.New(status.NotFound, "eventlog: record not found")
)
