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
	"time"
)

// Record is a cached measurement. Records are ordered by Timestamp, then
// by the insertion order the cache assigns, and are never modified once
// cached.
type Record struct {
	PCRIndex  uint32
	EventType uint32
	Digest    [32]byte
	Data      []byte
	// Timestamp is the ingestion time.
	Timestamp time.Time
	// Sequence is the ordinal of the record inside the measurement log, or
	// any caller-chosen tag for records inserted directly.
	Sequence uint64
	// Order is assigned by the cache on insertion. Values set by callers
	// are overwritten.
	Order uint64
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Data = append([]byte(nil), r.Data...)
	return r
}

// Before reports whether r sorts before o.
func (r Record) Before(o Record) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.Before(o.Timestamp)
	}
	return r.Order < o.Order
}

// sameEvent reports whether r and o describe the same measurement taken at
// the same instant. Order is ignored.
func (r Record) sameEvent(o Record) bool {
	return r.Timestamp.Equal(o.Timestamp) &&
		r.PCRIndex == o.PCRIndex &&
		r.EventType == o.EventType &&
		r.Sequence == o.Sequence &&
		r.Digest == o.Digest
}
