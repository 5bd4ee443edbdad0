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

package storage

import (
	"fmt"
	"strconv"
	"strings"
)

const sealedPrefix = "sealed/"

// SealedKeyPath returns the storage path for the sealed copy of a key
// record. The path follows the convention: sealed/{id as 8 hex digits}
func SealedKeyPath(id uint32) string {
	return fmt.Sprintf("%s%08x", sealedPrefix, id)
}

// ListSealedKeys returns the identifiers of every sealed key record held
// by the backend.
func ListSealedKeys(backend Backend) ([]uint32, error) {
	keys, err := backend.List(sealedPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseUint(strings.TrimPrefix(k, sealedPrefix), 16, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}
