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
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// KeyType is the algorithm of a stored key.
type KeyType uint8

const (
	KeyTypeRSA2048 KeyType = iota + 1
	KeyTypeRSA4096
	KeyTypeECDSA256
	KeyTypeECDSA384
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeRSA2048:
		return "rsa2048"
	case KeyTypeRSA4096:
		return "rsa4096"
	case KeyTypeECDSA256:
		return "ecdsa256"
	case KeyTypeECDSA384:
		return "ecdsa384"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a supported key type.
func (t KeyType) Valid() bool {
	return t >= KeyTypeRSA2048 && t <= KeyTypeECDSA384
}

// ParseKeyType parses the names returned by KeyType.String.
func ParseKeyType(s string) (KeyType, error) {
	for t := KeyTypeRSA2048; t <= KeyTypeECDSA384; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: key type %q", ErrInvalidKey, s)
}

// Flag is a key status bit.
type Flag uint32

const (
	FlagRevoked Flag = 1 << iota
	FlagExpired
	FlagPrimary
	FlagBackup
	FlagHardwareStored
	FlagQuoteRequired
	FlagPolicyRequired
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagRevoked, "revoked"},
	{FlagExpired, "expired"},
	{FlagPrimary, "primary"},
	{FlagBackup, "backup"},
	{FlagHardwareStored, "hardware"},
	{FlagQuoteRequired, "quote"},
	{FlagPolicyRequired, "policy"},
}

// Has reports whether every bit of f is set.
func (f Flag) Has(flag Flag) bool {
	return f&flag == flag
}

func (f Flag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseFlags parses a comma separated list of flag names.
func ParseFlags(s string) (Flag, error) {
	var f Flag
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if strings.EqualFold(part, fn.name) {
				f |= fn.flag
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: flag %q", ErrInvalidKey, part)
		}
	}
	return f, nil
}

// Version is a key version.
type Version struct {
	Major    uint16 `cbor:"1,keyasint"`
	Minor    uint16 `cbor:"2,keyasint"`
	Revision uint16 `cbor:"3,keyasint"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// KeyRecord is a key and its metadata. The key store owns the canonical
// copy and hands out clones.
type KeyRecord struct {
	ID          uint32    `cbor:"1,keyasint"`
	Type        KeyType   `cbor:"2,keyasint"`
	Flags       Flag      `cbor:"3,keyasint"`
	Version     Version   `cbor:"4,keyasint"`
	Created     time.Time `cbor:"5,keyasint"`
	Expires     time.Time `cbor:"6,keyasint"`
	Fingerprint [32]byte  `cbor:"7,keyasint"`
	Data        []byte    `cbor:"8,keyasint"`
}

// Clone returns a deep copy.
func (r KeyRecord) Clone() KeyRecord {
	r.Data = append([]byte(nil), r.Data...)
	return r
}

// Fingerprint is the SHA-256 digest of the raw key bytes.
func Fingerprint(data []byte) [32]byte {
	return sha256.Sum256(data)
}
