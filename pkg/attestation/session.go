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

package attestation

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	NonceSize = 32
	KeySize   = 32
	IVSize    = 16
	TagSize   = 16

	// PCRFieldSize is the leading plaintext field of a response: the
	// firmware, configuration and key PCR values.
	PCRFieldSize = 3 * 32
)

// State is the lifecycle state of a session.
type State int

const (
	StateNone State = iota
	StateChallenged
	StateVerified
	StateExported
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateChallenged:
		return "challenged"
	case StateVerified:
		return "verified"
	case StateExported:
		return "exported"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Challenge is returned to the peer by Service.Challenge.
type Challenge struct {
	SessionID uuid.UUID
	Nonce     [NonceSize]byte
	// Timestamp is the challenge time in Unix nanoseconds. It must be
	// echoed back exactly.
	Timestamp int64
}

// Response is the peer's answer to a challenge. Payload is the AES-GCM
// ciphertext followed by the 16-byte tag.
type Response struct {
	Nonce     [NonceSize]byte
	Timestamp int64
	Payload   []byte
}

// ExportResult describes one export. Sequence numbers start at 1.
type ExportResult struct {
	Sequence uint64
	Tag      [TagSize]byte
}

type session struct {
	id         uuid.UUID
	nonce      [NonceSize]byte
	key        [KeySize]byte
	iv         [IVSize]byte
	aead       cipher.AEAD
	challenged time.Time
	timestamp  int64
	state      State
	exportSeq  uint64
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// responseAAD binds a response to its session, nonce and timestamp.
func responseAAD(id uuid.UUID, nonce [NonceSize]byte, timestamp int64) []byte {
	aad := make([]byte, 0, 16+NonceSize+8)
	aad = append(aad, id[:]...)
	aad = append(aad, nonce[:]...)
	return binary.BigEndian.AppendUint64(aad, uint64(timestamp))
}

// exportNonce derives the per-export nonce from the session IV by XORing
// the sequence number into its last eight bytes.
func exportNonce(iv [IVSize]byte, seq uint64) []byte {
	nonce := iv
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		nonce[IVSize-8+i] ^= s[i]
	}
	return nonce[:]
}

func exportAAD(id uuid.UUID, seq uint64) []byte {
	aad := make([]byte, 0, 16+8)
	aad = append(aad, id[:]...)
	return binary.BigEndian.AppendUint64(aad, seq)
}
