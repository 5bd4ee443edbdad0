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
	"crypto/cipher"
	"fmt"

	"github.com/google/uuid"
)

// Responder is the peer side of a session. It is handed out by
// Service.Responder to an in-process peer that shares the session key,
// such as the self-test or a co-located firmware agent.
type Responder struct {
	id   uuid.UUID
	iv   [IVSize]byte
	aead cipher.AEAD
}

// SessionID returns the session the responder belongs to.
func (r *Responder) SessionID() uuid.UUID {
	return r.id
}

// Respond answers ch with the firmware, configuration and key PCR values
// followed by optional extra data.
func (r *Responder) Respond(ch Challenge, firmware, config, key []byte, extra []byte) (Response, error) {
	if ch.SessionID != r.id {
		return Response{}, fmt.Errorf("%w: challenge for %s", ErrSessionState, ch.SessionID)
	}
	for _, pcr := range [][]byte{firmware, config, key} {
		if len(pcr) != 32 {
			return Response{}, fmt.Errorf("%w: pcr value of %d bytes", ErrInvalidResponse, len(pcr))
		}
	}
	plaintext := make([]byte, 0, PCRFieldSize+len(extra))
	plaintext = append(plaintext, firmware...)
	plaintext = append(plaintext, config...)
	plaintext = append(plaintext, key...)
	plaintext = append(plaintext, extra...)

	payload := r.aead.Seal(nil, r.iv[:], plaintext, responseAAD(r.id, ch.Nonce, ch.Timestamp))
	for i := range plaintext {
		plaintext[i] = 0
	}
	return Response{
		Nonce:     ch.Nonce,
		Timestamp: ch.Timestamp,
		Payload:   payload,
	}, nil
}

// OpenExport decrypts, in place, data exported by Service.Export.
func (r *Responder) OpenExport(ciphertext []byte, res ExportResult) ([]byte, error) {
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, res.Tag[:]...)
	plaintext, err := r.aead.Open(sealed[:0], exportNonce(r.iv, res.Sequence), sealed, exportAAD(r.id, res.Sequence))
	if err != nil {
		return nil, ErrAuthentication
	}
	copy(ciphertext, plaintext)
	return ciphertext, nil
}
