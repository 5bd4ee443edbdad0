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

// Package secureboot verifies signed firmware images before they are
// handed to the loader.
package secureboot

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// Magic is 'WiFi' read as a big-endian word.
	Magic uint32 = 0x57694669

	// FormatVersion is the only supported header version.
	FormatVersion uint32 = 1

	// HeaderSize is the fixed size of the image header.
	HeaderSize = 4 + 4 + 4 + 4 + sha256.Size
)

// Header is the fixed image header. All fields are big-endian on the
// wire; the signature follows the header and the image follows the
// signature.
type Header struct {
	Magic         uint32
	Version       uint32
	ImageSize     uint32
	SignatureSize uint32
	Hash          [sha256.Size]byte
}

// ParseHeader decodes the header at the start of blob.
func ParseHeader(blob []byte) (*Header, error) {
	if len(blob) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(blob), HeaderSize)
	}
	h := &Header{
		Magic:         binary.BigEndian.Uint32(blob[0:4]),
		Version:       binary.BigEndian.Uint32(blob[4:8]),
		ImageSize:     binary.BigEndian.Uint32(blob[8:12]),
		SignatureSize: binary.BigEndian.Uint32(blob[12:16]),
	}
	copy(h.Hash[:], blob[16:HeaderSize])
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}

// Marshal encodes the header.
func (h *Header) Marshal() []byte {
	out := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(out[0:4], h.Magic)
	binary.BigEndian.PutUint32(out[4:8], h.Version)
	binary.BigEndian.PutUint32(out[8:12], h.ImageSize)
	binary.BigEndian.PutUint32(out[12:16], h.SignatureSize)
	copy(out[16:], h.Hash[:])
	return out
}

// TotalSize is the size of a well-formed blob carrying this header.
func (h *Header) TotalSize() uint64 {
	return uint64(HeaderSize) + uint64(h.SignatureSize) + uint64(h.ImageSize)
}

// Build produces a firmware blob for image. When key is not nil the image
// is signed with RSASSA-PKCS1-v1_5 over its SHA-256 digest.
func Build(image []byte, key *rsa.PrivateKey) ([]byte, error) {
	if uint64(len(image)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: image of %d bytes", ErrImageTooLarge, len(image))
	}
	h := &Header{
		Magic:     Magic,
		Version:   FormatVersion,
		ImageSize: uint32(len(image)),
		Hash:      sha256.Sum256(image),
	}
	var sig []byte
	if key != nil {
		var err error
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h.Hash[:])
		if err != nil {
			return nil, err
		}
	}
	h.SignatureSize = uint32(len(sig))

	out := make([]byte, 0, h.TotalSize())
	out = append(out, h.Marshal()...)
	out = append(out, sig...)
	out = append(out, image...)
	return out, nil
}
