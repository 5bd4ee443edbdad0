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

package secureboot

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

var (
	ErrTruncated          = status.New(status.VerificationFailure, "secureboot: image truncated")
	ErrTrailingData       = status.New(status.VerificationFailure, "secureboot: trailing data after image")
	ErrBadMagic           = status.New(status.VerificationFailure, "secureboot: bad magic")
	ErrUnsupportedVersion = status.New(status.VerificationFailure, "secureboot: unsupported header version")
	ErrHashMismatch       = status.New(status.VerificationFailure, "secureboot: image hash mismatch")
	ErrSignatureInvalid   = status.New(status.VerificationFailure, "secureboot: signature verification failed")
	ErrImageTooLarge      = status.New(status.InvalidArgument, "secureboot: image too large")
	ErrInvalidPublicKey   = status.New(status.InvalidArgument, "secureboot: invalid RSA public key")
)

// Verifier checks firmware blobs.
type Verifier struct {
	logger *logging.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Verifier{logger: logger}
}

// Verify parses blob, checks its layout and the SHA-256 of the image
// region against the header, and, when pub is not nil, verifies the
// RSASSA-PKCS1-v1_5 signature over the image. Any error means the image
// must not be loaded.
func (v *Verifier) Verify(blob []byte, pub *rsa.PublicKey) (header *Header, err error) {
	defer metrics.Track(metrics.ComponentSecureBoot, metrics.OpVerify)(&err)
	defer func() {
		if err != nil {
			v.logger.Warn("secureboot: image rejected", slog.String("error", err.Error()))
		}
	}()

	header, err = ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	total := header.TotalSize()
	if uint64(len(blob)) < total {
		return nil, fmt.Errorf("%w: %d bytes, header declares %d", ErrTruncated, len(blob), total)
	}
	if uint64(len(blob)) > total {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, uint64(len(blob))-total)
	}

	sigStart := HeaderSize
	imageStart := sigStart + int(header.SignatureSize)
	signature := blob[sigStart:imageStart]
	image := blob[imageStart:]

	digest := sha256.Sum256(image)
	if subtle.ConstantTimeCompare(digest[:], header.Hash[:]) != 1 {
		return nil, ErrHashMismatch
	}

	if pub != nil {
		if len(signature) == 0 {
			return nil, fmt.Errorf("%w: image is unsigned", ErrSignatureInvalid)
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
	}

	v.logger.Debug("secureboot: image verified",
		slog.Uint64("size", uint64(header.ImageSize)),
		slog.Bool("signed", pub != nil))
	return header, nil
}

// Image returns the image region of a verified blob.
func Image(blob []byte, header *Header) []byte {
	start := HeaderSize + int(header.SignatureSize)
	return blob[start : start+int(header.ImageSize)]
}

// ParsePublicKey decodes a PEM encoded PKIX or PKCS#1 RSA public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
		}
		return pub, nil
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
		}
		return pub, nil
	}
}

// ParsePrivateKey decodes a PEM encoded PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidPublicKey)
	}
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return priv, nil
}
