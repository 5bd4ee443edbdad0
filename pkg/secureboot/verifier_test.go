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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

var (
	signerOnce sync.Once
	signer     *rsa.PrivateKey
)

func testSigner(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signerOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		signer = key
	})
	return signer
}

func firmware() []byte {
	image := make([]byte, 4096)
	for i := range image {
		image[i] = byte(i * 7)
	}
	return image
}

func TestVerifySignedImage(t *testing.T) {
	key := testSigner(t)
	blob, err := Build(firmware(), key)
	require.NoError(t, err)

	v := NewVerifier(logging.Discard())
	header, err := v.Verify(blob, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, Magic, header.Magic)
	assert.EqualValues(t, 4096, header.ImageSize)
	assert.EqualValues(t, 256, header.SignatureSize)
	assert.Equal(t, firmware(), Image(blob, header))

	assert.Equal(t, []byte("WiFi"), blob[:4])
}

func TestVerifyUnsignedImage(t *testing.T) {
	blob, err := Build(firmware(), nil)
	require.NoError(t, err)

	v := NewVerifier(logging.Discard())
	_, err = v.Verify(blob, nil)
	require.NoError(t, err)

	_, err = v.Verify(blob, &testSigner(t).PublicKey)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyDetectsImageMutation(t *testing.T) {
	key := testSigner(t)
	blob, err := Build(firmware(), key)
	require.NoError(t, err)
	v := NewVerifier(logging.Discard())

	imageStart := HeaderSize + 256
	for _, offset := range []int{imageStart, imageStart + 100, len(blob) - 1} {
		mutated := append([]byte(nil), blob...)
		mutated[offset] ^= 0x01
		_, err := v.Verify(mutated, nil)
		assert.ErrorIs(t, err, ErrHashMismatch)
		assert.Equal(t, status.VerificationFailure, status.CodeOf(err))
	}

	// The header hash is part of the hashed comparison too.
	mutated := append([]byte(nil), blob...)
	mutated[20] ^= 0x01
	_, err = v.Verify(mutated, nil)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestVerifySignatureMutationNeedsKey(t *testing.T) {
	key := testSigner(t)
	blob, err := Build(firmware(), key)
	require.NoError(t, err)
	v := NewVerifier(logging.Discard())

	mutated := append([]byte(nil), blob...)
	mutated[HeaderSize+10] ^= 0x01

	_, err = v.Verify(mutated, nil)
	assert.NoError(t, err)

	_, err = v.Verify(mutated, &key.PublicKey)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyLayoutErrors(t *testing.T) {
	blob, err := Build(firmware(), nil)
	require.NoError(t, err)
	v := NewVerifier(logging.Discard())

	_, err = v.Verify(blob[:HeaderSize-1], nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = v.Verify(blob[:len(blob)-1], nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = v.Verify(append(append([]byte(nil), blob...), 0x00), nil)
	assert.ErrorIs(t, err, ErrTrailingData)

	badMagic := append([]byte(nil), blob...)
	badMagic[0] = 'w'
	_, err = v.Verify(badMagic, nil)
	assert.ErrorIs(t, err, ErrBadMagic)

	badVersion := append([]byte(nil), blob...)
	binary.BigEndian.PutUint32(badVersion[4:8], 2)
	_, err = v.Verify(badVersion, nil)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	hugeSize := append([]byte(nil), blob...)
	binary.BigEndian.PutUint32(hugeSize[8:12], 0xffffffff)
	_, err = v.Verify(hugeSize, nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestParseKeys(t *testing.T) {
	key := testSigner(t)

	pkix, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	pub, err = ParsePublicKey(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}))
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	priv, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	require.NoError(t, err)
	assert.True(t, key.Equal(priv))

	_, err = ParsePublicKey([]byte("not pem"))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
