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
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/google/go-tpm/tpm2"
)

const (
	// PCRCount is the number of PCRs in the SHA-256 bank of a PC client TPM.
	PCRCount = 24

	// DigestSize is the size of a SHA-256 digest.
	DigestSize = sha256.Size

	// NVBufferMax is the largest NV chunk written or read in one command.
	NVBufferMax = 1024

	// CounterSize is the size of an NV counter index.
	CounterSize = 8
)

// TrustedPlatformModule is the hardware root of trust consumed by the
// firmware trust components. Every command that reaches the hardware takes
// a context; cancellation or deadline expiry returns ErrCommandTimeout.
type TrustedPlatformModule interface {
	// PCRRead returns the SHA-256 bank values of pcrs, in the order given.
	PCRRead(ctx context.Context, pcrs []uint) ([][]byte, error)

	// PCRExtend extends pcr with a SHA-256 digest.
	PCRExtend(ctx context.Context, pcr uint, digest []byte) error

	// StartTrialSession starts a trial policy session used to compute
	// policy digests. The caller must Close it.
	StartTrialSession(ctx context.Context) (PolicySession, error)

	// NVDefine defines an NV index owned by the owner hierarchy.
	NVDefine(ctx context.Context, space NVSpace) error

	// NVPublic returns the public area of a defined index, or
	// ErrNVNotDefined.
	NVPublic(ctx context.Context, index uint32) (*NVSpace, error)

	// NVRead reads the whole index with owner authorization.
	NVRead(ctx context.Context, index uint32) ([]byte, error)

	// NVReadPolicy reads the whole index authorized by a PCR policy session
	// over pcrs. Returns ErrPolicyCheckFailed when the current PCR values
	// do not satisfy the index's auth policy.
	NVReadPolicy(ctx context.Context, index uint32, pcrs []uint) ([]byte, error)

	// NVWrite writes data at offset zero with owner authorization.
	NVWrite(ctx context.Context, index uint32, data []byte) error

	// NVIncrement increments a counter index.
	NVIncrement(ctx context.Context, index uint32) error

	// NVWriteLock blocks writes and increments to a WriteLockable index
	// until the next TPM restart. Further calls while locked succeed.
	NVWriteLock(ctx context.Context, index uint32) error

	// NVUndefine removes an index.
	NVUndefine(ctx context.Context, index uint32) error

	// Quote signs the SHA-256 composite of pcrs together with nonce using
	// the attestation key.
	Quote(ctx context.Context, pcrs []uint, nonce []byte) (*Quote, error)

	// VerifyQuote checks the attestation key signature over a quote and
	// returns its decoded contents.
	VerifyQuote(quote *Quote) (*QuoteInfo, error)

	// VerifySignature checks an RSASSA-PKCS1-v1_5 SHA-256 signature made
	// by the attestation key over data.
	VerifySignature(data, signature []byte) error

	// Random returns n bytes from the hardware RNG.
	Random(ctx context.Context, n int) ([]byte, error)

	// Hash returns the SHA-256 digest of data computed by the hardware.
	Hash(ctx context.Context, data []byte) ([]byte, error)

	// Close releases the hardware.
	Close() error
}

// PolicySession is a trial policy session.
type PolicySession interface {
	// PolicyPCR binds the session to the current values of pcrs.
	PolicyPCR(ctx context.Context, pcrs []uint) error

	// Digest returns the current policy digest.
	Digest(ctx context.Context) ([]byte, error)

	// Close flushes the session.
	Close() error
}

// NVSpace describes an NV index.
type NVSpace struct {
	Index uint32
	Size  uint16
	// Counter defines a monotonic 64-bit counter instead of an ordinary
	// index. Size is ignored for counters.
	Counter bool
	// AuthPolicy is the policy digest required for policy reads.
	AuthPolicy []byte
	// PolicyRead restricts reads to sessions satisfying AuthPolicy.
	PolicyRead bool
	// WriteLockable sets TPMA_NV_WRITE_STCLEAR so NVWriteLock can lock the
	// index until the next restart.
	WriteLockable bool
	// Written reports whether the index has been written or incremented.
	Written bool
	// WriteLocked reports whether writes are locked until restart.
	WriteLocked bool
}

// Quote is a signed PCR attestation.
type Quote struct {
	// Attest is the marshaled TPMS_ATTEST structure that was signed.
	Attest []byte
	// Signature is the raw RSASSA signature over SHA-256(Attest).
	Signature []byte
	// PCRValues are the values of the quoted PCRs in ascending index order.
	PCRValues [][]byte
}

// QuoteInfo is the verified content of a Quote.
type QuoteInfo struct {
	Nonce     []byte
	PCRs      []uint
	PCRDigest []byte
}

// SortPCRs returns a sorted, de-duplicated copy of pcrs.
func SortPCRs(pcrs []uint) []uint {
	seen := make(map[uint]bool, len(pcrs))
	out := make([]uint, 0, len(pcrs))
	for _, p := range pcrs {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidatePCRs checks every index is inside the SHA-256 bank.
func ValidatePCRs(pcrs []uint) error {
	if len(pcrs) == 0 {
		return ErrInvalidPCR
	}
	for _, p := range pcrs {
		if p >= PCRCount {
			return ErrInvalidPCR
		}
	}
	return nil
}

// PCRSelection returns the SHA-256 selection of pcrs in PC client format.
func PCRSelection(pcrs []uint) tpm2.TPMLPCRSelection {
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{{
			Hash:      tpm2.TPMAlgSHA256,
			PCRSelect: tpm2.PCClientCompatible.PCRs(pcrs...),
		}},
	}
}

// PCRDigest is the SHA-256 of the concatenated PCR values, the composite
// used by PolicyPCR and Quote.
func PCRDigest(values [][]byte) []byte {
	h := sha256.New()
	for _, v := range values {
		h.Write(v)
	}
	return h.Sum(nil)
}

// ExtendPolicyPCR computes the policy digest produced by TPM2_PolicyPCR
// from the previous digest, the selected PCRs and their composite.
func ExtendPolicyPCR(previous []byte, pcrs []uint, composite []byte) []byte {
	var cc [4]byte
	binary.BigEndian.PutUint32(cc[:], uint32(tpm2.TPMCCPolicyPCR))

	h := sha256.New()
	h.Write(previous)
	h.Write(cc[:])
	h.Write(tpm2.Marshal(PCRSelection(pcrs)))
	h.Write(composite)
	return h.Sum(nil)
}

// ExtendDigest returns SHA-256(current || digest), the PCR extend operation.
func ExtendDigest(current, digest []byte) []byte {
	h := sha256.New()
	h.Write(current)
	h.Write(digest)
	return h.Sum(nil)
}
