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
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
)

// Simulator operations that can be made to fail with SetFault.
const (
	OpPCRRead     = "pcr_read"
	OpPCRExtend   = "pcr_extend"
	OpPolicy      = "policy"
	OpNVDefine    = "nv_define"
	OpNVRead      = "nv_read"
	OpNVWrite     = "nv_write"
	OpNVIncrement = "nv_increment"
	OpNVUndefine  = "nv_undefine"
	OpNVWriteLock = "nv_write_lock"
	OpQuote       = "quote"
	OpRandom      = "random"
	OpHash        = "hash"
)

type simNV struct {
	space   NVSpace
	data    []byte
	written bool
	locked  bool
}

// PolicySimulator is a TrustedPlatformModule implemented in software. It
// models a SHA-256 PCR bank, owner NV indices with monotonic counters,
// trial policy sessions producing the same digests as TPM2_PolicyPCR, and
// quotes encoded as TPMS_ATTEST structures signed by a software RSA key.
// It is used where no TPM is present and to exercise failure paths.
type PolicySimulator struct {
	mu          sync.Mutex
	pcrs        [PCRCount][]byte
	nv          map[uint32]*simNV
	counterHigh uint64
	ak          *rsa.PrivateKey
	akName      []byte
	rand        io.Reader
	faults      map[string]error
	started     time.Time
	closed      bool
}

// SimulatorOption configures a PolicySimulator.
type SimulatorOption func(*PolicySimulator)

// WithAttestationKey uses key for quotes instead of generating one.
func WithAttestationKey(key *rsa.PrivateKey) SimulatorOption {
	return func(s *PolicySimulator) {
		s.ak = key
	}
}

// WithRandom sets the randomness source used for Random and key
// generation.
func WithRandom(r io.Reader) SimulatorOption {
	return func(s *PolicySimulator) {
		s.rand = r
	}
}

// NewPolicySimulator creates a simulator with all PCRs zeroed and no NV
// indices defined.
func NewPolicySimulator(opts ...SimulatorOption) (*PolicySimulator, error) {
	sim := &PolicySimulator{
		nv:      make(map[uint32]*simNV),
		rand:    rand.Reader,
		faults:  make(map[string]error),
		started: time.Now(),
	}
	for i := range sim.pcrs {
		sim.pcrs[i] = make([]byte, DigestSize)
	}
	for _, opt := range opts {
		opt(sim)
	}
	if sim.ak == nil {
		key, err := rsa.GenerateKey(sim.rand, 2048)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
		}
		sim.ak = key
	}
	name := sha256.Sum256(sim.ak.PublicKey.N.Bytes())
	sim.akName = append([]byte{0x00, 0x0b}, name[:]...)
	return sim, nil
}

// AttestationKey returns the public half of the quoting key.
func (s *PolicySimulator) AttestationKey() *rsa.PublicKey {
	return &s.ak.PublicKey
}

// SetFault makes every subsequent op fail with err. A nil err clears it.
func (s *PolicySimulator) SetFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// SetPCR overwrites a PCR value. Real hardware only supports extend; this
// exists to model platform state in tests and tooling.
func (s *PolicySimulator) SetPCR(pcr uint, value []byte) error {
	if pcr >= PCRCount {
		return ErrInvalidPCR
	}
	if len(value) != DigestSize {
		return ErrInvalidDigest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcrs[pcr] = append([]byte(nil), value...)
	return nil
}

// enter locks the simulator and checks for closure, context expiry and
// injected faults. On success the caller must unlock mu.
func (s *PolicySimulator) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommandTimeout, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDeviceClosed
	}
	if err := s.faults[op]; err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	return nil
}

func (s *PolicySimulator) pcrValues(pcrs []uint) [][]byte {
	values := make([][]byte, len(pcrs))
	for i, p := range pcrs {
		values[i] = append([]byte(nil), s.pcrs[p]...)
	}
	return values
}

// PCRRead returns the values of pcrs in the order given.
func (s *PolicySimulator) PCRRead(ctx context.Context, pcrs []uint) ([][]byte, error) {
	if err := ValidatePCRs(pcrs); err != nil {
		return nil, err
	}
	if err := s.enter(ctx, OpPCRRead); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.pcrValues(pcrs), nil
}

// PCRExtend extends pcr with digest.
func (s *PolicySimulator) PCRExtend(ctx context.Context, pcr uint, digest []byte) error {
	if err := ValidatePCRs([]uint{pcr}); err != nil {
		return err
	}
	if len(digest) != DigestSize {
		return ErrInvalidDigest
	}
	if err := s.enter(ctx, OpPCRExtend); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.pcrs[pcr] = ExtendDigest(s.pcrs[pcr], digest)
	return nil
}

// StartTrialSession starts a trial policy session with a zero digest.
func (s *PolicySimulator) StartTrialSession(ctx context.Context) (PolicySession, error) {
	if err := s.enter(ctx, OpPolicy); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return &simPolicySession{sim: s, digest: make([]byte, DigestSize)}, nil
}

type simPolicySession struct {
	sim    *PolicySimulator
	mu     sync.Mutex
	digest []byte
	closed bool
}

func (p *simPolicySession) PolicyPCR(ctx context.Context, pcrs []uint) error {
	pcrs = SortPCRs(pcrs)
	if err := ValidatePCRs(pcrs); err != nil {
		return err
	}
	if err := p.sim.enter(ctx, OpPolicy); err != nil {
		return err
	}
	composite := PCRDigest(p.sim.pcrValues(pcrs))
	p.sim.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSessionClosed
	}
	p.digest = ExtendPolicyPCR(p.digest, pcrs, composite)
	return nil
}

func (p *simPolicySession) Digest(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommandTimeout, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrSessionClosed
	}
	return append([]byte(nil), p.digest...), nil
}

func (p *simPolicySession) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// policyDigest computes the PolicyPCR digest of the current values of pcrs.
// The caller holds mu.
func (s *PolicySimulator) policyDigest(pcrs []uint) []byte {
	pcrs = SortPCRs(pcrs)
	return ExtendPolicyPCR(make([]byte, DigestSize), pcrs, PCRDigest(s.pcrValues(pcrs)))
}

// NVDefine defines an index.
func (s *PolicySimulator) NVDefine(ctx context.Context, space NVSpace) error {
	if space.Counter {
		space.Size = CounterSize
	}
	if space.Size == 0 {
		return ErrInvalidNVSize
	}
	if err := s.enter(ctx, OpNVDefine); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, exists := s.nv[space.Index]; exists {
		return ErrNVAlreadyDefined
	}
	space.AuthPolicy = append([]byte(nil), space.AuthPolicy...)
	space.Written = false
	space.WriteLocked = false
	s.nv[space.Index] = &simNV{
		space: space,
		data:  make([]byte, space.Size),
	}
	return nil
}

// NVPublic returns the public area of an index.
func (s *PolicySimulator) NVPublic(ctx context.Context, index uint32) (*NVSpace, error) {
	if err := s.enter(ctx, OpNVRead); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	nv, ok := s.nv[index]
	if !ok {
		return nil, ErrNVNotDefined
	}
	space := nv.space
	space.AuthPolicy = append([]byte(nil), nv.space.AuthPolicy...)
	space.Written = nv.written
	space.WriteLocked = nv.locked
	return &space, nil
}

func (s *PolicySimulator) readable(index uint32) (*simNV, error) {
	nv, ok := s.nv[index]
	if !ok {
		return nil, ErrNVNotDefined
	}
	if !nv.written {
		return nil, ErrNVUninitialized
	}
	return nv, nil
}

// NVRead reads an index with owner authorization.
func (s *PolicySimulator) NVRead(ctx context.Context, index uint32) ([]byte, error) {
	if err := s.enter(ctx, OpNVRead); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	nv, err := s.readable(index)
	if err != nil {
		return nil, err
	}
	if nv.space.PolicyRead {
		return nil, fmt.Errorf("%w: owner read not permitted on index 0x%x", ErrCommandFailed, index)
	}
	return append([]byte(nil), nv.data...), nil
}

// NVReadPolicy reads an index authorized by the PCR policy over pcrs.
func (s *PolicySimulator) NVReadPolicy(ctx context.Context, index uint32, pcrs []uint) ([]byte, error) {
	if err := ValidatePCRs(pcrs); err != nil {
		return nil, err
	}
	if err := s.enter(ctx, OpNVRead); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	nv, err := s.readable(index)
	if err != nil {
		return nil, err
	}
	if !nv.space.PolicyRead || !bytes.Equal(s.policyDigest(pcrs), nv.space.AuthPolicy) {
		return nil, ErrPolicyCheckFailed
	}
	return append([]byte(nil), nv.data...), nil
}

// NVWrite writes data at offset zero.
func (s *PolicySimulator) NVWrite(ctx context.Context, index uint32, data []byte) error {
	if err := s.enter(ctx, OpNVWrite); err != nil {
		return err
	}
	defer s.mu.Unlock()

	nv, ok := s.nv[index]
	if !ok {
		return ErrNVNotDefined
	}
	if nv.space.Counter {
		return ErrNVNotCounter
	}
	if nv.locked {
		return ErrNVLocked
	}
	if len(data) > int(nv.space.Size) {
		return ErrInvalidNVSize
	}
	copy(nv.data, data)
	nv.written = true
	return nil
}

// NVIncrement increments a counter. The first increment of a counter
// starts it above every value any counter has held, as a TPM does.
func (s *PolicySimulator) NVIncrement(ctx context.Context, index uint32) error {
	if err := s.enter(ctx, OpNVIncrement); err != nil {
		return err
	}
	defer s.mu.Unlock()

	nv, ok := s.nv[index]
	if !ok {
		return ErrNVNotDefined
	}
	if !nv.space.Counter {
		return ErrNVNotCounter
	}
	if nv.locked {
		return ErrNVLocked
	}
	value := binary.BigEndian.Uint64(nv.data)
	if !nv.written {
		value = s.counterHigh
	}
	value++
	if value > s.counterHigh {
		s.counterHigh = value
	}
	binary.BigEndian.PutUint64(nv.data, value)
	nv.written = true
	return nil
}

// NVWriteLock locks a WriteLockable index until Restart.
func (s *PolicySimulator) NVWriteLock(ctx context.Context, index uint32) error {
	if err := s.enter(ctx, OpNVWriteLock); err != nil {
		return err
	}
	defer s.mu.Unlock()

	nv, ok := s.nv[index]
	if !ok {
		return ErrNVNotDefined
	}
	if !nv.space.WriteLockable {
		return ErrNVNotLockable
	}
	nv.locked = true
	return nil
}

// Restart models TPM2_Startup(CLEAR): PCRs return to zero and NV write
// locks are released. NV contents survive.
func (s *PolicySimulator) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pcrs {
		s.pcrs[i] = make([]byte, DigestSize)
	}
	for _, nv := range s.nv {
		nv.locked = false
	}
	s.started = time.Now()
}

// NVUndefine removes an index.
func (s *PolicySimulator) NVUndefine(ctx context.Context, index uint32) error {
	if err := s.enter(ctx, OpNVUndefine); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, ok := s.nv[index]; !ok {
		return ErrNVNotDefined
	}
	delete(s.nv, index)
	return nil
}

// Quote signs a TPMS_ATTEST quote over pcrs and nonce.
func (s *PolicySimulator) Quote(ctx context.Context, pcrs []uint, nonce []byte) (*Quote, error) {
	pcrs = SortPCRs(pcrs)
	if err := ValidatePCRs(pcrs); err != nil {
		return nil, err
	}
	if err := s.enter(ctx, OpQuote); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	values := s.pcrValues(pcrs)
	attest := tpm2.TPMSAttest{
		Magic: tpm2.TPMGeneratedValue,
		Type:  tpm2.TPMSTAttestQuote,
		QualifiedSigner: tpm2.TPM2BName{
			Buffer: s.akName,
		},
		ExtraData: tpm2.TPM2BData{
			Buffer: nonce,
		},
		ClockInfo: tpm2.TPMSClockInfo{
			Clock: uint64(time.Since(s.started).Milliseconds()),
			Safe:  true,
		},
		Attested: tpm2.NewTPMUAttest(
			tpm2.TPMSTAttestQuote,
			&tpm2.TPMSQuoteInfo{
				PCRSelect: PCRSelection(pcrs),
				PCRDigest: tpm2.TPM2BDigest{
					Buffer: PCRDigest(values),
				},
			},
		),
	}
	data := tpm2.Marshal(attest)
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(s.rand, s.ak, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	return &Quote{
		Attest:    data,
		Signature: sig,
		PCRValues: values,
	}, nil
}

// VerifyQuote verifies a quote made by the simulator's attestation key.
func (s *PolicySimulator) VerifyQuote(quote *Quote) (*QuoteInfo, error) {
	return verifyQuote(&s.ak.PublicKey, quote)
}

// VerifySignature verifies an attestation key signature over data.
func (s *PolicySimulator) VerifySignature(data, signature []byte) error {
	return verifySignature(&s.ak.PublicKey, data, signature)
}

// Sign produces an attestation key signature over data, the counterpart
// of VerifySignature.
func (s *PolicySimulator) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(s.rand, s.ak, crypto.SHA256, digest[:])
}

// Random returns n random bytes.
func (s *PolicySimulator) Random(ctx context.Context, n int) ([]byte, error) {
	if err := s.enter(ctx, OpRandom); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]byte, n)
	if _, err := io.ReadFull(s.rand, out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	return out, nil
}

// Hash returns SHA-256 of data.
func (s *PolicySimulator) Hash(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) > NVBufferMax {
		return nil, ErrHashInputTooLarge
	}
	if err := s.enter(ctx, OpHash); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	digest := sha256.Sum256(data)
	return digest[:], nil
}

// Close marks the simulator closed.
func (s *PolicySimulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ TrustedPlatformModule = (*PolicySimulator)(nil)
	_ TrustedPlatformModule = (*TPM2)(nil)
)
