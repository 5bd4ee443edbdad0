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
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxudstpm"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
)

const (
	infoOpeningDevice    = "tpm: opening device"
	infoOpeningSimulator = "tpm: opening simulator"

	// DefaultCommandTimeout bounds a single TPM command.
	DefaultCommandTimeout = 10 * time.Second

	// DefaultSimulatorSeed is the fixed seed of the embedded simulator.
	DefaultSimulatorSeed int64 = 1234567890
)

// Config selects and tunes the hardware root.
type Config struct {
	// Device is a character device such as /dev/tpmrm0, or a swtpm unix
	// socket path ending in .sock.
	Device string

	// UseSimulator opens the embedded go-tpm-tools simulator instead of
	// Device.
	UseSimulator bool

	// SimulatorSeed seeds the embedded simulator.
	SimulatorSeed int64

	// CommandTimeout bounds each command. Zero uses DefaultCommandTimeout.
	CommandTimeout time.Duration

	// OwnerAuth is the owner hierarchy password.
	OwnerAuth []byte
}

// Params are the dependencies of Open.
type Params struct {
	Config *Config
	Logger *logging.Logger
	// Transport overrides Config, used for testing.
	Transport transport.TPM
}

type attestationKey struct {
	handle tpm2.TPMHandle
	name   tpm2.TPM2BName
	pub    *rsa.PublicKey
}

// TPM2 is a TrustedPlatformModule backed by a TPM 2.0 device. All
// commands are issued under mu.
type TPM2 struct {
	mu        sync.Mutex
	logger    *logging.Logger
	transport *commandTransport
	closer    io.Closer
	ownerAuth []byte
	ak        attestationKey
	closed    bool
}

// Open connects to the configured TPM and creates a transient attestation
// key under the endorsement hierarchy.
func Open(ctx context.Context, params *Params) (*TPM2, error) {
	if params.Logger == nil {
		params.Logger = logging.DefaultLogger()
	}
	if params.Config == nil {
		params.Config = &Config{}
	}
	cfg := params.Config

	var tpmTransport transport.TPM
	var closer io.Closer

	switch {
	case params.Transport != nil:
		params.Logger.Info("tpm: using custom transport")
		tpmTransport = params.Transport
	case cfg.UseSimulator:
		params.Logger.Info(infoOpeningSimulator)
		seed := cfg.SimulatorSeed
		if seed == 0 {
			seed = DefaultSimulatorSeed
		}
		sim, err := simulator.GetWithFixedSeedInsecure(seed)
		if err != nil {
			params.Logger.Error(err)
			return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
		}
		tpmTransport = transport.FromReadWriter(sim)
		closer = sim
	case cfg.Device != "":
		params.Logger.Info(infoOpeningDevice, slog.String("device", cfg.Device))
		if strings.HasSuffix(cfg.Device, ".sock") {
			uds, err := linuxudstpm.Open(cfg.Device)
			if err != nil {
				params.Logger.Error(err)
				return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
			}
			tpmTransport = uds
			closer = uds
		} else {
			device, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
			if err != nil {
				params.Logger.Error(err)
				return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
			}
			tpmTransport = transport.FromReadWriter(device)
			closer = device
		}
	default:
		return nil, ErrOpeningDevice
	}

	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	tpm := &TPM2{
		logger:    params.Logger,
		transport: newCommandTransport(tpmTransport, timeout),
		closer:    closer,
		ownerAuth: cfg.OwnerAuth,
	}
	if err := tpm.createAttestationKey(ctx); err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	return tpm, nil
}

func (tpm *TPM2) createAttestationKey(ctx context.Context) error {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(akTemplate()),
	}.Execute(tpm.transport.bind(ctx))
	if err != nil {
		tpm.logger.Error(err)
		return wrapCommandError(err)
	}

	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	detail, err := pub.Parameters.RSADetail()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	unique, err := pub.Unique.RSA()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	rsaPub, err := tpm2.RSAPub(detail, unique)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}

	tpm.ak = attestationKey{
		handle: rsp.ObjectHandle,
		name:   rsp.Name,
		pub:    rsaPub,
	}
	tpm.logger.Debugf("tpm: attestation key 0x%x created", uint32(rsp.ObjectHandle))
	return nil
}

// AttestationKey returns the public half of the quoting key.
func (tpm *TPM2) AttestationKey() *rsa.PublicKey {
	return tpm.ak.pub
}

func (tpm *TPM2) owner() tpm2.AuthHandle {
	return tpm2.AuthHandle{
		Handle: tpm2.TPMRHOwner,
		Auth:   tpm2.PasswordAuth(tpm.ownerAuth),
	}
}

// lock acquires mu and fails if the device is closed.
func (tpm *TPM2) lock() error {
	tpm.mu.Lock()
	if tpm.closed {
		tpm.mu.Unlock()
		return ErrDeviceClosed
	}
	return nil
}

// PCRRead reads the SHA-256 bank values of pcrs in the order given.
func (tpm *TPM2) PCRRead(ctx context.Context, pcrs []uint) ([][]byte, error) {
	if err := ValidatePCRs(pcrs); err != nil {
		return nil, err
	}
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()
	return tpm.pcrRead(tpm.transport.bind(ctx), pcrs)
}

func (tpm *TPM2) pcrRead(t transport.TPM, pcrs []uint) ([][]byte, error) {
	values := make([][]byte, len(pcrs))
	for i, pcr := range pcrs {
		rsp, err := tpm2.PCRRead{
			PCRSelectionIn: PCRSelection([]uint{pcr}),
		}.Execute(t)
		if err != nil {
			tpm.logger.Error(err)
			return nil, wrapCommandError(err)
		}
		if len(rsp.PCRValues.Digests) != 1 {
			return nil, fmt.Errorf("%w: pcr %d not returned", ErrCommandFailed, pcr)
		}
		values[i] = rsp.PCRValues.Digests[0].Buffer
	}
	return values, nil
}

// PCRExtend extends pcr with a SHA-256 digest.
func (tpm *TPM2) PCRExtend(ctx context.Context, pcr uint, digest []byte) error {
	if err := ValidatePCRs([]uint{pcr}); err != nil {
		return err
	}
	if len(digest) != DigestSize {
		return ErrInvalidDigest
	}
	if err := tpm.lock(); err != nil {
		return err
	}
	defer tpm.mu.Unlock()

	_, err := tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(pcr),
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{{
				HashAlg: tpm2.TPMAlgSHA256,
				Digest:  digest,
			}},
		},
	}.Execute(tpm.transport.bind(ctx))
	if err != nil {
		tpm.logger.Error(err)
		return wrapCommandError(err)
	}
	return nil
}

// StartTrialSession starts a trial policy session.
func (tpm *TPM2) StartTrialSession(ctx context.Context) (PolicySession, error) {
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()

	// The session closer keeps the transport it was created with, so it
	// must not inherit cancellation from the caller.
	session, closer, err := tpm2.PolicySession(
		tpm.transport.bind(context.WithoutCancel(ctx)), tpm2.TPMAlgSHA256, 16, tpm2.Trial())
	if err != nil {
		tpm.logger.Error(err)
		return nil, wrapCommandError(err)
	}
	return &devicePolicySession{tpm: tpm, session: session, closer: closer}, nil
}

type devicePolicySession struct {
	tpm     *TPM2
	session tpm2.Session
	closer  func() error
	closed  bool
}

func (s *devicePolicySession) PolicyPCR(ctx context.Context, pcrs []uint) error {
	if s.closed {
		return ErrSessionClosed
	}
	pcrs = SortPCRs(pcrs)
	if err := ValidatePCRs(pcrs); err != nil {
		return err
	}
	if err := s.tpm.lock(); err != nil {
		return err
	}
	defer s.tpm.mu.Unlock()
	return s.tpm.policyPCR(s.tpm.transport.bind(ctx), s.session, pcrs)
}

// policyPCR binds session to the current values of pcrs, which must be
// sorted. The caller holds mu.
func (tpm *TPM2) policyPCR(t transport.TPM, session tpm2.Session, pcrs []uint) error {
	values, err := tpm.pcrRead(t, pcrs)
	if err != nil {
		return err
	}
	_, err = tpm2.PolicyPCR{
		PolicySession: session.Handle(),
		Pcrs:          PCRSelection(pcrs),
		PcrDigest: tpm2.TPM2BDigest{
			Buffer: PCRDigest(values),
		},
	}.Execute(t)
	if err != nil {
		tpm.logger.Error(err)
		return wrapCommandError(err)
	}
	return nil
}

func (s *devicePolicySession) Digest(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := s.tpm.lock(); err != nil {
		return nil, err
	}
	defer s.tpm.mu.Unlock()

	rsp, err := tpm2.PolicyGetDigest{
		PolicySession: s.session.Handle(),
	}.Execute(s.tpm.transport.bind(ctx))
	if err != nil {
		s.tpm.logger.Error(err)
		return nil, wrapCommandError(err)
	}
	return rsp.PolicyDigest.Buffer, nil
}

func (s *devicePolicySession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tpm.lock(); err != nil {
		return err
	}
	defer s.tpm.mu.Unlock()
	return wrapCommandError(s.closer())
}

// nvPublic reads the public area and name of an index. The caller holds mu.
func (tpm *TPM2) nvPublic(t transport.TPM, index uint32) (*tpm2.TPMSNVPublic, tpm2.TPM2BName, error) {
	rsp, err := tpm2.NVReadPublic{
		NVIndex: tpm2.TPMHandle(index),
	}.Execute(t)
	if err != nil {
		return nil, tpm2.TPM2BName{}, wrapCommandError(err)
	}
	pub, err := rsp.NVPublic.Contents()
	if err != nil {
		return nil, tpm2.TPM2BName{}, fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}
	return pub, rsp.NVName, nil
}

// NVDefine defines an NV index under the owner hierarchy.
func (tpm *TPM2) NVDefine(ctx context.Context, space NVSpace) error {
	size := space.Size
	nt := tpm2.TPMNTOrdinary
	if space.Counter {
		size = CounterSize
		nt = tpm2.TPMNTCounter
	}
	if size == 0 {
		return ErrInvalidNVSize
	}
	if err := tpm.lock(); err != nil {
		return err
	}
	defer tpm.mu.Unlock()

	_, err := tpm2.NVDefineSpace{
		AuthHandle: tpm.owner(),
		PublicInfo: tpm2.New2B(
			tpm2.TPMSNVPublic{
				NVIndex: tpm2.TPMHandle(space.Index),
				NameAlg: tpm2.TPMAlgSHA256,
				AuthPolicy: tpm2.TPM2BDigest{
					Buffer: space.AuthPolicy,
				},
				Attributes: tpm2.TPMANV{
					NT:           nt,
					OwnerWrite:   true,
					OwnerRead:    !space.PolicyRead,
					PolicyRead:   space.PolicyRead,
					WriteSTClear: space.WriteLockable,
					NoDA:         true,
				},
				DataSize: size,
			}),
	}.Execute(tpm.transport.bind(ctx))
	if err != nil {
		tpm.logger.Error(err)
		return wrapCommandError(err)
	}
	tpm.logger.Debugf("tpm: defined NV index 0x%x (%d bytes)", space.Index, size)
	return nil
}

// NVPublic returns the public area of an index.
func (tpm *TPM2) NVPublic(ctx context.Context, index uint32) (*NVSpace, error) {
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()

	pub, _, err := tpm.nvPublic(tpm.transport.bind(ctx), index)
	if err != nil {
		return nil, err
	}
	return &NVSpace{
		Index:         uint32(pub.NVIndex),
		Size:          pub.DataSize,
		Counter:       pub.Attributes.NT == tpm2.TPMNTCounter,
		AuthPolicy:    pub.AuthPolicy.Buffer,
		PolicyRead:    pub.Attributes.PolicyRead,
		WriteLockable: pub.Attributes.WriteSTClear,
		Written:       pub.Attributes.Written,
		WriteLocked:   pub.Attributes.WriteLocked,
	}, nil
}

// NVRead reads the whole index with owner authorization.
func (tpm *TPM2) NVRead(ctx context.Context, index uint32) ([]byte, error) {
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	pub, name, err := tpm.nvPublic(t, index)
	if err != nil {
		return nil, err
	}
	if !pub.Attributes.Written {
		return nil, ErrNVUninitialized
	}
	return tpm.nvReadChunks(t, pub, func(size, offset uint16) (*tpm2.NVReadResponse, error) {
		return tpm2.NVRead{
			AuthHandle: tpm.owner(),
			NVIndex: tpm2.NamedHandle{
				Handle: pub.NVIndex,
				Name:   name,
			},
			Size:   size,
			Offset: offset,
		}.Execute(t)
	})
}

// NVReadPolicy reads the whole index authorized by a PCR policy session.
func (tpm *TPM2) NVReadPolicy(ctx context.Context, index uint32, pcrs []uint) ([]byte, error) {
	pcrs = SortPCRs(pcrs)
	if err := ValidatePCRs(pcrs); err != nil {
		return nil, err
	}
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	pub, name, err := tpm.nvPublic(t, index)
	if err != nil {
		return nil, err
	}
	if !pub.Attributes.Written {
		return nil, ErrNVUninitialized
	}

	session, closer, err := tpm2.PolicySession(
		tpm.transport.bind(context.WithoutCancel(ctx)), tpm2.TPMAlgSHA256, 16)
	if err != nil {
		tpm.logger.Error(err)
		return nil, wrapCommandError(err)
	}
	defer func() {
		if closeErr := closer(); closeErr != nil {
			tpm.logger.Errorf("tpm: failed to close policy session: %v", closeErr)
		}
	}()

	// A policy session is reset once it authorizes a command, so the PCR
	// policy is asserted again for every chunk.
	return tpm.nvReadChunks(t, pub, func(size, offset uint16) (*tpm2.NVReadResponse, error) {
		if err := tpm.policyPCR(t, session, pcrs); err != nil {
			return nil, err
		}
		return tpm2.NVRead{
			AuthHandle: tpm2.AuthHandle{
				Handle: pub.NVIndex,
				Name:   name,
				Auth:   session,
			},
			NVIndex: tpm2.NamedHandle{
				Handle: pub.NVIndex,
				Name:   name,
			},
			Size:   size,
			Offset: offset,
		}.Execute(t)
	})
}

func (tpm *TPM2) nvReadChunks(
	t transport.TPM,
	pub *tpm2.TPMSNVPublic,
	read func(size, offset uint16) (*tpm2.NVReadResponse, error)) ([]byte, error) {

	data := make([]byte, 0, pub.DataSize)
	for offset := uint16(0); offset < pub.DataSize; {
		size := pub.DataSize - offset
		if size > NVBufferMax {
			size = NVBufferMax
		}
		rsp, err := read(size, offset)
		if err != nil {
			tpm.logger.Error(err)
			return nil, wrapCommandError(err)
		}
		data = append(data, rsp.Data.Buffer...)
		offset += size
	}
	return data, nil
}

// NVWrite writes data at offset zero with owner authorization.
func (tpm *TPM2) NVWrite(ctx context.Context, index uint32, data []byte) error {
	if err := tpm.lock(); err != nil {
		return err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	pub, name, err := tpm.nvPublic(t, index)
	if err != nil {
		return err
	}
	if pub.Attributes.NT == tpm2.TPMNTCounter {
		return ErrNVNotCounter
	}
	if len(data) > int(pub.DataSize) {
		return ErrInvalidNVSize
	}

	for offset := 0; offset < len(data); offset += NVBufferMax {
		end := offset + NVBufferMax
		if end > len(data) {
			end = len(data)
		}
		_, err := tpm2.NVWrite{
			AuthHandle: tpm.owner(),
			NVIndex: tpm2.NamedHandle{
				Handle: pub.NVIndex,
				Name:   name,
			},
			Data: tpm2.TPM2BMaxNVBuffer{
				Buffer: data[offset:end],
			},
			Offset: uint16(offset),
		}.Execute(t)
		if err != nil {
			tpm.logger.Error(err)
			return wrapCommandError(err)
		}
	}
	return nil
}

// NVIncrement increments a counter index.
func (tpm *TPM2) NVIncrement(ctx context.Context, index uint32) error {
	if err := tpm.lock(); err != nil {
		return err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	pub, name, err := tpm.nvPublic(t, index)
	if err != nil {
		return err
	}
	if pub.Attributes.NT != tpm2.TPMNTCounter {
		return ErrNVNotCounter
	}
	_, err = tpm2.NVIncrement{
		AuthHandle: tpm.owner(),
		NVIndex: tpm2.NamedHandle{
			Handle: pub.NVIndex,
			Name:   name,
		},
	}.Execute(t)
	if err != nil {
		tpm.logger.Error(err)
		return wrapCommandError(err)
	}
	return nil
}

// NVWriteLock locks a WriteSTClear index against writes until the next
// TPM2_Startup(CLEAR).
func (tpm *TPM2) NVWriteLock(ctx context.Context, index uint32) error {
	if err := tpm.lock(); err != nil {
		return err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	pub, name, err := tpm.nvPublic(t, index)
	if err != nil {
		return err
	}
	if !pub.Attributes.WriteSTClear {
		return ErrNVNotLockable
	}
	if pub.Attributes.WriteLocked {
		return nil
	}
	_, err = tpm2.NVWriteLock{
		AuthHandle: tpm.owner(),
		NVIndex: tpm2.NamedHandle{
			Handle: pub.NVIndex,
			Name:   name,
		},
	}.Execute(t)
	if err != nil {
		tpm.logger.Error(err)
		return wrapCommandError(err)
	}
	tpm.logger.Debugf("tpm: write locked NV index 0x%x", index)
	return nil
}

// NVUndefine removes an index.
func (tpm *TPM2) NVUndefine(ctx context.Context, index uint32) error {
	if err := tpm.lock(); err != nil {
		return err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	pub, name, err := tpm.nvPublic(t, index)
	if err != nil {
		return err
	}
	_, err = tpm2.NVUndefineSpace{
		AuthHandle: tpm.owner(),
		NVIndex: tpm2.NamedHandle{
			Handle: pub.NVIndex,
			Name:   name,
		},
	}.Execute(t)
	if err != nil {
		tpm.logger.Error(err)
		return wrapCommandError(err)
	}
	return nil
}

// Quote signs the composite of pcrs and nonce with the attestation key.
// PCR values are read under the same lock as the quote.
func (tpm *TPM2) Quote(ctx context.Context, pcrs []uint, nonce []byte) (*Quote, error) {
	pcrs = SortPCRs(pcrs)
	if err := ValidatePCRs(pcrs); err != nil {
		return nil, err
	}
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	rsp, err := tpm2.Quote{
		SignHandle: tpm2.AuthHandle{
			Handle: tpm.ak.handle,
			Name:   tpm.ak.name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{
			Buffer: nonce,
		},
		InScheme:  quoteScheme(),
		PCRSelect: PCRSelection(pcrs),
	}.Execute(t)
	if err != nil {
		tpm.logger.Error(err)
		return nil, wrapCommandError(err)
	}
	sig, err := rsp.Signature.Signature.RSASSA()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAttestation, err)
	}
	values, err := tpm.pcrRead(t, pcrs)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Attest:    rsp.Quoted.Bytes(),
		Signature: sig.Sig.Buffer,
		PCRValues: values,
	}, nil
}

// VerifyQuote verifies a quote made by this device's attestation key.
func (tpm *TPM2) VerifyQuote(quote *Quote) (*QuoteInfo, error) {
	return verifyQuote(tpm.ak.pub, quote)
}

// VerifySignature verifies an attestation key signature over data.
func (tpm *TPM2) VerifySignature(data, signature []byte) error {
	return verifySignature(tpm.ak.pub, data, signature)
}

// Random returns n bytes from the TPM RNG.
func (tpm *TPM2) Random(ctx context.Context, n int) ([]byte, error) {
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()

	t := tpm.transport.bind(ctx)
	out := make([]byte, 0, n)
	for len(out) < n {
		want := n - len(out)
		if want > DigestSize {
			want = DigestSize
		}
		rsp, err := tpm2.GetRandom{
			BytesRequested: uint16(want),
		}.Execute(t)
		if err != nil {
			tpm.logger.Error(err)
			return nil, wrapCommandError(err)
		}
		if len(rsp.RandomBytes.Buffer) == 0 {
			return nil, fmt.Errorf("%w: empty random response", ErrCommandFailed)
		}
		out = append(out, rsp.RandomBytes.Buffer...)
	}
	return out[:n], nil
}

// Hash computes SHA-256 of data with TPM2_Hash.
func (tpm *TPM2) Hash(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) > NVBufferMax {
		return nil, ErrHashInputTooLarge
	}
	if err := tpm.lock(); err != nil {
		return nil, err
	}
	defer tpm.mu.Unlock()

	rsp, err := tpm2.Hash{
		Data: tpm2.TPM2BMaxBuffer{
			Buffer: data,
		},
		HashAlg:   tpm2.TPMAlgSHA256,
		Hierarchy: tpm2.TPMRHNull,
	}.Execute(tpm.transport.bind(ctx))
	if err != nil {
		tpm.logger.Error(err)
		return nil, wrapCommandError(err)
	}
	return rsp.OutHash.Buffer, nil
}

// Close flushes the attestation key and releases the device.
func (tpm *TPM2) Close() error {
	tpm.mu.Lock()
	defer tpm.mu.Unlock()

	if tpm.closed {
		return nil
	}
	tpm.closed = true

	if tpm.ak.handle != 0 {
		_, err := tpm2.FlushContext{
			FlushHandle: tpm.ak.handle,
		}.Execute(tpm.transport.bind(context.Background()))
		tpm.logger.MaybeError(err)
	}
	if tpm.closer != nil {
		return tpm.closer.Close()
	}
	return nil
}
