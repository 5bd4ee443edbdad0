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

// Package policy computes TPM PCR policy digests and verifies PCR quotes
// against the hardware root.
package policy

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

const (
	// DefaultCacheTTL is how long a computed digest stays valid.
	DefaultCacheTTL = 300 * time.Second

	// NonceSize is the size of the quote freshness nonce.
	NonceSize = 32
)

var (
	ErrNoPlatform       = status.New(status.InvalidArgument, "policy: hardware root is required")
	ErrInvalidPolicy    = status.New(status.InvalidArgument, "policy: PCR mask selects no PCRs")
	ErrUnsupportedHash  = status.New(status.InvalidArgument, "policy: only SHA-256 PCR banks are supported")
	ErrInvalidQuoteData = status.New(status.InvalidArgument, "policy: quote data is required")
	ErrSignatureInvalid = status.New(status.VerificationFailure, "policy: quote signature invalid")
	ErrNonceMismatch    = status.New(status.VerificationFailure, "policy: quote nonce mismatch")
	ErrQuoteMismatch    = status.New(status.VerificationFailure, "policy: quoted PCR composite does not match")
)

// Policy selects the PCRs a digest or quote covers.
type Policy struct {
	// PCRMask has bit n set for PCR n.
	PCRMask uint32
	// Hash is the PCR bank. Zero means SHA-256.
	Hash crypto.Hash
}

// FromPCRs builds a SHA-256 policy selecting pcrs.
func FromPCRs(pcrs ...uint) Policy {
	var mask uint32
	for _, p := range pcrs {
		if p < tpm2.PCRCount {
			mask |= 1 << p
		}
	}
	return Policy{PCRMask: mask, Hash: crypto.SHA256}
}

// PCRs returns the selected PCR indices in ascending order.
func (p Policy) PCRs() []uint {
	var pcrs []uint
	for i := uint(0); i < tpm2.PCRCount; i++ {
		if p.PCRMask&(1<<i) != 0 {
			pcrs = append(pcrs, i)
		}
	}
	return pcrs
}

func (p Policy) validate() ([]uint, error) {
	if p.Hash != 0 && p.Hash != crypto.SHA256 {
		return nil, ErrUnsupportedHash
	}
	pcrs := p.PCRs()
	if len(pcrs) == 0 {
		return nil, ErrInvalidPolicy
	}
	return pcrs, nil
}

// ExpectedComposite returns the SHA-256 composite of PCR values given in
// ascending PCR order, as carried in a quote.
func ExpectedComposite(pcrValues [][]byte) []byte {
	return tpm2.PCRDigest(pcrValues)
}

// Options configures an Engine.
type Options struct {
	TPM      tpm2.TrustedPlatformModule
	CacheTTL time.Duration
	Clock    func() time.Time
	Logger   *logging.Logger
}

type cacheEntry struct {
	digest   []byte
	mask     uint32
	computed time.Time
	valid    bool
}

// Engine evaluates policies against the hardware root. Digest computation
// and quoting are serialized on one mutex together with the digest cache.
type Engine struct {
	mu     sync.Mutex
	logger *logging.Logger
	tpm    tpm2.TrustedPlatformModule
	ttl    time.Duration
	clock  func() time.Time
	cache  cacheEntry
}

// NewEngine creates a policy engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.TPM == nil {
		return nil, ErrNoPlatform
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		logger: opts.Logger,
		tpm:    opts.TPM,
		ttl:    opts.CacheTTL,
		clock:  opts.Clock,
	}, nil
}

// CalculatePolicyDigest returns the PolicyPCR digest of p over the current
// PCR values. With useCache, a digest computed for the same mask within
// the cache TTL is returned without touching the hardware, and a freshly
// computed digest replaces the cached one. Without useCache the digest is
// always recomputed and the cache is left alone.
func (e *Engine) CalculatePolicyDigest(ctx context.Context, p Policy, useCache bool) (digest []byte, err error) {
	defer metrics.Track(metrics.ComponentPolicy, metrics.OpDigest)(&err)

	pcrs, err := p.validate()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if useCache && e.cache.valid && e.cache.mask == p.PCRMask &&
		e.clock().Sub(e.cache.computed) < e.ttl {
		metrics.IncPolicyCacheHits()
		return bytes.Clone(e.cache.digest), nil
	}

	session, err := e.tpm.StartTrialSession(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		e.logger.MaybeError(session.Close())
	}()
	if err := session.PolicyPCR(ctx, pcrs); err != nil {
		return nil, err
	}
	digest, err = session.Digest(ctx)
	if err != nil {
		return nil, err
	}

	if useCache {
		e.cache = cacheEntry{
			digest:   bytes.Clone(digest),
			mask:     p.PCRMask,
			computed: e.clock(),
			valid:    true,
		}
	}
	e.logger.Debug("policy: computed digest",
		slog.String("mask", fmt.Sprintf("0x%08x", p.PCRMask)),
		slog.String("digest", fmt.Sprintf("%x", digest)))
	return digest, nil
}

// InvalidateCache drops the cached digest.
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = cacheEntry{}
}

// CurrentComposite reads the PCRs selected by p and returns their
// composite digest.
func (e *Engine) CurrentComposite(ctx context.Context, p Policy) ([]byte, error) {
	pcrs, err := p.validate()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	values, err := e.tpm.PCRRead(ctx, pcrs)
	if err != nil {
		return nil, err
	}
	return ExpectedComposite(values), nil
}

// VerifyPCRQuote requests a quote over p with a fresh nonce, verifies its
// signature and nonce, and compares the quoted composite with quoteData.
// A signature failure is reported as ErrSignatureInvalid and a composite
// size or content difference as ErrQuoteMismatch. When signature is not
// empty it must be a quoting key signature over quoteData.
func (e *Engine) VerifyPCRQuote(ctx context.Context, p Policy, quoteData, signature []byte) (err error) {
	defer metrics.Track(metrics.ComponentPolicy, metrics.OpQuote)(&err)

	pcrs, err := p.validate()
	if err != nil {
		return err
	}
	if len(quoteData) == 0 {
		return ErrInvalidQuoteData
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.tpm.Random(ctx, NonceSize)
	if err != nil {
		return err
	}
	quote, err := e.tpm.Quote(ctx, pcrs, nonce)
	if err != nil {
		return err
	}
	info, err := e.tpm.VerifyQuote(quote)
	if err != nil {
		if errors.Is(err, tpm2.ErrSignatureInvalid) {
			return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
		return err
	}
	if !bytes.Equal(info.Nonce, nonce) {
		return ErrNonceMismatch
	}
	if !slices.Equal(info.PCRs, pcrs) {
		return fmt.Errorf("%w: quoted selection %v, requested %v", ErrQuoteMismatch, info.PCRs, pcrs)
	}
	if len(quoteData) != len(info.PCRDigest) {
		return fmt.Errorf("%w: composite is %d bytes, expected %d",
			ErrQuoteMismatch, len(info.PCRDigest), len(quoteData))
	}
	if !bytes.Equal(quoteData, info.PCRDigest) {
		e.logger.Debugf("policy: quoted composite %x, expected %x", info.PCRDigest, quoteData)
		return ErrQuoteMismatch
	}
	if len(signature) > 0 {
		if err := e.tpm.VerifySignature(quoteData, signature); err != nil {
			return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
	}
	return nil
}
