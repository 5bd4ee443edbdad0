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

package trust

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-fwtrust/pkg/attestation"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

const (
	selfTestPayloadSize = 32
	// selfTestAttempts bounds the challenges issued while the session
	// table is full or the challenge rate is exceeded.
	selfTestAttempts   = 3
	selfTestRetryDelay = 50 * time.Millisecond
)

var ErrSelfTestMismatch = status.New(status.VerificationFailure, "trust: self-test export round trip mismatch")

// SelfTestReport describes a completed self-test.
type SelfTestReport struct {
	SessionID uuid.UUID
	// PCRs are the firmware, configuration and key PCR values attested.
	PCRs          map[uint32][]byte
	Records       int
	QuoteVerified bool
	ExportSeq     uint64
	Duration      time.Duration
}

// SelfTest attests the platform to itself. The current firmware,
// configuration and key PCR values are read from the hardware root and
// answered to a fresh challenge, so the test passes only when the cached
// measurement log replays to the live PCRs. A random payload is then
// exported and opened, and a quote over the key policy is verified.
// Transient challenge failures are retried a few times.
func (s *Subsystem) SelfTest(ctx context.Context) (*SelfTestReport, error) {
	if s.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	start := time.Now()

	ch, err := s.challenge(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = s.sessions.Close(ch.SessionID)
	}()

	pcrs := []uint{uint(s.firmwarePCR), uint(s.configPCR), uint(s.keyPCR)}
	values, err := s.tpm.PCRRead(ctx, pcrs)
	if err != nil {
		return nil, err
	}
	responder, err := s.sessions.Responder(ch.SessionID)
	if err != nil {
		return nil, err
	}
	resp, err := responder.Respond(ch, values[0], values[1], values[2], nil)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Verify(ctx, ch.SessionID, resp); err != nil {
		return nil, err
	}

	payload, err := s.tpm.Random(ctx, selfTestPayloadSize)
	if err != nil {
		return nil, err
	}
	buf := bytes.Clone(payload)
	exported, err := s.sessions.Export(ctx, ch.SessionID, buf)
	if err != nil {
		return nil, err
	}
	opened, err := responder.OpenExport(buf, exported)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(opened, payload) {
		return nil, ErrSelfTestMismatch
	}

	composite, err := s.policy.CurrentComposite(ctx, s.keyPolicy)
	if err != nil {
		return nil, err
	}
	if err := s.policy.VerifyPCRQuote(ctx, s.keyPolicy, composite, nil); err != nil {
		return nil, fmt.Errorf("trust: quote: %w", err)
	}

	report := &SelfTestReport{
		SessionID:     ch.SessionID,
		PCRs:          make(map[uint32][]byte, len(pcrs)),
		Records:       s.events.Len(),
		QuoteVerified: true,
		ExportSeq:     exported.Sequence,
		Duration:      time.Since(start),
	}
	for i, pcr := range pcrs {
		report.PCRs[uint32(pcr)] = values[i]
	}
	s.logger.Info("trust: self-test passed",
		slog.String("session", ch.SessionID.String()),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// challenge opens a self-test session, waiting out retryable failures.
func (s *Subsystem) challenge(ctx context.Context) (attestation.Challenge, error) {
	for attempt := 1; ; attempt++ {
		ch, err := s.sessions.Challenge(ctx, uuid.Nil)
		if err == nil {
			return ch, nil
		}
		if !attestation.IsRetryable(err) || attempt == selfTestAttempts {
			return attestation.Challenge{}, err
		}
		s.logger.Debugf("trust: self-test challenge attempt %d: %v", attempt, err)
		select {
		case <-ctx.Done():
			return attestation.Challenge{}, ctx.Err()
		case <-time.After(selfTestRetryDelay):
		}
	}
}
