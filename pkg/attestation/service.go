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

// Package attestation implements the challenge/response remote attestation
// protocol. A peer is challenged with a fresh nonce, answers with PCR
// values sealed under the session key, and once verified may receive data
// exported under the same key.
package attestation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

const (
	DefaultMaxSessions   = 16
	DefaultSessionTTL    = 5 * time.Minute
	DefaultVerifyTimeout = 5 * time.Second

	DefaultFirmwarePCR uint32 = 0
	DefaultConfigPCR   uint32 = 1
	DefaultKeyPCR      uint32 = 8
)

var (
	ErrSessionNotFound   = status.New(status.NotFound, "attestation: session not found")
	ErrSessionState      = status.New(status.InvalidArgument, "attestation: operation not allowed in session state")
	ErrSessionsExhausted = status.New(status.OutOfResources, "attestation: session table full")
	ErrRateLimited       = status.New(status.OutOfResources, "attestation: challenge rate exceeded")
	ErrNonceMismatch     = status.New(status.VerificationFailure, "attestation: nonce mismatch")
	ErrTimestampMismatch = status.New(status.VerificationFailure, "attestation: timestamp mismatch")
	ErrAuthentication    = status.New(status.VerificationFailure, "attestation: response authentication failed")
	ErrInvalidResponse   = status.New(status.VerificationFailure, "attestation: response too short")
	ErrVerifyTimeout     = status.New(status.HardwareFailure, "attestation: verification timed out")
	ErrEntropy           = status.New(status.HardwareFailure, "attestation: random generation failed")
	ErrNoDependencies    = status.New(status.InvalidArgument, "attestation: entropy source and PCR validator are required")
)

// Entropy supplies session secrets.
type Entropy interface {
	Random(ctx context.Context, n int) ([]byte, error)
}

// PCRValidator replays the measurement log for a PCR.
type PCRValidator interface {
	ValidatePCR(ctx context.Context, index uint32, expected []byte) error
}

// Options configures a Service.
type Options struct {
	Entropy       Entropy
	Validator     PCRValidator
	MaxSessions   int
	SessionTTL    time.Duration
	VerifyTimeout time.Duration
	FirmwarePCR   uint32
	ConfigPCR     uint32
	KeyPCR        uint32
	// ChallengeRate limits new challenges per second. Zero disables it.
	ChallengeRate  float64
	ChallengeBurst int
	Clock          func() time.Time
	Logger         *logging.Logger
}

// Service holds the attestation session table. The table mutex is only
// held for lookups and state changes; randomness, AEAD and PCR replay run
// outside it.
type Service struct {
	mu            sync.Mutex
	logger        *logging.Logger
	entropy       Entropy
	validator     PCRValidator
	sessions      *cache.Cache
	maxSessions   int
	verifyTimeout time.Duration
	pcrs          [3]uint32
	limiter       *rate.Limiter
	clock         func() time.Time
}

// NewService creates a Service. FirmwarePCR, ConfigPCR and KeyPCR are
// used as given, so callers wanting the defaults should use
// DefaultOptions.
func NewService(opts Options) (*Service, error) {
	if opts.Entropy == nil || opts.Validator == nil {
		return nil, ErrNoDependencies
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Service{
		logger:        opts.Logger,
		entropy:       opts.Entropy,
		validator:     opts.Validator,
		sessions:      cache.New(opts.SessionTTL, opts.SessionTTL),
		maxSessions:   opts.MaxSessions,
		verifyTimeout: opts.VerifyTimeout,
		pcrs:          [3]uint32{opts.FirmwarePCR, opts.ConfigPCR, opts.KeyPCR},
		clock:         opts.Clock,
	}
	if opts.ChallengeRate > 0 {
		burst := opts.ChallengeBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.ChallengeRate), burst)
	}
	// Runs on the cache janitor goroutine; it must not take s.mu.
	s.sessions.OnEvicted(func(key string, _ interface{}) {
		s.logger.Debugf("attestation: session %s evicted", key)
		metrics.SetAttestationSessions(s.sessions.ItemCount())
	})
	return s, nil
}

// DefaultOptions returns options with the default PCR assignment.
func DefaultOptions() Options {
	return Options{
		MaxSessions:   DefaultMaxSessions,
		SessionTTL:    DefaultSessionTTL,
		VerifyTimeout: DefaultVerifyTimeout,
		FirmwarePCR:   DefaultFirmwarePCR,
		ConfigPCR:     DefaultConfigPCR,
		KeyPCR:        DefaultKeyPCR,
	}
}

// lookup returns the live session for id. The caller holds mu.
func (s *Service) lookup(id uuid.UUID) (*session, bool) {
	v, ok := s.sessions.Get(id.String())
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// Challenge starts or restarts the session bound to id with a fresh nonce,
// key and IV. A nil id allocates a new session identifier.
func (s *Service) Challenge(ctx context.Context, id uuid.UUID) (ch Challenge, err error) {
	defer metrics.Track(metrics.ComponentAttestation, metrics.OpChallenge)(&err)

	if s.limiter != nil && !s.limiter.Allow() {
		return Challenge{}, ErrRateLimited
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	secrets, err := s.entropy.Random(ctx, NonceSize+KeySize+IVSize)
	if err != nil {
		s.logger.Error(err)
		return Challenge{}, fmt.Errorf("%w: %w", ErrEntropy, err)
	}
	if len(secrets) != NonceSize+KeySize+IVSize {
		return Challenge{}, fmt.Errorf("%w: short read", ErrEntropy)
	}
	sess := &session{
		id:         id,
		challenged: s.clock(),
		state:      StateChallenged,
	}
	copy(sess.nonce[:], secrets[:NonceSize])
	copy(sess.key[:], secrets[NonceSize:NonceSize+KeySize])
	copy(sess.iv[:], secrets[NonceSize+KeySize:])
	for i := range secrets {
		secrets[i] = 0
	}
	sess.timestamp = sess.challenged.UnixNano()
	if sess.aead, err = newAEAD(sess.key[:]); err != nil {
		return Challenge{}, err
	}

	s.mu.Lock()
	if _, exists := s.lookup(id); !exists {
		s.sessions.DeleteExpired()
		if s.sessions.ItemCount() >= s.maxSessions {
			s.mu.Unlock()
			return Challenge{}, fmt.Errorf("%w: %d sessions", ErrSessionsExhausted, s.maxSessions)
		}
	}
	s.sessions.SetDefault(id.String(), sess)
	count := s.sessions.ItemCount()
	s.mu.Unlock()

	metrics.SetAttestationSessions(count)
	s.logger.Debug("attestation: challenge issued", slog.String("session", id.String()))
	return Challenge{
		SessionID: id,
		Nonce:     sess.nonce,
		Timestamp: sess.timestamp,
	}, nil
}

// Verify checks a response to the challenge of session id. The nonce and
// timestamp must match the challenge exactly, the payload must open under
// the session key, and the three PCR values leading the plaintext must
// each replay from the measurement log. On success the session moves to
// StateVerified.
func (s *Service) Verify(ctx context.Context, id uuid.UUID, resp Response) (err error) {
	defer metrics.Track(metrics.ComponentAttestation, metrics.OpVerify)(&err)

	ctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	s.mu.Lock()
	sess, ok := s.lookup(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.state != StateChallenged {
		state := sess.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionState, state)
	}
	nonce, timestamp, iv, aead := sess.nonce, sess.timestamp, sess.iv, sess.aead
	s.mu.Unlock()

	if subtle.ConstantTimeCompare(resp.Nonce[:], nonce[:]) != 1 {
		return ErrNonceMismatch
	}
	if resp.Timestamp != timestamp {
		return ErrTimestampMismatch
	}
	plaintext, err := aead.Open(nil, iv[:], resp.Payload, responseAAD(id, nonce, timestamp))
	if err != nil {
		return ErrAuthentication
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()
	if len(plaintext) < PCRFieldSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidResponse, len(plaintext))
	}

	for i, pcr := range s.pcrs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrVerifyTimeout, err)
		}
		if err := s.validator.ValidatePCR(ctx, pcr, plaintext[i*32:(i+1)*32]); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %w", ErrVerifyTimeout, ctxErr)
			}
			s.logger.Warn("attestation: PCR validation failed",
				slog.String("session", id.String()),
				slog.Uint64("pcr", uint64(pcr)))
			return fmt.Errorf("attestation: pcr %d: %w", pcr, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if current != sess || current.state != StateChallenged {
		return fmt.Errorf("%w: session was re-challenged", ErrSessionState)
	}
	current.state = StateVerified
	s.logger.Info("attestation: session verified", slog.String("session", id.String()))
	return nil
}

// Export encrypts data in place under the session key of a verified
// session and returns the tag. Each export uses a nonce derived from the
// session IV and a sequence number starting at 1.
func (s *Service) Export(ctx context.Context, id uuid.UUID, data []byte) (result ExportResult, err error) {
	defer metrics.Track(metrics.ComponentAttestation, metrics.OpExport)(&err)

	if err := ctx.Err(); err != nil {
		return ExportResult{}, err
	}

	s.mu.Lock()
	sess, ok := s.lookup(id)
	if !ok {
		s.mu.Unlock()
		return ExportResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.state != StateVerified && sess.state != StateExported {
		state := sess.state
		s.mu.Unlock()
		return ExportResult{}, fmt.Errorf("%w: %s", ErrSessionState, state)
	}
	sess.exportSeq++
	sess.state = StateExported
	seq, iv, aead := sess.exportSeq, sess.iv, sess.aead
	s.mu.Unlock()

	sealed := aead.Seal(data[:0:len(data)], exportNonce(iv, seq), data, exportAAD(id, seq))
	copy(data, sealed[:len(data)])
	result.Sequence = seq
	copy(result.Tag[:], sealed[len(data):])
	return result, nil
}

// State returns the state of session id. Unknown and expired sessions are
// StateNone.
func (s *Service) State(id uuid.UUID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(id)
	if !ok {
		return StateNone
	}
	return sess.state
}

// Close ends session id.
func (s *Service) Close(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(id); !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.sessions.Delete(id.String())
	return nil
}

// Sessions returns the number of live sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.DeleteExpired()
	return s.sessions.ItemCount()
}

// Capacity returns the maximum number of live sessions.
func (s *Service) Capacity() int {
	return s.maxSessions
}

// Sample publishes the live session gauge.
func (s *Service) Sample() {
	metrics.SetAttestationSessions(s.Sessions())
}

// Shutdown drops every session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Flush()
	metrics.SetAttestationSessions(0)
}

// Responder returns the peer side of session id. The session must be
// challenged; the responder shares its key and IV.
func (s *Service) Responder(id uuid.UUID) (*Responder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.state != StateChallenged {
		return nil, fmt.Errorf("%w: %s", ErrSessionState, sess.state)
	}
	return &Responder{
		id:   id,
		iv:   sess.iv,
		aead: sess.aead,
	}, nil
}

// IsRetryable reports whether err is transient: a full session table, a
// rate limit or a timeout.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSessionsExhausted) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrVerifyTimeout)
}
