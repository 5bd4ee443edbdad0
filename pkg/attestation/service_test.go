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
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fwtrust/pkg/eventlog"
	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

type randEntropy struct{}

func (randEntropy) Random(_ context.Context, n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

type failingEntropy struct{}

func (failingEntropy) Random(context.Context, int) ([]byte, error) {
	return nil, errors.New("rng unavailable")
}

// slowValidator blocks until the context is done.
type slowValidator struct{}

func (slowValidator) ValidatePCR(ctx context.Context, _ uint32, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

type measuredPCRs struct {
	firmware, config, key []byte
}

func extend(running []byte, data string) []byte {
	d := sha256.Sum256([]byte(data))
	h := sha256.New()
	h.Write(running)
	h.Write(d[:])
	return h.Sum(nil)
}

// newMeasuredCache caches one measurement for each of PCR 0, 1 and 8 and
// returns the replayed values.
func newMeasuredCache(t *testing.T) (*eventlog.Cache, measuredPCRs) {
	t.Helper()
	cache := eventlog.NewCache(eventlog.Options{Logger: logging.Discard()})
	zero := make([]byte, 32)
	events := []struct {
		pcr  uint32
		data string
	}{
		{0, "bootloader"},
		{1, "board config"},
		{8, "key manifest"},
	}
	for i, e := range events {
		require.NoError(t, cache.Insert(context.Background(), eventlog.Record{
			PCRIndex:  e.pcr,
			EventType: eventlog.EventAction,
			Digest:    sha256.Sum256([]byte(e.data)),
			Data:      []byte(e.data),
			Timestamp: time.Unix(int64(i+1), 0),
		}))
	}
	return cache, measuredPCRs{
		firmware: extend(zero, "bootloader"),
		config:   extend(zero, "board config"),
		key:      extend(zero, "key manifest"),
	}
}

func newTestService(t *testing.T, mutate func(*Options)) (*Service, measuredPCRs) {
	t.Helper()
	cache, pcrs := newMeasuredCache(t)
	opts := DefaultOptions()
	opts.Entropy = randEntropy{}
	opts.Validator = cache
	opts.Logger = logging.Discard()
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)
	return svc, pcrs
}

func respond(t *testing.T, svc *Service, ch Challenge, pcrs measuredPCRs, extra []byte) Response {
	t.Helper()
	responder, err := svc.Responder(ch.SessionID)
	require.NoError(t, err)
	resp, err := responder.Respond(ch, pcrs.firmware, pcrs.config, pcrs.key, extra)
	require.NoError(t, err)
	return resp
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Options{Entropy: randEntropy{}})
	assert.ErrorIs(t, err, ErrNoDependencies)
}

func TestAttestationHappyPath(t *testing.T) {
	ctx := context.Background()
	svc, pcrs := newTestService(t, nil)

	ch, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, ch.SessionID)
	assert.Equal(t, StateChallenged, svc.State(ch.SessionID))

	resp := respond(t, svc, ch, pcrs, []byte("device report"))
	require.NoError(t, svc.Verify(ctx, ch.SessionID, resp))
	assert.Equal(t, StateVerified, svc.State(ch.SessionID))

	// A second verify of the same challenge is refused.
	assert.ErrorIs(t, svc.Verify(ctx, ch.SessionID, resp), ErrSessionState)
}

func TestVerifyRejectsTampering(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Response)
		want   error
	}{
		{"nonce", func(r *Response) { r.Nonce[7] ^= 0x01 }, ErrNonceMismatch},
		{"timestamp", func(r *Response) { r.Timestamp++ }, ErrTimestampMismatch},
		{"ciphertext", func(r *Response) { r.Payload[0] ^= 0x80 }, ErrAuthentication},
		{"tag", func(r *Response) { r.Payload[len(r.Payload)-1] ^= 0x01 }, ErrAuthentication},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, pcrs := newTestService(t, nil)
			ch, err := svc.Challenge(ctx, uuid.New())
			require.NoError(t, err)

			resp := respond(t, svc, ch, pcrs, nil)
			tc.mutate(&resp)

			err = svc.Verify(ctx, ch.SessionID, resp)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, status.VerificationFailure, status.CodeOf(err))
			assert.Equal(t, StateChallenged, svc.State(ch.SessionID))
		})
	}
}

func TestVerifyRejectsWrongPCR(t *testing.T) {
	ctx := context.Background()
	svc, pcrs := newTestService(t, nil)

	ch, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)

	pcrs.config = extend(make([]byte, 32), "tampered config")
	err = svc.Verify(ctx, ch.SessionID, respond(t, svc, ch, pcrs, nil))
	assert.ErrorIs(t, err, eventlog.ErrPCRMismatch)
	assert.Equal(t, StateChallenged, svc.State(ch.SessionID))
}

func TestVerifyRejectsShortPlaintext(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)

	ch, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)
	responder, err := svc.Responder(ch.SessionID)
	require.NoError(t, err)

	payload := responder.aead.Seal(nil, responder.iv[:], make([]byte, 40),
		responseAAD(ch.SessionID, ch.Nonce, ch.Timestamp))
	err = svc.Verify(ctx, ch.SessionID, Response{Nonce: ch.Nonce, Timestamp: ch.Timestamp, Payload: payload})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestRechallengeInvalidatesResponse(t *testing.T) {
	ctx := context.Background()
	svc, pcrs := newTestService(t, nil)

	first, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)
	stale := respond(t, svc, first, pcrs, nil)

	second, err := svc.Challenge(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.Nonce, second.Nonce)

	assert.ErrorIs(t, svc.Verify(ctx, first.SessionID, stale), ErrNonceMismatch)
	assert.Equal(t, 1, svc.Sessions())
}

func TestVerifyUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, nil)
	err := svc.Verify(context.Background(), uuid.New(), Response{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, status.NotFound, status.CodeOf(err))
}

func TestVerifyTimeout(t *testing.T) {
	ctx := context.Background()
	svc, pcrs := newTestService(t, func(o *Options) {
		o.Validator = slowValidator{}
		o.VerifyTimeout = 20 * time.Millisecond
	})

	ch, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)
	err = svc.Verify(ctx, ch.SessionID, respond(t, svc, ch, pcrs, nil))
	assert.ErrorIs(t, err, ErrVerifyTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	svc, pcrs := newTestService(t, func(o *Options) {
		o.SessionTTL = 30 * time.Millisecond
	})

	ch, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)
	resp := respond(t, svc, ch, pcrs, nil)

	assert.Eventually(t, func() bool {
		return svc.State(ch.SessionID) == StateNone
	}, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, svc.Verify(ctx, ch.SessionID, resp), ErrSessionNotFound)
	assert.Equal(t, 0, svc.Sessions())
}

func TestSessionCapacity(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, func(o *Options) { o.MaxSessions = 2 })

	first, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)
	_, err = svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)

	_, err = svc.Challenge(ctx, uuid.Nil)
	assert.ErrorIs(t, err, ErrSessionsExhausted)
	assert.Equal(t, status.OutOfResources, status.CodeOf(err))

	// Re-challenging a live session does not need a free slot.
	_, err = svc.Challenge(ctx, first.SessionID)
	assert.NoError(t, err)

	require.NoError(t, svc.Close(first.SessionID))
	_, err = svc.Challenge(ctx, uuid.Nil)
	assert.NoError(t, err)
	assert.ErrorIs(t, svc.Close(first.SessionID), ErrSessionNotFound)
}

func TestChallengeRateLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, func(o *Options) {
		o.ChallengeRate = 0.001
		o.ChallengeBurst = 2
	})

	for i := 0; i < 2; i++ {
		_, err := svc.Challenge(ctx, uuid.Nil)
		require.NoError(t, err)
	}
	_, err := svc.Challenge(ctx, uuid.Nil)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRetryable(err))
}

func TestChallengeEntropyFailure(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.Entropy = failingEntropy{} })
	_, err := svc.Challenge(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, ErrEntropy)
	assert.Equal(t, status.HardwareFailure, status.CodeOf(err))
	assert.Equal(t, 0, svc.Sessions())
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	svc, pcrs := newTestService(t, nil)

	ch, err := svc.Challenge(ctx, uuid.Nil)
	require.NoError(t, err)
	responder, err := svc.Responder(ch.SessionID)
	require.NoError(t, err)

	_, err = svc.Export(ctx, ch.SessionID, []byte("early"))
	assert.ErrorIs(t, err, ErrSessionState)

	resp, err := responder.Respond(ch, pcrs.firmware, pcrs.config, pcrs.key, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Verify(ctx, ch.SessionID, resp))

	secrets := [][]byte{[]byte("wrapped firmware key"), []byte("second blob")}
	var results []ExportResult
	var sealed [][]byte
	for _, secret := range secrets {
		buf := append([]byte(nil), secret...)
		res, err := svc.Export(ctx, ch.SessionID, buf)
		require.NoError(t, err)
		assert.NotEqual(t, secret, buf)
		results = append(results, res)
		sealed = append(sealed, buf)
	}
	assert.Equal(t, uint64(1), results[0].Sequence)
	assert.Equal(t, uint64(2), results[1].Sequence)
	assert.Equal(t, StateExported, svc.State(ch.SessionID))

	for i := range secrets {
		buf := append([]byte(nil), sealed[i]...)
		plain, err := responder.OpenExport(buf, results[i])
		require.NoError(t, err)
		assert.Equal(t, secrets[i], plain)
	}

	// A tag replayed against another sequence number fails.
	swapped := results[0]
	swapped.Sequence = 2
	_, err = responder.OpenExport(append([]byte(nil), sealed[0]...), swapped)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestResponderRequiresChallengedSession(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Responder(uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "none", StateNone.String())
	assert.Equal(t, "exported", StateExported.String())
	assert.Equal(t, "state(9)", State(9).String())
}
