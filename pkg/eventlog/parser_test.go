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

package eventlog

import (
	"bytes"
	"crypto/sha1" // #nosec G505 -- SHA-1 digests appear in measurement logs
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Of(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func testEvent(pcr uint32, data string) LogEvent {
	// #nosec G401 -- SHA-1 digests appear in measurement logs
	s1 := sha1.Sum([]byte(data))
	return LogEvent{
		PCRIndex:  pcr,
		EventType: EventAction,
		Digests: []Digest{
			{Algorithm: AlgSHA1, Value: s1[:]},
			{Algorithm: AlgSHA256, Value: sha256Of(data)},
		},
		Data: []byte(data),
	}
}

func TestParseRoundTrip(t *testing.T) {
	events := []LogEvent{
		testEvent(0, "bootloader"),
		testEvent(1, "config"),
		testEvent(8, "key manifest"),
	}
	parsed, err := Parse(Encode(events))
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	for i, e := range parsed {
		assert.EqualValues(t, i, e.Sequence)
		assert.Equal(t, events[i].PCRIndex, e.PCRIndex)
		assert.Equal(t, events[i].Data, e.Data)
		digest, ok := e.SHA256()
		require.True(t, ok)
		assert.Equal(t, sha256Of(string(events[i].Data)), digest)
	}
}

func TestParseLegacySpecIDEvent(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	_ = binary.Write(&buf, binary.LittleEndian, EventNoAction)
	buf.Write(make([]byte, 20))
	specID := append([]byte(specIDSignature), 0x00)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(specID)))
	buf.Write(specID)
	buf.Write(Encode([]LogEvent{testEvent(7, "secure boot")}))

	parsed, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	assert.Equal(t, EventNoAction, parsed[0].EventType)
	assert.Equal(t, AlgSHA1, parsed[0].Digests[0].Algorithm)
	_, ok := parsed[0].SHA256()
	assert.False(t, ok)

	assert.EqualValues(t, 1, parsed[1].Sequence)
	assert.EqualValues(t, 7, parsed[1].PCRIndex)
}

func TestParseTruncatedTail(t *testing.T) {
	raw := Encode([]LogEvent{testEvent(0, "first"), testEvent(0, "second")})

	parsed, err := Parse(raw[:len(raw)-3])
	assert.ErrorIs(t, err, ErrMalformedLog)
	require.Len(t, parsed, 1)
	assert.Equal(t, []byte("first"), parsed[0].Data)
}

func TestParseOversizedEventSize(t *testing.T) {
	raw := Encode([]LogEvent{testEvent(0, "first")})
	// Corrupt the event size field to claim more data than remains.
	binary.LittleEndian.PutUint32(raw[len(raw)-len("first")-4:], 0xffffff)

	parsed, err := Parse(raw)
	assert.ErrorIs(t, err, ErrMalformedLog)
	assert.Empty(t, parsed)
}

func TestParseUnknownAlgorithm(t *testing.T) {
	vendor := LogEvent{
		PCRIndex:  2,
		EventType: EventAction,
		Digests: []Digest{
			{Algorithm: 0x2001, Value: make([]byte, 32)},
			{Algorithm: AlgSHA256, Value: sha256Of("option rom")},
		},
		Data: []byte("option rom"),
	}
	raw := Encode([]LogEvent{vendor})

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "unknown_0x2001", AlgorithmName(parsed[0].Digests[0].Algorithm))

	_, err = ParseWithOptions(raw, ParseOptions{SkipUnknownAlgorithms: false})
	assert.ErrorIs(t, err, ErrMalformedLog)

	reserved := vendor
	reserved.Digests = []Digest{{Algorithm: 0x0100, Value: make([]byte, 32)}}
	_, err = Parse(Encode([]LogEvent{reserved}))
	assert.ErrorIs(t, err, ErrMalformedLog)
}

func TestEventTypeName(t *testing.T) {
	assert.Equal(t, "EV_SEPARATOR", EventTypeName(EventSeparator))
	assert.Equal(t, "Unknown (0x1234)", EventTypeName(0x1234))
	assert.Equal(t, 48, DigestSize(AlgSHA384))
	assert.Equal(t, 0, DigestSize(0x0100))
}
