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
	"encoding/binary"
	"fmt"
	"io"
)

// TPM algorithm IDs as defined in the TCG algorithm registry
const (
	AlgSHA1      uint16 = 0x0004
	AlgSHA256    uint16 = 0x000B
	AlgSHA384    uint16 = 0x000C
	AlgSHA512    uint16 = 0x000D
	AlgSM3256    uint16 = 0x0012
	AlgSM3256Alt uint16 = 0x2000
)

// Event types referenced by the cache
const (
	EventPostCode  uint32 = 0x00000001
	EventNoAction  uint32 = 0x00000003
	EventSeparator uint32 = 0x00000004
	EventAction    uint32 = 0x00000005
)

const (
	// legacy SHA-1 header of the Spec ID event that starts a crypto-agile log
	legacyHeaderSize = 4 + 4 + 20 + 4
	specIDSignature  = "Spec ID Event03"
)

// Digest is a single algorithm digest of an event.
type Digest struct {
	Algorithm uint16
	Value     []byte
}

// LogEvent is a parsed measurement log record.
type LogEvent struct {
	// Sequence is the zero-based ordinal of the record inside the log.
	Sequence  uint64
	PCRIndex  uint32
	EventType uint32
	Digests   []Digest
	Data      []byte
}

// SHA256 returns the SHA-256 digest of the event, if present.
func (e *LogEvent) SHA256() ([]byte, bool) {
	for _, d := range e.Digests {
		if d.Algorithm == AlgSHA256 && len(d.Value) == 32 {
			return d.Value, true
		}
	}
	return nil, false
}

// ParseOptions configures log parsing.
type ParseOptions struct {
	// SkipUnknownAlgorithms keeps parsing past digests with unregistered
	// vendor algorithm IDs, assuming a 32-byte digest.
	SkipUnknownAlgorithms bool
}

// DefaultParseOptions returns the default parse options.
func DefaultParseOptions() ParseOptions {
	return ParseOptions{
		SkipUnknownAlgorithms: true,
	}
}

// Parse parses a crypto-agile measurement log with the default options.
func Parse(raw []byte) ([]LogEvent, error) {
	return ParseWithOptions(raw, DefaultParseOptions())
}

// ParseWithOptions parses raw as a sequence of little-endian crypto-agile
// records. A leading legacy Spec ID event is recognised and returned with
// its SHA-1 digest. When a record is truncated or structurally malformed,
// the events parsed before it are returned together with ErrMalformedLog.
func ParseWithOptions(raw []byte, opts ParseOptions) ([]LogEvent, error) {
	r := bytes.NewReader(raw)
	var events []LogEvent
	var seq uint64

	if isLegacySpecID(raw) {
		e, err := readLegacyEvent(r)
		if err != nil {
			return events, fmt.Errorf("%w: record %d: %w", ErrMalformedLog, seq, err)
		}
		events = append(events, e)
		seq++
	}

	for r.Len() > 0 {
		e, err := readEvent(r, opts)
		if err != nil {
			return events, fmt.Errorf("%w: record %d: %w", ErrMalformedLog, seq, err)
		}
		e.Sequence = seq
		events = append(events, e)
		seq++
	}
	return events, nil
}

func isLegacySpecID(raw []byte) bool {
	if len(raw) < legacyHeaderSize+len(specIDSignature) {
		return false
	}
	if binary.LittleEndian.Uint32(raw[4:8]) != EventNoAction {
		return false
	}
	return string(raw[legacyHeaderSize:legacyHeaderSize+len(specIDSignature)]) == specIDSignature
}

func readLegacyEvent(r *bytes.Reader) (LogEvent, error) {
	var e LogEvent
	if err := binary.Read(r, binary.LittleEndian, &e.PCRIndex); err != nil {
		return e, fmt.Errorf("reading PCR index: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &e.EventType); err != nil {
		return e, fmt.Errorf("reading event type: %w", err)
	}
	digest := make([]byte, 20)
	if _, err := io.ReadFull(r, digest); err != nil {
		return e, fmt.Errorf("reading digest: %w", err)
	}
	e.Digests = []Digest{{Algorithm: AlgSHA1, Value: digest}}
	data, err := readEventData(r)
	if err != nil {
		return e, err
	}
	e.Data = data
	return e, nil
}

func readEvent(r *bytes.Reader, opts ParseOptions) (LogEvent, error) {
	var e LogEvent
	if err := binary.Read(r, binary.LittleEndian, &e.PCRIndex); err != nil {
		return e, fmt.Errorf("reading PCR index: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &e.EventType); err != nil {
		return e, fmt.Errorf("reading event type: %w", err)
	}
	var digestCount uint32
	if err := binary.Read(r, binary.LittleEndian, &digestCount); err != nil {
		return e, fmt.Errorf("reading digest count: %w", err)
	}
	// Each digest needs at least its algorithm ID.
	if int64(digestCount)*2 > int64(r.Len()) {
		return e, fmt.Errorf("digest count %d exceeds remaining log", digestCount)
	}

	for i := uint32(0); i < digestCount; i++ {
		var algID uint16
		if err := binary.Read(r, binary.LittleEndian, &algID); err != nil {
			return e, fmt.Errorf("reading digest algorithm ID: %w", err)
		}
		size := DigestSize(algID)
		if size == 0 {
			if !opts.SkipUnknownAlgorithms {
				return e, fmt.Errorf("unknown algorithm ID: 0x%04x", algID)
			}
			size = estimateDigestSize(algID)
			if size == 0 {
				return e, fmt.Errorf("unknown algorithm ID: 0x%04x (cannot determine digest size)", algID)
			}
		}
		value := make([]byte, size)
		if _, err := io.ReadFull(r, value); err != nil {
			return e, fmt.Errorf("reading %s digest: %w", AlgorithmName(algID), err)
		}
		e.Digests = append(e.Digests, Digest{Algorithm: algID, Value: value})
	}

	data, err := readEventData(r)
	if err != nil {
		return e, err
	}
	e.Data = data
	return e, nil
}

func readEventData(r *bytes.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("reading event size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("event size %d exceeds remaining log (%d bytes)", size, r.Len())
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading event data: %w", err)
	}
	return data, nil
}

// Encode serializes events in crypto-agile format. Sequence numbers are
// not encoded; they are implied by position.
func Encode(events []LogEvent) []byte {
	var buf bytes.Buffer
	for _, e := range events {
		_ = binary.Write(&buf, binary.LittleEndian, e.PCRIndex)
		_ = binary.Write(&buf, binary.LittleEndian, e.EventType)
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(e.Digests)))
		for _, d := range e.Digests {
			_ = binary.Write(&buf, binary.LittleEndian, d.Algorithm)
			buf.Write(d.Value)
		}
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(e.Data)))
		buf.Write(e.Data)
	}
	return buf.Bytes()
}

// estimateDigestSize guesses the digest size of vendor algorithm IDs.
// IDs at or above 0x2000 are treated as SHA-256 sized.
func estimateDigestSize(algID uint16) int {
	if algID >= 0x2000 {
		return 32
	}
	return 0
}

// DigestSize returns the digest size of a registered algorithm, or zero.
func DigestSize(algID uint16) int {
	switch algID {
	case AlgSHA1:
		return 20
	case AlgSHA256:
		return 32
	case AlgSHA384:
		return 48
	case AlgSHA512:
		return 64
	case AlgSM3256, AlgSM3256Alt:
		return 32
	default:
		return 0
	}
}

// AlgorithmName returns a short name for an algorithm ID.
func AlgorithmName(algID uint16) string {
	switch algID {
	case AlgSHA1:
		return "sha1"
	case AlgSHA256:
		return "sha256"
	case AlgSHA384:
		return "sha384"
	case AlgSHA512:
		return "sha512"
	case AlgSM3256, AlgSM3256Alt:
		return "sm3_256"
	default:
		return fmt.Sprintf("unknown_0x%04x", algID)
	}
}

// EventTypeName translates an event type to its TCG name.
func EventTypeName(eventType uint32) string {
	switch eventType {
	case 0x00000000:
		return "EV_UNDEFINED"
	case 0x00000001:
		return "EV_POST_CODE"
	case 0x00000002:
		return "EV_UNUSED"
	case 0x00000003:
		return "EV_NO_ACTION"
	case 0x00000004:
		return "EV_SEPARATOR"
	case 0x00000005:
		return "EV_ACTION"
	case 0x00000008:
		return "EV_S_CRTM_VERSION"
	case 0x0000000D:
		return "EV_IPL"
	case 0x80000001:
		return "EV_EFI_VARIABLE_DRIVER_CONFIG"
	case 0x80000002:
		return "EV_EFI_VARIABLE_BOOT"
	case 0x80000003:
		return "EV_EFI_BOOT_SERVICES_APPLICATION"
	case 0x80000007:
		return "EV_EFI_ACTION"
	case 0x800000E0:
		return "EV_EFI_VARIABLE_AUTHORITY"
	default:
		return fmt.Sprintf("Unknown (0x%x)", eventType)
	}
}
