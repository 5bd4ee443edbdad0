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

// Package eventlog caches measured-boot records and replays them to
// validate PCR values.
package eventlog

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
)

const (
	DefaultMaxRecords       = 4096
	DefaultMaxEventSize     = 64 * 1024
	DefaultMaxExportPayload = 4096
)

// Options configures a Cache.
type Options struct {
	Source           Source
	Hash             HashEngine
	MaxRecords       int
	MaxEventSize     int
	MaxExportPayload int
	// Clock stamps ingested records. Defaults to time.Now.
	Clock  func() time.Time
	Logger *logging.Logger
}

// UpdateResult summarizes one Update call.
type UpdateResult struct {
	Parsed     int
	Inserted   int
	Duplicates int
	Skipped    int
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Records    int
	PerPCR     map[uint32]int
	Inserted   uint64
	Duplicates uint64
	Skipped    uint64
	Malformed  uint64
	Updates    uint64
	LastUpdate time.Time
}

// Cache holds measurement records ordered by (Timestamp, Order). All
// operations are serialized on a single mutex, which is also held while
// the hash engine runs.
type Cache struct {
	mu               sync.Mutex
	logger           *logging.Logger
	source           Source
	hash             HashEngine
	maxRecords       int
	maxEventSize     int
	maxExportPayload int
	clock            func() time.Time
	records          []Record
	// nextOrder is the Order given to the next cached record
	nextOrder uint64
	// consumed maps log ordinals seen by Update to whether they were cached
	consumed map[uint64]bool
	stats    Stats
}

// NewCache creates an empty cache.
func NewCache(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Hash == nil {
		opts.Hash = SoftwareHash{}
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.MaxEventSize <= 0 {
		opts.MaxEventSize = DefaultMaxEventSize
	}
	if opts.MaxExportPayload <= 0 {
		opts.MaxExportPayload = DefaultMaxExportPayload
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		logger:           opts.Logger,
		source:           opts.Source,
		hash:             opts.Hash,
		maxRecords:       opts.MaxRecords,
		maxEventSize:     opts.MaxEventSize,
		maxExportPayload: opts.MaxExportPayload,
		clock:            opts.Clock,
		consumed:         make(map[uint64]bool),
	}
}

// Update reads the measurement log from the source and caches every record
// not seen before. Records without a SHA-256 digest, with a PCR index out
// of range, with oversized event data or of type EV_NO_ACTION are skipped.
// A truncated or malformed record stops parsing: records cached up to that
// point are kept and ErrMalformedLog is returned. Repeated calls over the
// same log leave the cache unchanged.
func (c *Cache) Update(ctx context.Context) (result UpdateResult, err error) {
	defer metrics.Track(metrics.ComponentEventLog, metrics.OpUpdate)(&err)

	if c.source == nil {
		return result, ErrNoSource
	}
	raw, err := c.source.Read(ctx)
	if err != nil {
		c.logger.Error(err)
		return result, fmt.Errorf("%w: %w", ErrSourceFailed, err)
	}
	events, parseErr := Parse(raw)
	result.Parsed = len(events)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	c.stats.Updates++
	c.stats.LastUpdate = now

	for i := range events {
		event := &events[i]
		if cached, seen := c.consumed[event.Sequence]; seen {
			if cached {
				result.Duplicates++
			} else {
				result.Skipped++
			}
			continue
		}
		rec, ok := c.toRecord(event, now)
		if !ok {
			c.consumed[event.Sequence] = false
			c.stats.Skipped++
			result.Skipped++
			c.logger.Debugf("eventlog: skipping record %d (pcr=%d type=%s)",
				event.Sequence, event.PCRIndex, EventTypeName(event.EventType))
			continue
		}
		if len(c.records) >= c.maxRecords {
			c.sampleLocked()
			return result, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, c.maxRecords)
		}
		c.insertLocked(rec)
		c.consumed[event.Sequence] = true
		c.stats.Inserted++
		result.Inserted++
	}
	c.stats.Duplicates += uint64(result.Duplicates)
	c.sampleLocked()

	c.logger.Debug("eventlog: update complete",
		slog.Int("parsed", result.Parsed),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("skipped", result.Skipped))

	if parseErr != nil {
		c.stats.Malformed++
		c.logger.Warnf("eventlog: %v", parseErr)
		return result, parseErr
	}
	return result, nil
}

func (c *Cache) toRecord(event *LogEvent, now time.Time) (Record, bool) {
	if event.EventType == EventNoAction {
		return Record{}, false
	}
	if event.PCRIndex >= tpm2.PCRCount {
		return Record{}, false
	}
	if len(event.Data) > c.maxEventSize {
		return Record{}, false
	}
	digest, ok := event.SHA256()
	if !ok {
		return Record{}, false
	}
	rec := Record{
		PCRIndex:  event.PCRIndex,
		EventType: event.EventType,
		Data:      append([]byte(nil), event.Data...),
		Timestamp: now,
		Sequence:  event.Sequence,
	}
	copy(rec.Digest[:], digest)
	return rec, true
}

// Insert caches a single record and assigns its Order. Records sharing a
// timestamp keep their insertion order. A record whose timestamp, PCR,
// event type, sequence and digest all match a cached one is rejected with
// ErrDuplicateRecord.
func (c *Cache) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.PCRIndex >= tpm2.PCRCount {
		return ErrInvalidPCR
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(rec.Data) > c.maxEventSize {
		return fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(rec.Data))
	}
	if c.findLocked(rec) >= 0 {
		return fmt.Errorf("%w: pcr=%d sequence=%d", ErrDuplicateRecord, rec.PCRIndex, rec.Sequence)
	}
	if len(c.records) >= c.maxRecords {
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, c.maxRecords)
	}
	c.insertLocked(rec.Clone())
	c.stats.Inserted++
	c.sampleLocked()
	return nil
}

// Remove drops the cached record matching rec's timestamp, PCR, event
// type, sequence and digest. It returns ErrRecordNotFound when none does.
func (c *Cache) Remove(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.findLocked(rec)
	if i < 0 {
		return fmt.Errorf("%w: pcr=%d sequence=%d", ErrRecordNotFound, rec.PCRIndex, rec.Sequence)
	}
	c.records = append(c.records[:i], c.records[i+1:]...)
	if c.stats.Inserted > 0 {
		c.stats.Inserted--
	}
	c.sampleLocked()
	return nil
}

// findLocked returns the index of the cached record describing the same
// event as rec, or -1.
func (c *Cache) findLocked(rec Record) int {
	i := sort.Search(len(c.records), func(i int) bool {
		return !c.records[i].Timestamp.Before(rec.Timestamp)
	})
	for ; i < len(c.records) && c.records[i].Timestamp.Equal(rec.Timestamp); i++ {
		if c.records[i].sameEvent(rec) {
			return i
		}
	}
	return -1
}

// insertLocked assigns the next Order and places rec after every record
// sharing its timestamp.
func (c *Cache) insertLocked(rec Record) {
	c.nextOrder++
	rec.Order = c.nextOrder
	i := sort.Search(len(c.records), func(i int) bool {
		return rec.Before(c.records[i])
	})
	c.records = append(c.records, Record{})
	copy(c.records[i+1:], c.records[i:])
	c.records[i] = rec
}

// ValidatePCR replays the cached records of index and compares the result
// with expected. With no cached records the replayed value is all zeros.
func (c *Cache) ValidatePCR(ctx context.Context, index uint32, expected []byte) (err error) {
	defer metrics.Track(metrics.ComponentEventLog, metrics.OpValidatePCR)(&err)

	if len(expected) != tpm2.DigestSize {
		return ErrInvalidDigest
	}
	actual, err := c.Replay(ctx, index)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(actual, expected) != 1 {
		c.logger.Debugf("eventlog: pcr %d mismatch: replayed %x, expected %x", index, actual, expected)
		return fmt.Errorf("%w: pcr %d", ErrPCRMismatch, index)
	}
	return nil
}

// Replay folds running = SHA256(running || digest), seeded with 32 zero
// bytes, over the cached records of index in order.
func (c *Cache) Replay(ctx context.Context, index uint32) ([]byte, error) {
	if index >= tpm2.PCRCount {
		return nil, ErrInvalidPCR
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	running := make([]byte, tpm2.DigestSize)
	buf := make([]byte, 2*tpm2.DigestSize)
	for _, rec := range c.records {
		if rec.PCRIndex != index {
			continue
		}
		copy(buf, running)
		copy(buf[tpm2.DigestSize:], rec.Digest[:])
		next, err := c.hash.Sum(ctx, buf)
		if err != nil {
			c.logger.Error(err)
			return nil, fmt.Errorf("%w: %w", ErrHashEngine, err)
		}
		if len(next) != tpm2.DigestSize {
			return nil, fmt.Errorf("%w: digest of %d bytes", ErrHashEngine, len(next))
		}
		running = next
	}
	return running, nil
}

// Export returns copies of up to count records starting at position start.
// Payloads larger than the export limit are returned empty.
func (c *Cache) Export(start, count int) []Record {
	defer metrics.Track(metrics.ComponentEventLog, metrics.OpExport)(nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	if start < 0 {
		start = 0
	}
	if count <= 0 || start >= len(c.records) {
		return nil
	}
	end := start + count
	if end > len(c.records) || end < start {
		end = len(c.records)
	}
	out := make([]Record, 0, end-start)
	for _, rec := range c.records[start:end] {
		if len(rec.Data) > c.maxExportPayload {
			rec.Data = nil
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Records = len(c.records)
	stats.PerPCR = c.perPCRLocked()
	return stats
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Reset drops every record and counter.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.consumed = make(map[uint64]bool)
	c.stats = Stats{}
	c.sampleLocked()
}

// Sample publishes the per-PCR record gauges.
func (c *Cache) Sample() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampleLocked()
}

func (c *Cache) perPCRLocked() map[uint32]int {
	perPCR := make(map[uint32]int)
	for _, rec := range c.records {
		perPCR[rec.PCRIndex]++
	}
	return perPCR
}

func (c *Cache) sampleLocked() {
	perPCR := c.perPCRLocked()
	for pcr := uint32(0); pcr < tpm2.PCRCount; pcr++ {
		metrics.SetEventLogRecords(strconv.FormatUint(uint64(pcr), 10), perPCR[pcr])
	}
}
