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

// Package metrics provides Prometheus instrumentation for the firmware trust
// components. Every component records its operations through RecordOperation
// using the status code of the outcome as the status label.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jeremyhahn/go-fwtrust/pkg/status"
)

const (
	// Namespace is the Prometheus namespace for all firmware trust metrics
	Namespace = "fwtrust"

	// Label names
	LabelComponent = "component"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelPCR       = "pcr"

	// Component names
	ComponentKeyStore    = "keystore"
	ComponentEventLog    = "eventlog"
	ComponentPolicy      = "policy"
	ComponentAttestation = "attestation"
	ComponentRollback    = "rollback"
	ComponentSecureBoot  = "secureboot"
	ComponentTPM         = "tpm"

	// Operation names
	OpAdd         = "add"
	OpRemove      = "remove"
	OpRevoke      = "revoke"
	OpRotate      = "rotate"
	OpUpdate      = "update"
	OpValidatePCR = "validate_pcr"
	OpDigest      = "policy_digest"
	OpQuote       = "quote"
	OpChallenge   = "challenge"
	OpVerify      = "verify"
	OpExport      = "export"
	OpIncrement   = "increment"
	OpLock        = "lock"
	OpCommand     = "command"
)

var (
	// OperationsTotal counts operations by component, operation and status code.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of firmware trust operations by component, operation, and status",
		},
		[]string{LabelComponent, LabelOperation, LabelStatus},
	)

	// OperationDuration tracks operation latency in seconds. Buckets cover
	// both in-memory bookkeeping and slow TPM commands.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of firmware trust operations in seconds",
			Buckets:   []float64{.0001, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelComponent, LabelOperation},
	)

	// AttestationSessions is the number of live attestation sessions.
	AttestationSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "attestation_sessions",
			Help:      "Number of live attestation sessions",
		},
	)

	// EventLogRecords is the number of cached measurement records per PCR.
	EventLogRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "eventlog_records",
			Help:      "Number of cached measurement records per PCR",
		},
		[]string{LabelPCR},
	)

	// KeysTotal is the number of key records held by the key store.
	KeysTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "keys_total",
			Help:      "Number of key records held by the key store",
		},
	)

	// FirmwareVersion is the last version read from the rollback counter.
	FirmwareVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rollback_version",
			Help:      "Last firmware version read from the rollback counter",
		},
	)

	// PolicyCacheHits counts policy digest requests served from the cache.
	PolicyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "policy_cache_hits_total",
			Help:      "Total number of policy digests served from the cache",
		},
	)

	// Goroutines tracks the current number of goroutines.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records an operation with its duration. The status label
// is the status code of err.
//
// Example:
//
//	start := time.Now()
//	err := cache.ValidatePCR(ctx, 0, expected)
//	metrics.RecordOperation(metrics.ComponentEventLog, metrics.OpValidatePCR, err, time.Since(start))
func RecordOperation(component, operation string, err error, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(component, operation, status.CodeOf(err).String()).Inc()
	OperationDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// Track returns a function that records the operation when called with the
// final error. Intended for use with defer and a named error result.
//
//	defer metrics.Track(metrics.ComponentRollback, metrics.OpIncrement)(&err)
func Track(component, operation string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		RecordOperation(component, operation, err, time.Since(start))
	}
}

// SetAttestationSessions sets the live session gauge.
func SetAttestationSessions(n int) {
	if !enabled.Load() {
		return
	}
	AttestationSessions.Set(float64(n))
}

// SetEventLogRecords sets the cached record gauge for a PCR.
func SetEventLogRecords(pcr string, n int) {
	if !enabled.Load() {
		return
	}
	EventLogRecords.WithLabelValues(pcr).Set(float64(n))
}

// SetKeysTotal sets the key record gauge.
func SetKeysTotal(n int) {
	if !enabled.Load() {
		return
	}
	KeysTotal.Set(float64(n))
}

// SetFirmwareVersion sets the rollback version gauge.
func SetFirmwareVersion(v uint64) {
	if !enabled.Load() {
		return
	}
	FirmwareVersion.Set(float64(v))
}

// IncPolicyCacheHits increments the policy cache hit counter.
func IncPolicyCacheHits() {
	if !enabled.Load() {
		return
	}
	PolicyCacheHits.Inc()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
