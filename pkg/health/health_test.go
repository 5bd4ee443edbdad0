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

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name    string
		results []CheckResult
		want    Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []CheckResult{{Status: StatusHealthy}, {Status: StatusHealthy}}, StatusHealthy},
		{"degraded", []CheckResult{{Status: StatusHealthy}, {Status: StatusDegraded}}, StatusDegraded},
		{"unhealthy wins", []CheckResult{{Status: StatusDegraded}, {Status: StatusUnhealthy}}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateStatus(tt.results))
		})
	}
}

func TestReadyRunsChecksInOrder(t *testing.T) {
	c := NewChecker(0)
	c.RegisterCheck("tpm", func(ctx context.Context) CheckResult {
		return Healthy("", "pcr bank readable")
	})
	c.RegisterCheck("eventlog", func(ctx context.Context) CheckResult {
		return Degraded("eventlog", errors.New("pcr 8 mismatch"))
	})
	c.RegisterCheck("ignored", nil)

	results := c.Ready(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "eventlog", results[0].Name)
	assert.Equal(t, "pcr 8 mismatch", results[0].Error)
	assert.Equal(t, "tpm", results[1].Name)
	assert.Equal(t, StatusDegraded, AggregateStatus(results))
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker(10 * time.Millisecond)
	c.RegisterCheck("rollback", func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return Unhealthy("rollback", ctx.Err())
	})

	results := c.Ready(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StatusUnhealthy, results[0].Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), results[0].Error)
}

func TestStartup(t *testing.T) {
	c := NewChecker(0)
	assert.Equal(t, StatusUnhealthy, c.Startup(context.Background()).Status)

	c.MarkStarted()
	assert.Equal(t, StatusHealthy, c.Startup(context.Background()).Status)
}

func TestHandlers(t *testing.T) {
	c := NewChecker(0)
	failing := false
	c.RegisterCheck("tpm", func(ctx context.Context) CheckResult {
		if failing {
			return Unhealthy("tpm", errors.New("device not responding"))
		}
		return Healthy("tpm", "")
	})

	get := func(h http.HandlerFunc) (int, Response) {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		var resp Response
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return rec.Code, resp
	}

	code, resp := get(c.LiveHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, resp.Status)

	code, _ = get(c.StartupHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, resp = get(c.ReadyHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Checks, 1)

	failing = true
	code, resp = get(c.ReadyHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}
