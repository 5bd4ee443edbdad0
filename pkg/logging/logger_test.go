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

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("fatal"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Format: "json", Output: &buf})

	logger.With("component", "eventlog").Info("records cached", "count", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "records cached", record["msg"])
	assert.Equal(t, "eventlog", record["component"])
	assert.EqualValues(t, 3, record["count"])
}

func TestDebugSuppressed(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Output: &buf})

	logger.Debug("hidden")
	logger.Debugf("hidden %d", 1)
	assert.False(t, logger.IsDebug())
	assert.Empty(t, buf.String())

	logger.MaybeError(nil)
	assert.Empty(t, buf.String())

	logger.MaybeError(errors.New("nv read failed"))
	assert.Contains(t, buf.String(), "nv read failed")
}

func TestDebugEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Output: &buf})

	logger.Debugf("pcr %d", 7)
	assert.True(t, logger.IsDebug())
	assert.Contains(t, buf.String(), "pcr 7")
}
