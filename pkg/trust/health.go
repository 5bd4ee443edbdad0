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
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-fwtrust/pkg/health"
	"github.com/jeremyhahn/go-fwtrust/pkg/rollback"
)

// Readiness check names.
const (
	CheckTPM         = "tpm"
	CheckEventLog    = "eventlog"
	CheckRollback    = "rollback"
	CheckAttestation = "attestation"
)

// RegisterHealthChecks registers one readiness check per component with c.
//
// The event log check is degraded, not unhealthy, when the replayed log
// disagrees with the live PCRs: the platform still answers but attestation
// against it will fail.
func (s *Subsystem) RegisterHealthChecks(c *health.Checker) {
	c.RegisterCheck(CheckTPM, s.checkTPM)
	c.RegisterCheck(CheckEventLog, s.checkEventLog)
	c.RegisterCheck(CheckRollback, s.checkRollback)
	c.RegisterCheck(CheckAttestation, s.checkAttestation)
}

func (s *Subsystem) checkTPM(ctx context.Context) health.CheckResult {
	if s.closed.Load() {
		return health.Unhealthy(CheckTPM, ErrAlreadyClosed)
	}
	if _, err := s.tpm.PCRRead(ctx, []uint{uint(s.firmwarePCR)}); err != nil {
		return health.Unhealthy(CheckTPM, err)
	}
	return health.Healthy(CheckTPM, "pcr bank readable")
}

func (s *Subsystem) checkEventLog(ctx context.Context) health.CheckResult {
	pcrs := []uint32{s.firmwarePCR, s.configPCR, s.keyPCR}
	indices := make([]uint, len(pcrs))
	for i, pcr := range pcrs {
		indices[i] = uint(pcr)
	}
	live, err := s.tpm.PCRRead(ctx, indices)
	if err != nil {
		return health.Unhealthy(CheckEventLog, err)
	}
	for i, pcr := range pcrs {
		if err := s.events.ValidatePCR(ctx, pcr, live[i]); err != nil {
			return health.Degraded(CheckEventLog, err)
		}
	}
	return health.Healthy(CheckEventLog, fmt.Sprintf("%d records replay to live pcrs", s.events.Len()))
}

func (s *Subsystem) checkRollback(ctx context.Context) health.CheckResult {
	version, err := s.counter.Version(ctx)
	switch {
	case errors.Is(err, rollback.ErrNotInitialized):
		return health.Degraded(CheckRollback, err)
	case err != nil:
		return health.Unhealthy(CheckRollback, err)
	}
	return health.Healthy(CheckRollback, fmt.Sprintf("version %d", version))
}

func (s *Subsystem) checkAttestation(ctx context.Context) health.CheckResult {
	live, capacity := s.sessions.Sessions(), s.sessions.Capacity()
	if live >= capacity {
		return health.Degraded(CheckAttestation,
			fmt.Errorf("session table full (%d/%d)", live, capacity))
	}
	return health.Healthy(CheckAttestation, fmt.Sprintf("%d/%d sessions", live, capacity))
}
