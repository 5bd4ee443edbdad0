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

package cli

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

// attestCmd represents the attest command
var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Remote attestation",
}

var attestSelfTestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run a full challenge, verify and export round trip against this platform",
	Long: `Initialize the subsystem, ingest the measurement log and attest the live
PCR values through a challenge/response session. The test passes only when
the measurement log replays to the hardware PCRs and a quote over the
policy PCRs verifies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			if err := s.Init(ctx); err != nil {
				return err
			}
			report, err := s.SelfTest(ctx)
			if err != nil {
				return err
			}
			fields := map[string]interface{}{
				"session":        report.SessionID.String(),
				"records":        report.Records,
				"quote_verified": report.QuoteVerified,
				"export_seq":     report.ExportSeq,
				"duration":       report.Duration.String(),
			}
			for pcr, value := range report.PCRs {
				fields[fmt.Sprintf("pcr%02d", pcr)] = hex.EncodeToString(value)
			}
			return printer(cmd).PrintFields(fields)
		})
	},
}

func init() {
	attestCmd.AddCommand(attestSelfTestCmd)
}
