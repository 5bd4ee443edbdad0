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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/tpm2"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

var pcrExtendData string

// pcrCmd represents the pcr command
var pcrCmd = &cobra.Command{
	Use:   "pcr",
	Short: "Read and extend platform configuration registers",
}

// pcrReadCmd reads PCR values
var pcrReadCmd = &cobra.Command{
	Use:   "read [pcr...]",
	Short: "Read SHA-256 PCR values",
	Long:  `Read SHA-256 bank PCR values. Without arguments the policy PCRs are read.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pcrs, err := parsePCRs(args)
		if err != nil {
			return err
		}
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, cfg *config.Config) error {
			if len(pcrs) == 0 {
				pcrs = cfg.Policy.PCRs()
			}
			values, err := s.TPM().PCRRead(ctx, pcrs)
			if err != nil {
				return err
			}
			return printer(cmd).PrintPCRs(pcrs, values)
		})
	},
}

// pcrExtendCmd extends a PCR
var pcrExtendCmd = &cobra.Command{
	Use:   "extend <pcr> [sha256-hex]",
	Short: "Extend a PCR with a SHA-256 digest",
	Long: `Extend a PCR with a hex SHA-256 digest, or with the digest of --data.
PCR state only persists on device and simulator roots.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pcrs, err := parsePCRs(args[:1])
		if err != nil {
			return err
		}
		var digest []byte
		switch {
		case len(args) == 2:
			if digest, err = hex.DecodeString(args[1]); err != nil {
				return fmt.Errorf("invalid digest: %w", err)
			}
		case pcrExtendData != "":
			sum := sha256.Sum256([]byte(pcrExtendData))
			digest = sum[:]
		default:
			return fmt.Errorf("a digest or --data is required")
		}
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			if err := s.TPM().PCRExtend(ctx, pcrs[0], digest); err != nil {
				return err
			}
			values, err := s.TPM().PCRRead(ctx, pcrs)
			if err != nil {
				return err
			}
			return printer(cmd).PrintPCRs(pcrs, values)
		})
	},
}

// parsePCRs parses decimal PCR indices
func parsePCRs(args []string) ([]uint, error) {
	pcrs := make([]uint, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid PCR %q: %w", arg, err)
		}
		pcrs = append(pcrs, uint(n))
	}
	if len(pcrs) > 0 {
		if err := tpm2.ValidatePCRs(pcrs); err != nil {
			return nil, err
		}
	}
	return pcrs, nil
}

func init() {
	pcrExtendCmd.Flags().StringVar(&pcrExtendData, "data", "", "measure this string instead of a digest")

	pcrCmd.AddCommand(pcrReadCmd)
	pcrCmd.AddCommand(pcrExtendCmd)
}
