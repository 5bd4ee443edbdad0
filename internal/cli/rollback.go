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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

// rollbackCmd represents the rollback command
var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Manage the firmware rollback counter",
}

var rollbackInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Define the NV counter if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			if err := s.Rollback().Init(ctx); err != nil {
				return err
			}
			return printRollbackVersion(ctx, cmd, s)
		})
	},
}

var rollbackGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the installed firmware version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			return printRollbackVersion(ctx, cmd, s)
		})
	},
}

var rollbackIncrementCmd = &cobra.Command{
	Use:   "increment",
	Short: "Advance the counter by one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			if _, err := s.Rollback().Increment(ctx); err != nil {
				return err
			}
			return printRollbackVersion(ctx, cmd, s)
		})
	},
}

var rollbackCommitCmd = &cobra.Command{
	Use:   "commit <version>",
	Short: "Advance the counter to an installed version and lock it",
	Long: `Advance the counter to the installed firmware version, then write-lock
it until the next TPM restart. The counter is defined first if needed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			if err := s.Rollback().Init(ctx); err != nil {
				return err
			}
			if _, err := s.CommitFirmware(ctx, version); err != nil {
				return err
			}
			return printRollbackVersion(ctx, cmd, s)
		})
	},
}

var rollbackVerifyCmd = &cobra.Command{
	Use:   "verify <version>",
	Short: "Check a candidate version against the counter",
	Long:  `Exit with an error if the candidate version is older than the installed version.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		candidate, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			if err := s.CheckFirmwareVersion(ctx, candidate); err != nil {
				return err
			}
			return printer(cmd).PrintSuccess(fmt.Sprintf("version %d accepted", candidate))
		})
	},
}

func printRollbackVersion(ctx context.Context, cmd *cobra.Command, s *trust.Subsystem) error {
	version, err := s.Rollback().Version(ctx)
	if err != nil {
		return err
	}
	locked, err := s.Rollback().Locked(ctx)
	if err != nil {
		return err
	}
	return printer(cmd).PrintFields(map[string]interface{}{
		"nv_index": fmt.Sprintf("0x%08x", s.Rollback().Index()),
		"version":  version,
		"locked":   locked,
	})
}

func init() {
	rollbackCmd.AddCommand(rollbackInitCmd)
	rollbackCmd.AddCommand(rollbackGetCmd)
	rollbackCmd.AddCommand(rollbackIncrementCmd)
	rollbackCmd.AddCommand(rollbackCommitCmd)
	rollbackCmd.AddCommand(rollbackVerifyCmd)
}
