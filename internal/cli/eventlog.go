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

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/eventlog"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

var (
	eventlogSkipUnknown bool
	eventlogPCRs        []uint
)

// eventlogCmd represents the eventlog command
var eventlogCmd = &cobra.Command{
	Use:   "eventlog",
	Short: "Inspect the measured-boot event log",
}

// eventlogParseCmd parses a binary measurement log
var eventlogParseCmd = &cobra.Command{
	Use:   "parse [file]",
	Short: "Parse a binary measurement log",
	Long: `Parse a TCG crypto-agile binary measurement log and print its events.
Without a file the configured log path is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := logPath(args)
		if err != nil {
			return err
		}
		raw, err := afero.ReadFile(appFs, path)
		if err != nil {
			return fmt.Errorf("failed to read measurement log: %w", err)
		}
		events, parseErr := eventlog.ParseWithOptions(raw, eventlog.ParseOptions{
			SkipUnknownAlgorithms: eventlogSkipUnknown,
		})
		if err := printer(cmd).PrintEvents(events); err != nil {
			return err
		}
		return parseErr
	},
}

// eventlogReplayCmd replays the log and compares it with the live PCRs
var eventlogReplayCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "Replay the measurement log against the live PCRs",
	Long: `Ingest the measurement log into the cache, replay the selected PCRs and
validate each replayed value against the hardware root.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			getConfig().EventLogPath = args[0]
		}
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, cfg *config.Config) error {
			result, err := s.EventLog().Update(ctx)
			if err != nil {
				return err
			}
			printVerbose(cmd, "parsed %d events, cached %d", result.Parsed, result.Inserted)

			pcrs := eventlogPCRs
			if len(pcrs) == 0 {
				pcrs = cfg.Policy.PCRs()
			}
			live, err := s.TPM().PCRRead(ctx, pcrs)
			if err != nil {
				return err
			}
			fields := make(map[string]interface{}, len(pcrs))
			var failed error
			for i, pcr := range pcrs {
				replayed, err := s.EventLog().Replay(ctx, uint32(pcr))
				if err != nil {
					return err
				}
				state := "ok"
				if err := s.EventLog().ValidatePCR(ctx, uint32(pcr), live[i]); err != nil {
					state = "mismatch"
					failed = err
				}
				fields[fmt.Sprintf("pcr%02d", pcr)] = fmt.Sprintf("%x %s", replayed, state)
			}
			if err := printer(cmd).PrintFields(fields); err != nil {
				return err
			}
			return failed
		})
	},
}

func logPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := getConfig().Load()
	if err != nil {
		return "", err
	}
	return cfg.EventLog.Path, nil
}

func init() {
	eventlogParseCmd.Flags().BoolVar(&eventlogSkipUnknown, "skip-unknown", false,
		"continue past digests with unregistered algorithm IDs")
	eventlogReplayCmd.Flags().UintSliceVar(&eventlogPCRs, "pcrs", nil,
		"PCRs to replay (default: policy PCRs)")

	eventlogCmd.AddCommand(eventlogParseCmd)
	eventlogCmd.AddCommand(eventlogReplayCmd)
}
