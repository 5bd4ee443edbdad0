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
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration
	globalConfig *Config

	// settings merges flags with FWTRUST_* environment variables
	settings = viper.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fwtrust",
	Short: "fwtrust - firmware trust and attestation tool",
	Long: `fwtrust drives the firmware trust subsystem: measured-boot event log
replay, TPM policy digests and quotes, rollback protection, secure boot
image verification, protected key custody and remote attestation.

Hardware roots:
  - device:    a TPM 2.0 character device or swtpm socket
  - simulator: the embedded TPM 2.0 reference simulator
  - software:  an in-process software root (state is lost on exit)`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return globalConfig.bind(settings)
	},
}

// Execute runs the root command and prints any error
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		printer := NewPrinter(globalConfig.OutputFormat, os.Stderr)
		_ = printer.PrintError(err) // Error printing to stderr is best-effort
	}
	return err
}

func init() {
	// Initialize global config
	globalConfig = NewConfig()

	settings.SetEnvPrefix("FWTRUST")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	// Persistent flags (available to all commands)
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (env FWTRUST_CONFIG)")
	flags.StringP("output", "o", "text", "output format (text, json, table)")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.String("tpm-mode", "", "hardware root (device, simulator, software)")
	flags.String("tpm-device", "", "TPM device path or swtpm socket")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	if err := settings.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("cli: binding flags: %v", err))
	}

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(eventlogCmd)
	rootCmd.AddCommand(pcrCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(secureBootCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(attestCmd)
	rootCmd.AddCommand(metricsCmd)
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// printer returns a Printer writing to the command's output
func printer(cmd *cobra.Command) *Printer {
	return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout())
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(cmd *cobra.Command, format string, args ...interface{}) {
	if globalConfig.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}
