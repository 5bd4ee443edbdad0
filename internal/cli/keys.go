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
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/keystore"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

var (
	keyID      uint32
	keyType    string
	keyFlags   string
	keyFile    string
	keyVersion string
	keyTTL     time.Duration
)

// keysCmd represents the keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage firmware key records",
	Long: `Manage key records. Hardware-stored keys are sealed to the current
policy digest; with disk storage they are restored on every invocation.`,
}

var keysAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a key record",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := keyRecordFromFlags()
		if err != nil {
			return err
		}
		return withKeys(cmd, func(ctx context.Context, s *trust.Subsystem) error {
			if err := s.Keys().Add(ctx, rec); err != nil {
				return err
			}
			return printer(cmd).PrintSuccess(fmt.Sprintf("key %d added", rec.ID))
		})
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate <old-id>",
	Short: "Replace a key: add the new record, then revoke the old one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oldID, err := parseKeyID(args[0])
		if err != nil {
			return err
		}
		rec, err := keyRecordFromFlags()
		if err != nil {
			return err
		}
		return withKeys(cmd, func(ctx context.Context, s *trust.Subsystem) error {
			if err := s.Keys().Rotate(ctx, oldID, rec); err != nil {
				return err
			}
			return printer(cmd).PrintSuccess(fmt.Sprintf("key %d rotated to %d", oldID, rec.ID))
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List key records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeys(cmd, func(ctx context.Context, s *trust.Subsystem) error {
			keys, err := s.Keys().List(ctx)
			if err != nil {
				return err
			}
			return printer(cmd).PrintKeyList(keys)
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a key and invalidate its protected copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseKeyID(args[0])
		if err != nil {
			return err
		}
		return withKeys(cmd, func(ctx context.Context, s *trust.Subsystem) error {
			if err := s.Keys().Revoke(ctx, id); err != nil {
				return err
			}
			return printer(cmd).PrintSuccess(fmt.Sprintf("key %d revoked", id))
		})
	},
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a key record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseKeyID(args[0])
		if err != nil {
			return err
		}
		return withKeys(cmd, func(ctx context.Context, s *trust.Subsystem) error {
			if err := s.Keys().Remove(ctx, id); err != nil {
				return err
			}
			return printer(cmd).PrintSuccess(fmt.Sprintf("key %d removed", id))
		})
	},
}

// withKeys runs fn after restoring protected keys
func withKeys(cmd *cobra.Command, fn func(ctx context.Context, s *trust.Subsystem) error) error {
	return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
		restored, err := s.Keys().Restore(ctx)
		if err != nil {
			return err
		}
		printVerbose(cmd, "restored %d protected keys", restored)
		return fn(ctx, s)
	})
}

func parseKeyID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid key id %q: %w", s, err)
	}
	return uint32(id), nil
}

func parseVersion(s string) (keystore.Version, error) {
	var v keystore.Version
	if s == "" {
		return v, nil
	}
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Revision); err != nil {
		return v, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

func keyRecordFromFlags() (keystore.KeyRecord, error) {
	typ, err := keystore.ParseKeyType(keyType)
	if err != nil {
		return keystore.KeyRecord{}, err
	}
	flags, err := keystore.ParseFlags(keyFlags)
	if err != nil {
		return keystore.KeyRecord{}, err
	}
	version, err := parseVersion(keyVersion)
	if err != nil {
		return keystore.KeyRecord{}, err
	}
	if keyFile == "" {
		return keystore.KeyRecord{}, fmt.Errorf("--file is required")
	}
	data, err := afero.ReadFile(appFs, keyFile)
	if err != nil {
		return keystore.KeyRecord{}, fmt.Errorf("failed to read key file: %w", err)
	}
	rec := keystore.KeyRecord{
		ID:      keyID,
		Type:    typ,
		Flags:   flags,
		Version: version,
		Data:    data,
	}
	if keyTTL > 0 {
		rec.Expires = time.Now().Add(keyTTL)
	}
	return rec, nil
}

func init() {
	for _, cmd := range []*cobra.Command{keysAddCmd, keysRotateCmd} {
		cmd.Flags().Uint32Var(&keyID, "id", 0, "key identifier")
		cmd.Flags().StringVar(&keyType, "type", "rsa2048", "key type (rsa2048, rsa4096, ecdsa256, ecdsa384)")
		cmd.Flags().StringVar(&keyFlags, "flags", "", "comma separated flags (primary, backup, hardware, quote, policy)")
		cmd.Flags().StringVar(&keyFile, "file", "", "file holding the public key material")
		cmd.Flags().StringVar(&keyVersion, "key-version", "", "key version as major.minor.revision")
		cmd.Flags().DurationVar(&keyTTL, "ttl", 0, "expire the key after this duration")
	}

	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysRotateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysRemoveCmd)
}
