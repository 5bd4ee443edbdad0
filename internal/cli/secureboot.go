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
	"crypto/rsa"
	"encoding/hex"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/secureboot"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

var (
	secureBootKey     string
	secureBootOut     string
	secureBootVersion uint64
	secureBootAdmit   bool
	secureBootExtract string
)

// secureBootCmd represents the secureboot command
var secureBootCmd = &cobra.Command{
	Use:   "secureboot",
	Short: "Sign and verify firmware images",
}

var secureBootVerifyCmd = &cobra.Command{
	Use:   "verify <image>",
	Short: "Verify a signed firmware image",
	Long: `Verify the header, digest and, with --key or a configured public key,
the RSA signature of a firmware image. With --admit the rollback counter is
checked against --version first, as the loader does. With --extract the
verified image region is written to the given file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		blob, err := afero.ReadFile(appFs, args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		cfg, err := getConfig().Load()
		if err != nil {
			return err
		}
		keyPath := secureBootKey
		if keyPath == "" {
			keyPath = cfg.SecureBoot.PublicKey
		}
		var pub *rsa.PublicKey
		if keyPath != "" {
			pem, err := afero.ReadFile(appFs, keyPath)
			if err != nil {
				return fmt.Errorf("failed to read public key: %w", err)
			}
			if pub, err = secureboot.ParsePublicKey(pem); err != nil {
				return err
			}
		}

		if !secureBootAdmit {
			verifier := secureboot.NewVerifier(getConfig().Logger(cfg))
			header, err := verifier.Verify(blob, pub)
			if err != nil {
				return err
			}
			if err := extractImage(blob, header); err != nil {
				return err
			}
			return printHeader(cmd, header, pub != nil)
		}
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, _ *config.Config) error {
			header, err := s.AdmitFirmware(ctx, secureBootVersion, blob, pub)
			if err != nil {
				return err
			}
			if err := extractImage(blob, header); err != nil {
				return err
			}
			return printHeader(cmd, header, pub != nil)
		})
	},
}

var secureBootSignCmd = &cobra.Command{
	Use:   "sign <image>",
	Short: "Wrap a raw image in a signed firmware container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if secureBootKey == "" || secureBootOut == "" {
			return fmt.Errorf("--key and --out are required")
		}
		image, err := afero.ReadFile(appFs, args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		pem, err := afero.ReadFile(appFs, secureBootKey)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		key, err := secureboot.ParsePrivateKey(pem)
		if err != nil {
			return err
		}
		blob, err := secureboot.Build(image, key)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(appFs, secureBootOut, blob, 0o644); err != nil {
			return err
		}
		header, err := secureboot.ParseHeader(blob)
		if err != nil {
			return err
		}
		return printHeader(cmd, header, true)
	},
}

// extractImage writes the image region of a verified blob to the
// --extract path, if one was given.
func extractImage(blob []byte, header *secureboot.Header) error {
	if secureBootExtract == "" {
		return nil
	}
	if err := afero.WriteFile(appFs, secureBootExtract, secureboot.Image(blob, header), 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}

func printHeader(cmd *cobra.Command, h *secureboot.Header, signed bool) error {
	return printer(cmd).PrintFields(map[string]interface{}{
		"format_version": h.Version,
		"image_size":     h.ImageSize,
		"signature_size": h.SignatureSize,
		"sha256":         hex.EncodeToString(h.Hash[:]),
		"signed":         signed,
	})
}

func init() {
	secureBootVerifyCmd.Flags().StringVar(&secureBootKey, "key", "", "PEM public key")
	secureBootVerifyCmd.Flags().BoolVar(&secureBootAdmit, "admit", false, "run the full loader admission")
	secureBootVerifyCmd.Flags().Uint64Var(&secureBootVersion, "version", 0, "candidate firmware version for --admit")
	secureBootVerifyCmd.Flags().StringVar(&secureBootExtract, "extract", "", "write the verified image to this file")
	secureBootSignCmd.Flags().StringVar(&secureBootKey, "key", "", "PEM RSA private key")
	secureBootSignCmd.Flags().StringVar(&secureBootOut, "out", "", "output file")

	secureBootCmd.AddCommand(secureBootVerifyCmd)
	secureBootCmd.AddCommand(secureBootSignCmd)
}
