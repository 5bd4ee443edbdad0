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
	"github.com/jeremyhahn/go-fwtrust/pkg/policy"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

var (
	policyPCRs     []uint
	policyNoCache  bool
	quoteComposite string
	quoteSignature string
)

// policyCmd represents the policy command
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Evaluate TPM PCR policies",
}

// policyDigestCmd computes a PolicyPCR digest
var policyDigestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Compute the PolicyPCR digest over the current PCR values",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, cfg *config.Config) error {
			p := selectedPolicy(cfg)
			digest, err := s.Policy().CalculatePolicyDigest(ctx, p, !policyNoCache)
			if err != nil {
				return err
			}
			composite, err := s.Policy().CurrentComposite(ctx, p)
			if err != nil {
				return err
			}
			return printer(cmd).PrintFields(map[string]interface{}{
				"pcrs":      p.PCRs(),
				"mask":      fmt.Sprintf("0x%08x", p.PCRMask),
				"digest":    hex.EncodeToString(digest),
				"composite": hex.EncodeToString(composite),
			})
		})
	},
}

// quoteCmd represents the quote command
var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Request and verify TPM quotes",
}

// quoteVerifyCmd quotes the PCRs and checks the expected composite
var quoteVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Quote the policy PCRs and verify an expected composite",
	Long: `Request a quote over the policy PCRs with a fresh nonce, verify its
signature, and compare the quoted composite with --composite. Without
--composite the current PCR composite is expected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var expected, signature []byte
		var err error
		if quoteComposite != "" {
			if expected, err = hex.DecodeString(quoteComposite); err != nil {
				return fmt.Errorf("invalid composite: %w", err)
			}
		}
		if quoteSignature != "" {
			if signature, err = hex.DecodeString(quoteSignature); err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}
		}
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, cfg *config.Config) error {
			p := selectedPolicy(cfg)
			if expected == nil {
				if expected, err = s.Policy().CurrentComposite(ctx, p); err != nil {
					return err
				}
			}
			if err := s.Policy().VerifyPCRQuote(ctx, p, expected, signature); err != nil {
				return err
			}
			return printer(cmd).PrintFields(map[string]interface{}{
				"pcrs":      p.PCRs(),
				"composite": hex.EncodeToString(expected),
				"verified":  true,
			})
		})
	},
}

func selectedPolicy(cfg *config.Config) policy.Policy {
	if len(policyPCRs) > 0 {
		return policy.FromPCRs(policyPCRs...)
	}
	return policy.Policy{PCRMask: cfg.Policy.PCRMask}
}

func init() {
	policyDigestCmd.Flags().UintSliceVar(&policyPCRs, "pcrs", nil, "PCRs to bind (default: configured mask)")
	policyDigestCmd.Flags().BoolVar(&policyNoCache, "no-cache", false, "bypass the digest cache")
	quoteVerifyCmd.Flags().UintSliceVar(&policyPCRs, "pcrs", nil, "PCRs to quote (default: configured mask)")
	quoteVerifyCmd.Flags().StringVar(&quoteComposite, "composite", "", "expected hex composite digest")
	quoteVerifyCmd.Flags().StringVar(&quoteSignature, "signature", "", "hex attestation key signature over the composite")

	policyCmd.AddCommand(policyDigestCmd)
	quoteCmd.AddCommand(quoteVerifyCmd)
}
