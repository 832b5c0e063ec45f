package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mind-engage/mindengage-lti/internal/lti"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Tool signing key utilities",
}

var keysGenerateCmd = &cobra.Command{
	Use:     "generate",
	Short:   "Generate an RSA signing key (PKCS#8 PEM)",
	Example: `  ltid keys generate --out tool-key.pem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bits, _ := cmd.Flags().GetInt("bits")
		out, _ := cmd.Flags().GetString("out")

		priv, err := lti.GenerateRSAKey(bits)
		if err != nil {
			return err
		}
		pemBytes, err := lti.EncodeRSAPrivateKeyPEM(priv)
		if err != nil {
			return err
		}
		kid, err := lti.Thumbprint(&priv.PublicKey)
		if err != nil {
			return err
		}
		if out == "" || out == "-" {
			_, err = os.Stdout.Write(pemBytes)
			return err
		}
		if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
			return err
		}
		log.Info().Str("file", out).Str("kid", kid).Int("bits", bits).Msg("key written")
		return nil
	},
}

var keysJWKSCmd = &cobra.Command{
	Use:   "jwks",
	Short: "Print the public JWKS for the configured tool key(s)",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := loadToolKeys(false)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys.PublicJWKS())
	},
}

var keysTokenCmd = &cobra.Command{
	Use:     "token <deployment-id>",
	Short:   "Fetch an LTI Advantage access token to check a platform registration",
	Example: `  ltid keys token canvas-prod --scope https://purl.imsglobal.org/spec/lti-ags/scope/score`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scopes, _ := cmd.Flags().GetStringSlice("scope")

		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		d, err := lti.NewSQLRegistry(db).FindByID(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("deployment %s: %w", args[0], err)
		}
		keys, err := loadToolKeys(false)
		if err != nil {
			return err
		}

		adv := &lti.AdvantageTokens{Keys: keys}
		ts, err := adv.TokenSource(cmd.Context(), d, scopes)
		if err != nil {
			return err
		}
		tok, err := ts.Token()
		if err != nil {
			return err
		}
		granted, _ := tok.Extra("scope").(string)
		log.Info().Str("deployment", d.ID).Str("token_type", tok.TokenType).Time("expiry", tok.Expiry).
			Strs("scopes", strings.Fields(granted)).Msg("access token issued")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysJWKSCmd, keysTokenCmd)

	keysGenerateCmd.Flags().Int("bits", 2048, "RSA key size")
	keysGenerateCmd.Flags().String("out", "", "output file (default stdout)")

	keysTokenCmd.Flags().StringSlice("scope", []string{lti.ScopeLineItemReadOnly}, "scopes to request")
}
