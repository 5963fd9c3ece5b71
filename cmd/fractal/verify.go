package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/fractal/config"
	"github.com/mohammad-safakhou/fractal/internal/manifest"
)

func verifyCMD(cfgPath *string) *cobra.Command {
	var secret string
	var verify = &cobra.Command{
		Use:   "verify <manifest.json|->",
		Short: "Verify a signed run manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				secret = cfg.Capability.SigningSecret
			}
			if secret == "" {
				return fmt.Errorf("no signing secret: pass --secret or set capability.signing_secret")
			}
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(filepath.Clean(args[0]))
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			signed, err := readManifest(r)
			if err != nil {
				return err
			}
			if err := manifest.Verify(signed, secret); err != nil {
				return fmt.Errorf("manifest %s: %w", signed.Manifest.RunID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s %s\n", signed.Manifest.RunID, signed.Checksum)
			return nil
		},
	}
	verify.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to capability.signing_secret)")
	return verify
}

func readManifest(r io.Reader) (manifest.Signed, error) {
	var signed manifest.Signed
	if err := json.NewDecoder(r).Decode(&signed); err != nil {
		return manifest.Signed{}, fmt.Errorf("decode manifest: %w", err)
	}
	return signed, nil
}
