package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/bootmod/signature"
)

var keyText string

var signCmd = &cobra.Command{
	Use:   "sign <module>",
	Short: "Write a detached signature next to a module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyText == "" {
			keyText = os.Getenv("BOOTMOD_SIGNING_KEY")
		}
		priv, err := signature.ParsePrivateKey(keyText)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		sig, err := signature.Sign(priv, data)
		if err != nil {
			return err
		}
		out := args[0] + ".sig"
		if err := os.WriteFile(out, sig, 0o644); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 signing key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "private: %s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
		fmt.Fprintf(out, "public:  %s\n", base64.StdEncoding.EncodeToString(pub))
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&keyText, "key", "", "Base64 ed25519 seed (default $BOOTMOD_SIGNING_KEY)")
}
