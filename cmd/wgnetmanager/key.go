package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// keyCmd is a diagnostic convenience, not part of the spec's CLI contract:
// wg-netmanager generates a fresh session keypair on every run (spec §9), so
// there is nothing for an operator to provision ahead of time. This just
// prints a throwaway keypair in the same shape `wg genkey`/`wg pubkey` would,
// for documentation and manual testing.
var keyCmd = &cobra.Command{
	Use:     "key",
	Short:   "Print a throwaway WireGuard keypair for diagnostics",
	GroupID: "ny",
	Run: func(cmd *cobra.Command, args []string) {
		priv, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			panic(err)
		}
		fmt.Printf("PrivateKey=%s\n", priv.String())
		fmt.Printf("PublicKey=%s\n", priv.PublicKey().String())
	},
}

func init() {
	rootCmd.AddCommand(keyCmd)
}
