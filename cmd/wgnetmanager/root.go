package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wgnetmanager/wgnetmanager/internal/errs"
)

var verbosity int

var rootCmd = &cobra.Command{
	Use:   "wg_netmanager",
	Short: "Self-organizing WireGuard overlay control plane",
	Long: `wg_netmanager keeps a WireGuard mesh's peer set and routing table in
sync from a single shared network key and a small list of static listeners,
without any central controller running once the overlay is up.`,
}

// Execute adds all child commands to the root command and runs it. Any
// *errs.Error surfaces the daemon's own exit code (spec §6); anything else
// (cobra usage errors) exits 1, matching a configuration error.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := 1
	if xerr, ok := errs.AsError(err); ok {
		code = errs.ExitCode(xerr.Kind())
	}
	os.Exit(code)
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "ny", Title: "wg-netmanager commands"})
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
}
