// Command dvmctl is a command line client for job requests: it creates
// keys, encodes and decodes job events, and dispatches jobs to relays.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dvmctl",
		Short:         "Dispatch and inspect relay job requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(flagConfig, "", "Path to YAML config file")
	root.AddCommand(
		CmdKeygen(),
		CmdEncode(),
		CmdDispatch(),
		CmdDecode(),
	)
	return root
}
