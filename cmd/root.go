package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/tcsrpc/cmd/serve"
	"github.com/ValentinKolb/tcsrpc/cmd/tpm"
	"github.com/ValentinKolb/tcsrpc/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "tcsrpc",
		Short: "client transport for TCS daemons",
		Long: fmt.Sprintf(`tcsrpc (v%s)

Talks to a Trusted Core Services daemon over its tagged parameter
protocol. Ships an emulated daemon for testing without a TPM.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tcsrpc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tcsrpc v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(tpm.TPMCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
