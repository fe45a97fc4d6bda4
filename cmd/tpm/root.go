package tpm

import (
	"github.com/ValentinKolb/tcsrpc/cmd/util"
	"github.com/ValentinKolb/tcsrpc/rpc/client"
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/registry"
	"github.com/spf13/cobra"
)

var (
	reg *registry.Registry
	tcs *client.Client
	ctx common.ContextHandle

	// TPMCommands represents the TPM command group
	TPMCommands = &cobra.Command{
		Use:                "tpm",
		Short:              "Issue TPM commands through a TCS daemon",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common connection flags to the TPM command
	util.SetupRPCClientFlags(TPMCommands)

	// Add subcommands
	TPMCommands.AddCommand(randomCmd)
	TPMCommands.AddCommand(pcrReadCmd)
	TPMCommands.AddCommand(extendCmd)
	TPMCommands.AddCommand(capsCmd)
	TPMCommands.AddCommand(pubekCmd)
	TPMCommands.AddCommand(keysCmd)
	TPMCommands.AddCommand(selfTestCmd)
	TPMCommands.AddCommand(perfTestCmd)
}

// setupClient creates the client and opens the context every subcommand runs on
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetClientConfig()
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return err
	}

	t, err := util.GetTransport(config)
	if err != nil {
		return err
	}

	reg = registry.NewRegistry(config)
	tcs = client.NewClient(reg, t)

	ctx = reg.NextHandle()
	_, _, err = tcs.OpenContext(ctx, config.Hostname)
	if err != nil {
		reg.Shutdown()
	}
	return err
}

// closeClient closes the context and drops all connections
func closeClient(_ *cobra.Command, _ []string) error {
	defer reg.Shutdown()
	return tcs.CloseContext(ctx)
}
