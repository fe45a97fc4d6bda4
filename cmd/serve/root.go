package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/tcsrpc/cmd/util"
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/server"
	"github.com/ValentinKolb/tcsrpc/rpc/transport"
	"github.com/ValentinKolb/tcsrpc/rpc/transport/tcp"
	"github.com/ValentinKolb/tcsrpc/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start an emulated TCS daemon",
		Long:    `Start a TCS daemon backed by an in-memory TPM emulator. The configuration can be set via command line flags or environment variables. The format of the environment variables is TSS_<flag> (e.g. TSS_ENDPOINT=0.0.0.0:30003)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, fmt.Sprintf("0.0.0.0:%d", common.DefaultPort), cmdUtil.WrapString("The address on which the daemon will listen (e.g. localhost:30003, /tmp/tcsd.sock, ...)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Timeout in seconds for each socket operation (0 disables deadlines)"))

	key = "max-packet"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxPacketSize/1024, cmdUtil.WrapString("Largest request accepted from a client (in KB)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("If set, prometheus metrics are served on this address under /metrics (e.g. localhost:9100)"))

	key = "transport-tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval (in seconds, only for tcp)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt("timeout")
	serveCmdConfig.MaxPacketSize = uint32(viper.GetInt("max-packet")) * 1024
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.TCPConf = common.TCPConf{
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
	}
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.Endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}

	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the emulated daemon and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {

	// Parse the transport
	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "tcp":
		t = tcp.NewTCPServerTransport()
	case "unix":
		t = unix.NewUnixServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewTCSServer(*serveCmdConfig, t)
	serv.RegisterService(server.NewEmulator())

	if err := serv.Start(); err != nil {
		return err
	}

	// stop on interrupt, Serve would block forever otherwise
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("shutting down...")
		if err := serv.Stop(); err != nil {
			server.Logger.Errorf("Failed to stop server: %v", err)
		}
	}()

	fmt.Printf("TCS emulator listening on %s\n", serv.Addr())
	return t.Wait()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tss")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
