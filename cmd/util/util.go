package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/transport"
	"github.com/ValentinKolb/tcsrpc/rpc/transport/tcp"
	"github.com/ValentinKolb/tcsrpc/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupRPCClientFlags adds common connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "tcsd-hostname"
	cmd.PersistentFlags().String(key, "localhost", WrapString("Host of the TCS daemon (socket path for the unix transport)"))

	key = "tcsd-port"
	cmd.PersistentFlags().Int(key, common.DefaultPort, WrapString("Port of the TCS daemon"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of each exchange (0 waits forever)"))

	key = "initial-buffer"
	cmd.PersistentFlags().Int(key, common.DefaultInitialBufferSize, WrapString("Initial size of the communication buffer of each context (in bytes)"))

	key = "max-packet"
	cmd.PersistentFlags().Int(key, common.DefaultMaxPacketSize/1024, WrapString("Largest reply accepted from the daemon (in KB)"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 keeps the os default)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 keeps the os default)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, only for tcp)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time (in seconds, only for tcp, 0 keeps the os default)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("tss")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		Hostname:          viper.GetString("tcsd-hostname"),
		Port:              viper.GetInt("tcsd-port"),
		TimeoutSecond:     viper.GetInt("timeout"),
		InitialBufferSize: uint32(viper.GetInt("initial-buffer")),
		MaxPacketSize:     uint32(viper.GetInt("max-packet")) * 1024,
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
		LogLevel: viper.GetString("log-level"),
	}
}

// GetTransport creates the client transport based on configuration
func GetTransport(config common.ClientConfig) (transport.IRPCClientTransport, error) {
	switch viper.GetString("transport") {
	case "tcp":
		return tcp.NewTCPClientTransport(config), nil
	case "unix":
		return unix.NewUnixClientTransport(config), nil
	default:
		return nil, fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
